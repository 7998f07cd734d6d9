package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tyemirov/roleguard/internal/access"
	"github.com/tyemirov/roleguard/internal/authkit"
	"github.com/tyemirov/roleguard/internal/rolestore"
	"github.com/tyemirov/roleguard/internal/roles"
	"github.com/tyemirov/roleguard/internal/web"
	"go.uber.org/zap"
)

var serveHTTP = func(server *http.Server) error {
	return server.ListenAndServe()
}

var buildGoogleTokenValidator = func(ctx context.Context) (authkit.GoogleTokenValidator, error) {
	return authkit.NewGoogleTokenValidator(ctx)
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "roleguard",
		Short:   "Role resolution and access gating service with Google Sign-In sessions",
		PreRunE: prepareServerConfig,
		RunE:    runServer,
	}

	rootCmd.Flags().String("listen_addr", ":8080", "HTTP listen address")
	rootCmd.Flags().String("env_file", ".env", "Optional dotenv file loaded before configuration is read")
	rootCmd.Flags().String("cookie_domain", "", "Cookie domain; empty for host-only")
	rootCmd.Flags().String("google_web_client_id", "", "Google Web OAuth Client ID")
	rootCmd.Flags().String("jwt_signing_key", "", "HS256 signing secret for session JWT")
	rootCmd.Flags().Duration("session_ttl", 12*time.Hour, "Session TTL")
	rootCmd.Flags().Bool("dev_insecure_http", false, "Allow insecure HTTP for local dev")
	rootCmd.Flags().String("database_url", "", "Database URL for role assignments (postgres:// or sqlite://; leave empty for in-memory store)")
	rootCmd.Flags().String("role_store_driver", "gorm", "Role store driver for database_url: gorm or pgx (pgx requires postgres)")
	rootCmd.Flags().String("role_seed_file", "", "YAML file of role grants applied at startup")
	rootCmd.Flags().Duration("role_cache_ttl", roles.DefaultCacheTTL, "Freshness window for resolved roles")
	rootCmd.Flags().Int("role_query_capacity", roles.DefaultQueryCapacity, "Maximum number of users whose roles are held")
	rootCmd.Flags().String("role_failure_policy", roles.DegradeToBaseline{}.Name(), "Role fetch failure policy: degrade_to_baseline, fail_closed or surface_error")
	rootCmd.Flags().Bool("enable_cors", false, "Enable CORS for cross-origin clients (required to set SameSite=None cookies)")
	rootCmd.Flags().StringSlice("cors_allowed_origins", []string{}, "Allowed origins when CORS is enabled (required if enable_cors is true)")

	for _, name := range []string{
		"listen_addr", "env_file", "cookie_domain", "google_web_client_id", "jwt_signing_key",
		"session_ttl", "dev_insecure_http", "database_url", "role_store_driver", "role_seed_file",
		"role_cache_ttl", "role_query_capacity", "role_failure_policy", "enable_cors", "cors_allowed_origins",
	} {
		_ = viper.BindPFlag(name, rootCmd.Flags().Lookup(name))
	}

	viper.SetEnvPrefix("APP")
	viper.AutomaticEnv()

	return rootCmd
}

const (
	sessionCookieName = "app_session"
	sessionIssuer     = "roleguard"

	configCodeMissingGoogleClientID   = "config.missing_google_web_client_id"
	configCodeMissingJWTSigningKey    = "config.missing_jwt_signing_key"
	configCodeInvalidSessionTTL       = "config.invalid_session_ttl"
	configCodeInvalidRoleCacheTTL     = "config.invalid_role_cache_ttl"
	configCodeInvalidFailurePolicy    = "config.invalid_role_failure_policy"
	configCodeInvalidStoreDriver      = "config.invalid_role_store_driver"
	configCodeEnvFile                 = "config.env_file"
	configCodeUninitializedServerConf = "config.uninitialized_server_config"
	configCodeGoogleValidatorInit     = "config.google_validator_init"
	configCodeRoleStoreInit           = "config.role_store_init"
	configCodeRoleSeed                = "config.role_seed"
)

// ServiceConfig is the validated configuration of the service.
type ServiceConfig struct {
	Auth              authkit.ServerConfig
	RoleCacheTTL      time.Duration
	RoleQueryCapacity int
	FailurePolicy     roles.FailurePolicy
	RoleStoreDriver   string
}

type contextKey string

const serverConfigContextKey contextKey = "serverConfig"

func prepareServerConfig(command *cobra.Command, arguments []string) error {
	if err := loadEnvFile(viper.GetString("env_file")); err != nil {
		return err
	}
	serverConfig, loadErr := LoadServerConfig()
	if loadErr != nil {
		return loadErr
	}
	existingContext := command.Context()
	if existingContext == nil {
		existingContext = context.Background()
	}
	command.SetContext(context.WithValue(existingContext, serverConfigContextKey, serverConfig))
	return nil
}

func loadEnvFile(path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	if _, statErr := os.Stat(path); errors.Is(statErr, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("%s: %w", configCodeEnvFile, err)
	}
	return nil
}

func configError(code, message string) error {
	return fmt.Errorf("%s: %s", code, message)
}

func LoadServerConfig() (ServiceConfig, error) {
	googleWebClientID := viper.GetString("google_web_client_id")
	if googleWebClientID == "" {
		return ServiceConfig{}, configError(configCodeMissingGoogleClientID, "google_web_client_id must be provided")
	}

	jwtSigningKey := viper.GetString("jwt_signing_key")
	if jwtSigningKey == "" {
		return ServiceConfig{}, configError(configCodeMissingJWTSigningKey, "jwt_signing_key must be provided")
	}

	sessionTTL := viper.GetDuration("session_ttl")
	if sessionTTL <= 0 {
		return ServiceConfig{}, configError(configCodeInvalidSessionTTL, "session_ttl must be greater than zero")
	}

	roleCacheTTL := roles.DefaultCacheTTL
	if viper.IsSet("role_cache_ttl") {
		roleCacheTTL = viper.GetDuration("role_cache_ttl")
		if roleCacheTTL <= 0 {
			return ServiceConfig{}, configError(configCodeInvalidRoleCacheTTL, "role_cache_ttl must be greater than zero")
		}
	}

	failurePolicy, policyErr := roles.ParseFailurePolicy(viper.GetString("role_failure_policy"))
	if policyErr != nil {
		return ServiceConfig{}, configError(configCodeInvalidFailurePolicy, policyErr.Error())
	}

	storeDriver := strings.ToLower(strings.TrimSpace(viper.GetString("role_store_driver")))
	switch storeDriver {
	case "":
		storeDriver = "gorm"
	case "gorm", "pgx":
	default:
		return ServiceConfig{}, configError(configCodeInvalidStoreDriver, "role_store_driver must be gorm or pgx")
	}

	return ServiceConfig{
		Auth: authkit.ServerConfig{
			GoogleWebClientID: googleWebClientID,
			AppJWTSigningKey:  []byte(jwtSigningKey),
			AppJWTIssuer:      sessionIssuer,
			CookieDomain:      viper.GetString("cookie_domain"),
			SessionCookieName: sessionCookieName,
			SessionTTL:        sessionTTL,
		},
		RoleCacheTTL:      roleCacheTTL,
		RoleQueryCapacity: viper.GetInt("role_query_capacity"),
		FailurePolicy:     failurePolicy,
		RoleStoreDriver:   storeDriver,
	}, nil
}

func runServer(command *cobra.Command, arguments []string) error {
	logger, loggerErr := zap.NewProduction()
	if loggerErr != nil {
		return loggerErr
	}
	defer func() { _ = logger.Sync() }()

	commandContext := command.Context()
	var contextValue any
	if commandContext != nil {
		contextValue = commandContext.Value(serverConfigContextKey)
	}
	serviceConfig, ok := contextValue.(ServiceConfig)
	if !ok {
		return configError(configCodeUninitializedServerConf, "server configuration not prepared; PreRunE must execute before RunE")
	}
	serverConfig := serviceConfig.Auth

	listenAddr := viper.GetString("listen_addr")
	enableCORS := viper.GetBool("enable_cors")
	corsAllowedOrigins := viper.GetStringSlice("cors_allowed_origins")

	serverConfig.AllowInsecureHTTP = viper.GetBool("dev_insecure_http")
	serverConfig.SameSiteMode = http.SameSiteStrictMode
	if enableCORS {
		serverConfig.SameSiteMode = http.SameSiteNoneMode
	}

	roleStore, closeStore, storeErr := openRoleStore(command.Context(), logger, viper.GetString("database_url"), serviceConfig.RoleStoreDriver)
	if storeErr != nil {
		return fmt.Errorf("%s: %w", configCodeRoleStoreInit, storeErr)
	}
	defer closeStore()

	if seedPath := viper.GetString("role_seed_file"); seedPath != "" {
		grants, seedErr := rolestore.LoadSeedFile(seedPath)
		if seedErr != nil {
			return fmt.Errorf("%s: %w", configCodeRoleSeed, seedErr)
		}
		applied, applyErr := rolestore.ApplySeed(context.Background(), roleStore, grants)
		if applyErr != nil {
			return fmt.Errorf("%s: %w", configCodeRoleSeed, applyErr)
		}
		logger.Info("applied role seed", zap.String("path", seedPath), zap.Int("grants", applied))
	}

	googleValidator, validatorErr := buildGoogleTokenValidator(command.Context())
	if validatorErr != nil {
		return fmt.Errorf("%s: %w", configCodeGoogleValidatorInit, validatorErr)
	}

	clock := roles.NewSystemClock()
	sessions, sessionsErr := authkit.NewSessionValidator(serverConfig, clock)
	if sessionsErr != nil {
		return sessionsErr
	}

	metricsRecorder := roles.NewRoleMetrics()
	roleCache := roles.NewCache(serviceConfig.RoleCacheTTL, clock)
	resolver := roles.NewResolver(roleStore, roleCache,
		roles.WithFailurePolicy(serviceConfig.FailurePolicy),
		roles.WithLogger(logger),
		roles.WithMetrics(metricsRecorder))
	roleQuery := roles.NewQuery(resolver, roles.QueryConfig{
		StaleTime: serviceConfig.RoleCacheTTL,
		Capacity:  serviceConfig.RoleQueryCapacity,
		Clock:     clock,
		Logger:    logger,
		Metrics:   metricsRecorder,
	})
	logger.Info("role resolution configured",
		zap.Duration("cache_ttl", serviceConfig.RoleCacheTTL),
		zap.String("failure_policy", resolver.Policy().Name()))

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(zapLoggerMiddleware(logger))

	if enableCORS {
		corsMiddleware, corsErr := web.ConfigureCORS(logger, corsAllowedOrigins)
		if corsErr != nil {
			return corsErr
		}
		router.Use(corsMiddleware)
	}

	authkit.MountAuthRoutes(router, serverConfig, authkit.RouteDependencies{
		Google:    googleValidator,
		Sessions:  sessions,
		Clock:     clock,
		Logger:    logger,
		OnSignOut: roleQuery.Invalidate,
	})

	router.GET("/api/access", authkit.OptionalSession(sessions), web.HandleAccess(logger, roleQuery))

	protected := router.Group("/api")
	protected.Use(authkit.RequireSession(sessions))
	protected.GET("/me", web.HandleWhoAmI(logger, roleQuery))
	protected.GET("/roles", web.HandleRoles(logger, roleQuery))
	protected.POST("/roles/refetch", web.HandleRefetchRoles(logger, roleQuery))

	admin := protected.Group("/admin")
	admin.Use(access.RequireRoles(logger, roleQuery, authkit.AuthStateFromContext, roles.RoleAdmin))
	admin.PUT("/users/:user_id/roles/:role", web.HandleGrantRole(logger, roleStore, roleQuery))
	admin.DELETE("/users/:user_id/roles/:role", web.HandleRevokeRole(logger, roleStore, roleQuery))
	admin.GET("/metrics", web.HandleMetrics(metricsRecorder))

	server := &http.Server{
		Addr:              listenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	shutdownCtx, shutdownCancel := context.WithCancel(context.Background())
	defer shutdownCancel()

	go func() {
		stopSignals := make(chan os.Signal, 1)
		signal.Notify(stopSignals, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(stopSignals)
		select {
		case <-stopSignals:
		case <-shutdownCtx.Done():
			return
		}
		graceCtx, graceCancel := context.WithTimeout(shutdownCtx, 10*time.Second)
		defer graceCancel()
		if err := server.Shutdown(graceCtx); err != nil {
			logger.Error("server shutdown error", zap.Error(err))
		}
	}()

	logger.Info("listening", zap.String("addr", listenAddr))
	if err := serveHTTP(server); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen error: %w", err)
	}
	return nil
}

func openRoleStore(ctx context.Context, logger *zap.Logger, databaseURL string, driver string) (roles.RoleWriter, func(), error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if databaseURL == "" {
		logger.Info("using in-memory role store")
		return rolestore.NewMemoryRoleStore(), func() {}, nil
	}
	if driver == "pgx" {
		pool, poolErr := rolestore.BuildPool(ctx, databaseURL)
		if poolErr != nil {
			return nil, nil, poolErr
		}
		if schemaErr := rolestore.EnsureSchema(ctx, pool); schemaErr != nil {
			pool.Close()
			return nil, nil, schemaErr
		}
		store := rolestore.NewPostgresRoleStore(pool)
		logger.Info("using persistent role store", zap.String("driver", "pgx"))
		return store, store.Close, nil
	}
	store, storeErr := rolestore.NewDatabaseRoleStore(ctx, databaseURL)
	if storeErr != nil {
		return nil, nil, storeErr
	}
	logger.Info("using persistent role store", zap.String("driver", store.Driver()))
	return store, func() {}, nil
}

func zapLoggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		startTime := time.Now()
		contextGin.Next()
		duration := time.Since(startTime)
		logger.Info("http",
			zap.String("method", contextGin.Request.Method),
			zap.String("path", contextGin.Request.URL.Path),
			zap.Int("status", contextGin.Writer.Status()),
			zap.String("ip", contextGin.ClientIP()),
			zap.Duration("elapsed", duration),
		)
	}
}
