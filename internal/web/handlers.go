package web

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tyemirov/roleguard/internal/access"
	"github.com/tyemirov/roleguard/internal/authkit"
	"github.com/tyemirov/roleguard/internal/rolestore"
	"github.com/tyemirov/roleguard/internal/roles"
	"go.uber.org/zap"
)

// HandleWhoAmI returns the session profile together with the resolved roles.
func HandleWhoAmI(logger *zap.Logger, query *roles.Query) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	if query == nil {
		panic("role query is required")
	}

	return func(contextGin *gin.Context) {
		claims, ok := authkit.ClaimsFromContext(contextGin)
		if !ok {
			logger.Warn("missing auth claims on context",
				zap.String("code", "api.me.missing_claims"))
			contextGin.AbortWithStatus(http.StatusUnauthorized)
			return
		}

		view, fetchErr := query.Fetch(contextGin.Request.Context(), roles.AuthState{UserID: claims.UserID})
		if fetchErr != nil {
			respondRolesUnavailable(contextGin, logger, "api.me.roles_unavailable", claims.UserID, fetchErr)
			return
		}

		expiresAt := time.Time{}
		if claims.ExpiresAt != nil {
			expiresAt = claims.ExpiresAt.Time
		}
		contextGin.JSON(http.StatusOK, gin.H{
			"user_id":      claims.UserID,
			"user_email":   claims.UserEmail,
			"display":      claims.UserDisplayName,
			"expires":      expiresAt,
			"roles":        view.Roles,
			"primary_role": view.PrimaryRole,
			"is_admin":     view.IsAdmin,
			"is_guru":      view.IsGuru,
		})
	}
}

// HandleRoles returns the role view for the session user.
func HandleRoles(logger *zap.Logger, query *roles.Query) gin.HandlerFunc {
	return roleViewHandler(logger, query, "api.roles", query.Fetch)
}

// HandleRefetchRoles drops the held role entry and resolves again.
func HandleRefetchRoles(logger *zap.Logger, query *roles.Query) gin.HandlerFunc {
	return roleViewHandler(logger, query, "api.roles.refetch", query.Refetch)
}

func roleViewHandler(logger *zap.Logger, query *roles.Query, code string, load func(ctx context.Context, auth roles.AuthState) (roles.View, error)) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	if query == nil {
		panic("role query is required")
	}
	return func(contextGin *gin.Context) {
		auth := authkit.AuthStateFromContext(contextGin)
		view, fetchErr := load(contextGin.Request.Context(), auth)
		if fetchErr != nil {
			respondRolesUnavailable(contextGin, logger, code+".unavailable", auth.UserID, fetchErr)
			return
		}
		contextGin.JSON(http.StatusOK, view)
	}
}

// HandleAccess evaluates a gate for the caller. Required roles come from the
// "roles" query parameter (comma separated or repeated); none means an auth gate.
func HandleAccess(logger *zap.Logger, query *roles.Query) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	if query == nil {
		panic("role query is required")
	}
	return func(contextGin *gin.Context) {
		required, parseErr := parseRequiredRoles(contextGin.QueryArray("roles"))
		if parseErr != nil {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_role", "detail": parseErr.Error()})
			return
		}
		auth := authkit.AuthStateFromContext(contextGin)
		view, fetchErr := query.Fetch(contextGin.Request.Context(), auth)
		if fetchErr != nil {
			respondRolesUnavailable(contextGin, logger, "api.access.roles_unavailable", auth.UserID, fetchErr)
			return
		}
		contextGin.JSON(http.StatusOK, access.ResolveAccess(auth, access.RoleStateFromView(view), required))
	}
}

// HandleGrantRole assigns the path role to the path user and invalidates their cached roles.
func HandleGrantRole(logger *zap.Logger, writer roles.RoleWriter, query *roles.Query) gin.HandlerFunc {
	return roleMutationHandler(logger, writer, query, "api.admin.grant", writer.GrantRole)
}

// HandleRevokeRole removes the path role from the path user and invalidates their cached roles.
func HandleRevokeRole(logger *zap.Logger, writer roles.RoleWriter, query *roles.Query) gin.HandlerFunc {
	return roleMutationHandler(logger, writer, query, "api.admin.revoke", writer.RevokeRole)
}

func roleMutationHandler(logger *zap.Logger, writer roles.RoleWriter, query *roles.Query, code string, mutate func(ctx context.Context, userID string, role roles.Role) error) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	if writer == nil || query == nil {
		panic("role writer and role query are required")
	}
	return func(contextGin *gin.Context) {
		userID := strings.TrimSpace(contextGin.Param("user_id"))
		role, ok := roles.ParseRole(contextGin.Param("role"))
		if userID == "" || !ok {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_role"})
			return
		}

		if err := mutate(contextGin.Request.Context(), userID, role); err != nil {
			if errors.Is(err, rolestore.ErrRoleNotGranted) {
				contextGin.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "role_not_granted"})
				return
			}
			logger.Error("role mutation failed",
				zap.String("code", code+".failed"),
				zap.String("user_id", userID),
				zap.String("role", string(role)),
				zap.Error(err))
			contextGin.AbortWithStatus(http.StatusInternalServerError)
			return
		}

		query.Invalidate(userID)
		actor := authkit.AuthStateFromContext(contextGin).UserID
		logger.Info("role assignment changed",
			zap.String("code", code),
			zap.String("actor_id", actor),
			zap.String("user_id", userID),
			zap.String("role", string(role)))
		contextGin.Status(http.StatusNoContent)
	}
}

// HandleMetrics exposes role fetch outcomes, failure-policy use, lookup sources
// and server-side gate decisions.
func HandleMetrics(metrics *roles.RoleMetrics) gin.HandlerFunc {
	if metrics == nil {
		panic("role metrics are required")
	}
	return func(contextGin *gin.Context) {
		contextGin.JSON(http.StatusOK, metrics.Snapshot())
	}
}

func parseRequiredRoles(values []string) ([]roles.Role, error) {
	var required []roles.Role
	for _, value := range values {
		for _, label := range strings.Split(value, ",") {
			if strings.TrimSpace(label) == "" {
				continue
			}
			role, ok := roles.ParseRole(label)
			if !ok {
				return nil, errors.New("unknown role " + strings.TrimSpace(label))
			}
			if !roles.Contains(required, role) {
				required = append(required, role)
			}
		}
	}
	return required, nil
}

func respondRolesUnavailable(contextGin *gin.Context, logger *zap.Logger, code string, userID string, err error) {
	logger.Error("role resolution failed",
		zap.String("code", code),
		zap.String("user_id", userID),
		zap.Error(err))
	contextGin.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "roles_unavailable"})
}
