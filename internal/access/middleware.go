package access

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/tyemirov/roleguard/internal/roles"
	"go.uber.org/zap"
)

// ContextKeyRoleView is where RequireRoles stores the resolved view.
const ContextKeyRoleView = "role_view"

// AuthStateFunc extracts the session's auth state from a request.
type AuthStateFunc func(contextGin *gin.Context) roles.AuthState

// RequireRoles enforces a role gate on the server. The request proceeds only when
// the gate grants access; client-side gates are advisory.
func RequireRoles(logger *zap.Logger, query *roles.Query, authState AuthStateFunc, required ...roles.Role) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	if query == nil || authState == nil {
		panic("role query and auth state are required")
	}
	if len(required) == 0 {
		panic("at least one required role must be provided")
	}

	return func(contextGin *gin.Context) {
		auth := authState(contextGin)
		if !auth.Authenticated() {
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		view, fetchErr := query.Fetch(contextGin.Request.Context(), auth)
		if fetchErr != nil {
			logger.Error("role resolution failed",
				zap.String("code", "access.roles_unavailable"),
				zap.String("user_id", auth.UserID),
				zap.Error(fetchErr))
			contextGin.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "roles_unavailable"})
			return
		}

		decision := ResolveAccess(auth, RoleStateFromView(view), required)
		if decision.State != StateChecking {
			query.Metrics().RecordGate(required, decision.Granted())
		}
		switch decision.State {
		case StateGranted:
			contextGin.Set(ContextKeyRoleView, view)
			contextGin.Next()
		case StateDenied:
			logger.Info("access restricted",
				zap.String("code", "access.restricted"),
				zap.String("user_id", auth.UserID),
				zap.Strings("required", roles.Strings(required)),
				zap.Strings("held", roles.Strings(view.Roles)))
			contextGin.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "access_restricted",
				"message": decision.Message,
			})
		default:
			contextGin.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "roles_unavailable"})
		}
	}
}
