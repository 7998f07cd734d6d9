package authkit

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/tyemirov/roleguard/internal/roles"
)

// ContextKeyClaims is where session middleware stores validated claims.
const ContextKeyClaims = "auth_claims"

// RequireSession rejects requests without a valid session and injects claims.
func RequireSession(validator *SessionValidator) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		claims, err := validator.ValidateRequest(contextGin.Request)
		if err != nil {
			contextGin.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		contextGin.Set(ContextKeyClaims, claims)
		contextGin.Next()
	}
}

// OptionalSession injects claims when a valid session is present and never aborts.
func OptionalSession(validator *SessionValidator) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		if claims, err := validator.ValidateRequest(contextGin.Request); err == nil {
			contextGin.Set(ContextKeyClaims, claims)
		}
		contextGin.Next()
	}
}

// ClaimsFromContext returns the claims placed by the session middleware.
func ClaimsFromContext(contextGin *gin.Context) (*JwtCustomClaims, bool) {
	value, found := contextGin.Get(ContextKeyClaims)
	if !found {
		return nil, false
	}
	claims, ok := value.(*JwtCustomClaims)
	if !ok || claims == nil || claims.UserID == "" {
		return nil, false
	}
	return claims, true
}

// AuthStateFromContext reports the request's auth state. Session validation is
// synchronous, so the state is never loading on the server.
func AuthStateFromContext(contextGin *gin.Context) roles.AuthState {
	claims, ok := ClaimsFromContext(contextGin)
	if !ok {
		return roles.AuthState{}
	}
	return roles.AuthState{UserID: claims.UserID}
}
