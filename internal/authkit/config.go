package authkit

import (
	"net/http"
	"time"
)

// ServerConfig configures the session issuer and cookie.
type ServerConfig struct {
	GoogleWebClientID string
	AppJWTSigningKey  []byte
	AppJWTIssuer      string
	CookieDomain      string
	SessionCookieName string
	SessionTTL        time.Duration
	SameSiteMode      http.SameSite
	AllowInsecureHTTP bool
}
