// Package security sets the response headers the monitor's API and
// dashboard rely on.
package security

import (
	"net/http"
	"slices"
	"strings"

	"github.com/gin-gonic/gin"
)

// Policy describes the headers applied to every response. Header values are
// rendered once when the middleware is built.
type Policy struct {
	// ConnectSrc is added to the CSP connect-src directive, for dashboards
	// served from another origin than the API.
	ConnectSrc []string
	// NoStore lists path prefixes whose responses carry transaction data and
	// must not be cached by browsers or intermediaries.
	NoStore []string
}

// DefaultPolicy marks the API and the WebSocket endpoint as uncacheable.
func DefaultPolicy() Policy {
	return Policy{NoStore: []string{"/api/", "/ws"}}
}

func (p Policy) csp() string {
	connect := append([]string{"'self'", "ws:", "wss:"}, p.ConnectSrc...)
	return strings.Join([]string{
		"default-src 'self'",
		"script-src 'self'",
		"style-src 'self' 'unsafe-inline'",
		"img-src 'self' data:",
		"connect-src " + strings.Join(connect, " "),
		"frame-ancestors 'none'",
	}, "; ")
}

// Middleware applies p.
func (p Policy) Middleware() gin.HandlerFunc {
	fixed := [][2]string{
		{"X-Content-Type-Options", "nosniff"},
		{"X-Frame-Options", "DENY"},
		{"Referrer-Policy", "no-referrer"},
		{"Content-Security-Policy", p.csp()},
		{"Permissions-Policy", "geolocation=(), microphone=(), camera=(), payment=()"},
	}
	noStore := slices.Clone(p.NoStore)

	return func(c *gin.Context) {
		h := c.Writer.Header()
		for _, kv := range fixed {
			h.Set(kv[0], kv[1])
		}
		path := c.Request.URL.Path
		for _, prefix := range noStore {
			if strings.HasPrefix(path, prefix) {
				h.Set("Cache-Control", "no-store")
				h.Set("Pragma", "no-cache")
				break
			}
		}
		c.Next()
	}
}

// CORS allows the listed origins to call the API. "*" allows any origin
// without credentials; an empty list allows none. Preflight requests are
// answered here and never reach a handler.
func CORS(origins []string) gin.HandlerFunc {
	wildcard := slices.Contains(origins, "*")
	allowed := func(origin string) bool {
		return origin != "" && (wildcard || slices.Contains(origins, origin))
	}
	methods := strings.Join([]string{
		http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions,
	}, ", ")

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		preflight := c.Request.Method == http.MethodOptions && c.GetHeader("Access-Control-Request-Method") != ""

		if allowed(origin) {
			h := c.Writer.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Add("Vary", "Origin")
			h.Set("Access-Control-Expose-Headers", "X-Request-ID, Retry-After")
			if !wildcard {
				h.Set("Access-Control-Allow-Credentials", "true")
			}
			if preflight {
				h.Set("Access-Control-Allow-Methods", methods)
				h.Set("Access-Control-Allow-Headers", "Content-Type, X-Request-ID")
				h.Set("Access-Control-Max-Age", "86400")
			}
		}

		if preflight {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
