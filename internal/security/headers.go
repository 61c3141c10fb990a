// Package security provides security middleware and outbound endpoint checks.
package security

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// apiHeaders are set on every response. The API only serves JSON, so
// nothing it returns should be rendered, framed or cached by a browser.
var apiHeaders = [][2]string{
	{"X-Content-Type-Options", "nosniff"},
	{"X-Frame-Options", "DENY"},
	{"Referrer-Policy", "no-referrer"},
	{"Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'"},
	{"Cache-Control", "no-store"},
	{"Permissions-Policy", "geolocation=(), microphone=(), camera=()"},
}

const hstsValue = "max-age=31536000; includeSubDomains"

// HeadersMiddleware adds the API's security headers. hsts adds
// Strict-Transport-Security and should only be on behind TLS.
func HeadersMiddleware(hsts bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		for _, kv := range apiHeaders {
			h.Set(kv[0], kv[1])
		}
		if hsts {
			h.Set("Strict-Transport-Security", hstsValue)
		}
		c.Next()
	}
}

// CORSConfig controls which merchant dashboards may call the API from a browser.
type CORSConfig struct {
	// Origins are exact origins, "*" for any, or "https://*.example.com"
	// for any subdomain of example.com.
	Origins []string
}

// Headers a browser may read from responses: the request ID for support
// tickets and Retry-After when the rate limiter pushes back.
const exposedHeaders = "X-Request-ID, Retry-After"

// subdomains matches "https://*.example.com" as scheme "https://" and
// suffix ".example.com".
type subdomains struct {
	scheme string
	suffix string
}

type originMatcher struct {
	any      bool
	exact    map[string]bool
	wildcard []subdomains
}

func newOriginMatcher(origins []string) originMatcher {
	m := originMatcher{exact: make(map[string]bool)}
	for _, o := range origins {
		o = strings.TrimRight(strings.TrimSpace(o), "/")
		switch {
		case o == "":
		case o == "*":
			m.any = true
		case strings.Contains(o, "://*."):
			scheme, host, _ := strings.Cut(o, "://*")
			m.wildcard = append(m.wildcard, subdomains{scheme: scheme + "://", suffix: host})
		default:
			m.exact[o] = true
		}
	}
	return m
}

// listed reports whether origin was named explicitly or by subdomain pattern.
func (m originMatcher) listed(origin string) bool {
	if m.exact[origin] {
		return true
	}
	for _, w := range m.wildcard {
		host, ok := strings.CutPrefix(origin, w.scheme)
		if ok && strings.HasSuffix(host, w.suffix) && len(host) > len(w.suffix) {
			return true
		}
	}
	return false
}

// CORSMiddleware answers preflights and tags allowed origins. A wildcard
// origin gets no credentials and may not send X-Admin-Secret; admin calls
// from a browser need the dashboard origin listed explicitly.
func CORSMiddleware(cfg CORSConfig) gin.HandlerFunc {
	m := newOriginMatcher(cfg.Origins)

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" {
			listed := m.listed(origin)
			if listed || m.any {
				h := c.Writer.Header()
				h.Set("Access-Control-Allow-Origin", origin)
				h.Add("Vary", "Origin")
				h.Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
				h.Set("Access-Control-Expose-Headers", exposedHeaders)
				h.Set("Access-Control-Max-Age", "86400")
				if listed {
					h.Set("Access-Control-Allow-Headers", "Content-Type, X-Request-ID, X-Admin-Secret")
					h.Set("Access-Control-Allow-Credentials", "true")
				} else {
					h.Set("Access-Control-Allow-Headers", "Content-Type, X-Request-ID")
				}
			}
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
