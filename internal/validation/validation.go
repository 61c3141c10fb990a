// Package validation provides input validation helpers and request-size
// middleware for the giftguard API.
package validation

import (
	"net"
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20

// MaxStringLength is the maximum length for free-form string fields
const MaxStringLength = 1024

var (
	// ganRegex accepts gift account numbers: 8-32 digits, optional dashes/spaces removed first.
	ganRegex = regexp.MustCompile(`^[0-9]{8,32}$`)
	// tokenRegex accepts identifiers such as merchant IDs, fingerprints and reasons.
	tokenRegex = regexp.MustCompile(`^[A-Za-z0-9_.:\-]{1,256}$`)
)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// SanitizeString trims whitespace, removes null bytes and limits length.
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, "\x00", "")
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return s
}

// NormalizeIP returns the canonical text form of ip, or "" if it does not parse.
func NormalizeIP(ip string) string {
	parsed := net.ParseIP(strings.TrimSpace(ip))
	if parsed == nil {
		return ""
	}
	if v4 := parsed.To4(); v4 != nil {
		return v4.String()
	}
	return parsed.String()
}

// NormalizeGAN strips separators from a gift account number.
func NormalizeGAN(gan string) string {
	gan = strings.TrimSpace(gan)
	gan = strings.ReplaceAll(gan, "-", "")
	return strings.ReplaceAll(gan, " ", "")
}

// IsValidGAN checks a normalized gift account number.
func IsValidGAN(gan string) bool {
	return ganRegex.MatchString(gan)
}

// IsValidToken checks identifiers such as merchant IDs and fingerprints.
func IsValidToken(s string) bool {
	return tokenRegex.MatchString(s)
}

// ValidationError represents a validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Validate validates a request and returns errors
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errs ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errs = append(errs, *err)
		}
	}
	return errs
}

// Required checks if a field is non-empty
func Required(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// ValidIP checks an optional IP field.
func ValidIP(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if NormalizeIP(value) == "" {
			return &ValidationError{Field: field, Message: "must be a valid IPv4 or IPv6 address"}
		}
		return nil
	}
}

// ValidGAN checks an optional gift account number field.
func ValidGAN(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if !IsValidGAN(NormalizeGAN(value)) {
			return &ValidationError{Field: field, Message: "must be 8-32 digits"}
		}
		return nil
	}
}

// ValidToken checks an optional identifier field.
func ValidToken(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if !IsValidToken(value) {
			return &ValidationError{Field: field, Message: "contains invalid characters"}
		}
		return nil
	}
}

// MaxLength checks if a field exceeds max length
func MaxLength(field, value string, max int) func() *ValidationError {
	return func() *ValidationError {
		if len(value) > max {
			return &ValidationError{Field: field, Message: "exceeds maximum length"}
		}
		return nil
	}
}
