// Package validation provides input validation for the settlement API.
package validation

import (
	"net/http"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/gin-gonic/gin"

	"github.com/peertrade/settlement/internal/money"
)

// MaxRequestSize is the maximum request body size (1MB).
const MaxRequestSize = 1 << 20

// MaxReasonLength bounds free-text fields (dispute reasons, resolutions, messages).
const MaxReasonLength = 2000

// idRegex matches engine-issued IDs (prefix + 24 hex chars) and UUID-like IDs.
var idRegex = regexp.MustCompile(`^[a-z]{3}_[a-f0-9]{24}$|^[a-f0-9-]{36}$`)

// userIDRegex matches external user identifiers.
var userIDRegex = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,64}$`)

// RequestSizeMiddleware limits request body size.
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidID checks whether s looks like an engine-issued entity ID.
func IsValidID(s string) bool {
	return idRegex.MatchString(s)
}

// IsValidUserID checks whether s is an acceptable external user identifier.
func IsValidUserID(s string) bool {
	return userIDRegex.MatchString(s)
}

// SanitizeText trims, bounds, and strips null bytes from free-text input.
// The length bound is in bytes but never splits a multibyte rune.
func SanitizeText(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		cut := maxLen
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		s = s[:cut]
	}
	return strings.ReplaceAll(s, "\x00", "")
}

// ValidationError represents a single field validation failure.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

// Error implements the error interface.
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Validate runs the given validators and collects any failures.
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errs ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errs = append(errs, *err)
		}
	}
	return errs
}

// ValidUserID returns a validator for a user identifier field.
func ValidUserID(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if !IsValidUserID(value) {
			return &ValidationError{Field: field, Message: "must be 1-64 characters of [A-Za-z0-9_.-]"}
		}
		return nil
	}
}

// ValidAmount returns a validator for a positive decimal amount field.
func ValidAmount(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if _, err := money.ParsePositive(value); err != nil {
			return &ValidationError{Field: field, Message: "must be a positive decimal with at most 8 decimal places"}
		}
		return nil
	}
}

// NonEmpty returns a validator that rejects blank fields.
func NonEmpty(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: "must not be empty"}
		}
		return nil
	}
}
