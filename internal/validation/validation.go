// Package validation provides input validation for the wallet API.
package validation

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (1MB). Call payloads are
// bounded far below this; anything bigger is not a legitimate transaction.
const MaxRequestSize = 1 << 20

// MaxRationaleLength bounds free-text fields recorded into the audit trail.
const MaxRationaleLength = 2000

var (
	ethAddressRegex = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)
	hexRegex        = regexp.MustCompile(`^(0x)?[a-fA-F0-9]*$`)
)

// RequestSizeMiddleware limits request body size.
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidEthAddress checks if a string is a well-formed Ethereum address.
func IsValidEthAddress(addr string) bool {
	return ethAddressRegex.MatchString(addr)
}

// IsValidHex checks if a string is valid hex (optionally 0x-prefixed).
func IsValidHex(s string) bool {
	return hexRegex.MatchString(s) && len(strings.TrimPrefix(s, "0x"))%2 == 0
}

// SanitizeText trims whitespace, strips null bytes, and bounds length. Used
// on free-text fields (rationale, pause reason) before they reach logs and
// the audit store.
func SanitizeText(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, "\x00", "")
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return s
}

// AddressParamMiddleware rejects malformed :address URL parameters before the
// handler runs.
func AddressParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		addr := c.Param("address")
		if addr != "" && !IsValidEthAddress(addr) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_address",
				"message": "address must be a valid Ethereum address (0x + 40 hex chars)",
			})
			return
		}
		c.Next()
	}
}
