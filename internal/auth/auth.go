// Package auth gates operator endpoints behind static API keys.
//
// The endpoints that change wallet state (pause, resume, approval decisions,
// contract blocking) must not be callable by whoever can reach the port. Keys
// are configured at startup; there is no key management surface, because the
// set of operators for one wallet is small and changes rarely.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// Keyring holds the configured operator keys, hashed at construction so raw
// key material does not sit in long-lived memory.
type Keyring struct {
	hashes [][32]byte
}

// NewKeyring builds a keyring from raw keys. Empty entries are dropped.
func NewKeyring(keys []string) *Keyring {
	kr := &Keyring{}
	for _, k := range keys {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		kr.hashes = append(kr.hashes, sha256.Sum256([]byte(k)))
	}
	return kr
}

// Empty reports whether no keys are configured.
func (k *Keyring) Empty() bool { return len(k.hashes) == 0 }

// Match checks a presented key against the ring in constant time per entry.
func (k *Keyring) Match(presented string) bool {
	h := sha256.Sum256([]byte(presented))
	for i := range k.hashes {
		if subtle.ConstantTimeCompare(h[:], k.hashes[i][:]) == 1 {
			return true
		}
	}
	return false
}

// keyFromRequest extracts the operator key from the Authorization bearer
// header or the X-API-Key header.
func keyFromRequest(c *gin.Context) string {
	if h := c.GetHeader("Authorization"); h != "" {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return c.GetHeader("X-API-Key")
}

// RequireOperator rejects requests that do not present a configured key.
// With an empty keyring every request passes; the server logs a warning about
// that at startup so an unprotected deployment is a visible choice.
func RequireOperator(kr *Keyring) gin.HandlerFunc {
	return func(c *gin.Context) {
		if kr.Empty() {
			c.Next()
			return
		}

		key := keyFromRequest(c)
		if key == "" || !kr.Match(key) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Operator API key required. Include 'Authorization: Bearer <key>' header.",
			})
			return
		}
		c.Next()
	}
}
