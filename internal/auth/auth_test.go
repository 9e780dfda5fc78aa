package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func protectedRouter(kr *Keyring) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/pause", RequireOperator(kr), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	return r
}

func doRequest(r *gin.Engine, header, value string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/pause", nil)
	if header != "" {
		req.Header.Set(header, value)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestKeyringMatch(t *testing.T) {
	kr := NewKeyring([]string{"op_key_one", " op_key_two ", ""})

	if kr.Empty() {
		t.Fatal("keyring with keys reported empty")
	}
	if !kr.Match("op_key_one") {
		t.Error("configured key rejected")
	}
	if !kr.Match("op_key_two") {
		t.Error("whitespace-trimmed key rejected")
	}
	if kr.Match("op_key_three") {
		t.Error("unknown key accepted")
	}
	if kr.Match("") {
		t.Error("empty key accepted")
	}
}

func TestRequireOperatorBearerHeader(t *testing.T) {
	r := protectedRouter(NewKeyring([]string{"op_secret"}))

	w := doRequest(r, "Authorization", "Bearer op_secret")
	if w.Code != http.StatusOK {
		t.Errorf("valid bearer key rejected: %d", w.Code)
	}

	w = doRequest(r, "Authorization", "Bearer wrong")
	if w.Code != http.StatusUnauthorized {
		t.Errorf("wrong key accepted: %d", w.Code)
	}

	w = doRequest(r, "", "")
	if w.Code != http.StatusUnauthorized {
		t.Errorf("missing key accepted: %d", w.Code)
	}
}

func TestRequireOperatorAPIKeyHeader(t *testing.T) {
	r := protectedRouter(NewKeyring([]string{"op_secret"}))

	w := doRequest(r, "X-API-Key", "op_secret")
	if w.Code != http.StatusOK {
		t.Errorf("valid X-API-Key rejected: %d", w.Code)
	}
}

func TestEmptyKeyringDisablesGate(t *testing.T) {
	r := protectedRouter(NewKeyring(nil))

	w := doRequest(r, "", "")
	if w.Code != http.StatusOK {
		t.Errorf("empty keyring should pass requests through, got %d", w.Code)
	}
}
