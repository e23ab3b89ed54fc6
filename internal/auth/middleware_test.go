package auth

import (
	"crypto/ecdsa"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testRouter wires the verifier in front of a handler that echoes the
// authenticated wallet. A zero owner accepts any wallet.
func testRouter(t *testing.T, owner common.Address) *gin.Engine {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	v := NewVerifier(rdb, owner)
	r := gin.New()
	r.POST("/test", v.Middleware(), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"wallet": c.GetString(WalletKey)})
	})
	return r
}

// signedRequest builds a fully signed request for key, expiring at
// now+expiresOffset.
func signedRequest(t *testing.T, key *ecdsa.PrivateKey, expiresOffset time.Duration, nonce string) *http.Request {
	t.Helper()
	sr := SignedRequest{
		Action:    "send",
		ExpiresAt: time.Now().Add(expiresOffset).Unix(),
		Nonce:     nonce,
		Payload:   json.RawMessage(`{}`),
		SessionID: "",
	}
	msgBytes, _ := json.Marshal(sr)

	sig, err := Sign(msgBytes, key)
	if err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodPost, "/test", nil)
	req.Header.Set("X-Wallet-Address", crypto.PubkeyToAddress(key.PublicKey).Hex())
	req.Header.Set("X-Signed-Message", base64.StdEncoding.EncodeToString(msgBytes))
	req.Header.Set("X-Wallet-Signature", "0x"+hex.EncodeToString(sig))
	return req
}

func errorField(t *testing.T, body []byte) string {
	t.Helper()
	var resp map[string]string
	if err := json.Unmarshal(body, &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	return resp["error"]
}

func TestMiddleware_ValidRequest(t *testing.T) {
	r := testRouter(t, common.Address{})
	key, _ := crypto.GenerateKey()

	w := httptest.NewRecorder()
	r.ServeHTTP(w, signedRequest(t, key, 2*time.Minute, "nonce-valid-1"))

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp map[string]string
	json.Unmarshal(w.Body.Bytes(), &resp)
	if want := crypto.PubkeyToAddress(key.PublicKey).Hex(); resp["wallet"] != want {
		t.Errorf("wallet in context: got %q want %q", resp["wallet"], want)
	}
}

func TestMiddleware_MissingHeaders(t *testing.T) {
	r := testRouter(t, common.Address{})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/test", nil))

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestMiddleware_Expired(t *testing.T) {
	r := testRouter(t, common.Address{})
	key, _ := crypto.GenerateKey()

	w := httptest.NewRecorder()
	r.ServeHTTP(w, signedRequest(t, key, -1*time.Second, "nonce-expired-1"))

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", w.Code, w.Body.String())
	}
	if got := errorField(t, w.Body.Bytes()); got != "request expired" {
		t.Errorf("unexpected error: %s", got)
	}
}

func TestMiddleware_TooFarInFuture(t *testing.T) {
	r := testRouter(t, common.Address{})
	key, _ := crypto.GenerateKey()

	w := httptest.NewRecorder()
	r.ServeHTTP(w, signedRequest(t, key, 10*time.Minute, "nonce-future-1"))

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", w.Code, w.Body.String())
	}
	if got := errorField(t, w.Body.Bytes()); got != "expires_at too far in future" {
		t.Errorf("unexpected error: %s", got)
	}
}

func TestMiddleware_ForgedAddressRejected(t *testing.T) {
	r := testRouter(t, common.Address{})
	key, _ := crypto.GenerateKey()

	req := signedRequest(t, key, 2*time.Minute, "nonce-badsig-1")
	req.Header.Set("X-Wallet-Address", "0x000000000000000000000000000000000000dEaD")

	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", w.Code, w.Body.String())
	}
	if got := errorField(t, w.Body.Bytes()); got != "invalid signature" {
		t.Errorf("unexpected error: %s", got)
	}
}

func TestMiddleware_NonOwnerWalletForbidden(t *testing.T) {
	ownerKey, _ := crypto.GenerateKey()
	otherKey, _ := crypto.GenerateKey()
	r := testRouter(t, crypto.PubkeyToAddress(ownerKey.PublicKey))

	// The operator's own wallet passes.
	w1 := httptest.NewRecorder()
	r.ServeHTTP(w1, signedRequest(t, ownerKey, 2*time.Minute, "nonce-owner-1"))
	if w1.Code != http.StatusOK {
		t.Fatalf("owner wallet: expected 200, got %d: %s", w1.Code, w1.Body.String())
	}

	// A validly signed request from any other wallet does not.
	w2 := httptest.NewRecorder()
	r.ServeHTTP(w2, signedRequest(t, otherKey, 2*time.Minute, "nonce-other-1"))
	if w2.Code != http.StatusForbidden {
		t.Fatalf("foreign wallet: expected 403, got %d: %s", w2.Code, w2.Body.String())
	}
}

func TestMiddleware_NonceReplay(t *testing.T) {
	r := testRouter(t, common.Address{})
	key1, _ := crypto.GenerateKey()
	key2, _ := crypto.GenerateKey()

	w1 := httptest.NewRecorder()
	r.ServeHTTP(w1, signedRequest(t, key1, 2*time.Minute, "nonce-replay-1"))
	if w1.Code != http.StatusOK {
		t.Fatalf("first request: expected 200, got %d: %s", w1.Code, w1.Body.String())
	}

	// Same nonce from a different wallet is still blocked.
	w2 := httptest.NewRecorder()
	r.ServeHTTP(w2, signedRequest(t, key2, 2*time.Minute, "nonce-replay-1"))
	if w2.Code != http.StatusUnauthorized {
		t.Fatalf("replay: expected 401, got %d: %s", w2.Code, w2.Body.String())
	}
	if got := errorField(t, w2.Body.Bytes()); got != "nonce already used" {
		t.Errorf("unexpected error: %s", got)
	}
}
