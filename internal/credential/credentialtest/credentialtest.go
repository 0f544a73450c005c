// Package credentialtest provides a throwaway service account and a fake
// OAuth2 token endpoint for tests.
package credentialtest

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenServer is a fake token endpoint that validates assertions against
// the generated key.
type TokenServer struct {
	*httptest.Server
	Key         *rsa.PrivateKey
	AccessToken string
	calls       atomic.Int64
	reject      atomic.Bool
	delay       atomic.Int64
	last        atomic.Pointer[jwt.Token]
}

// NewTokenServer starts a token endpoint; it is closed with the test.
func NewTokenServer(t testing.TB) *TokenServer {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	ts := &TokenServer{Key: key, AccessToken: "ya29.test-access-token"}
	ts.Server = httptest.NewServer(http.HandlerFunc(ts.handle))
	t.Cleanup(ts.Close)
	return ts
}

// Calls reports how many exchanges reached the endpoint.
func (ts *TokenServer) Calls() int64 {
	return ts.calls.Load()
}

// LastAssertion returns the most recent accepted assertion.
func (ts *TokenServer) LastAssertion() *jwt.Token {
	return ts.last.Load()
}

// Delay makes the endpoint wait d before answering.
func (ts *TokenServer) Delay(d time.Duration) {
	ts.delay.Store(int64(d))
}

// Reject makes the endpoint answer every exchange with invalid_grant.
func (ts *TokenServer) Reject(v bool) {
	ts.reject.Store(v)
}

func (ts *TokenServer) handle(w http.ResponseWriter, r *http.Request) {
	ts.calls.Add(1)
	if d := time.Duration(ts.delay.Load()); d > 0 {
		select {
		case <-time.After(d):
		case <-r.Context().Done():
			return
		}
	}
	w.Header().Set("Content-Type", "application/json")
	if err := r.ParseForm(); err != nil || ts.reject.Load() {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"invalid_grant","error_description":"Invalid JWT Signature."}`))
		return
	}
	if r.PostForm.Get("grant_type") != "urn:ietf:params:oauth:grant-type:jwt-bearer" {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"unsupported_grant_type"}`))
		return
	}
	token, err := jwt.Parse(r.PostForm.Get("assertion"), func(*jwt.Token) (any, error) {
		return &ts.Key.PublicKey, nil
	}, jwt.WithValidMethods([]string{"RS256"}), jwt.WithAudience(ts.URL), jwt.WithIssuedAt())
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{"error": "invalid_grant", "error_description": err.Error()})
		return
	}
	ts.last.Store(token)
	json.NewEncoder(w).Encode(map[string]any{
		"access_token": ts.AccessToken,
		"token_type":   "Bearer",
		"expires_in":   3599,
	})
}

// ServiceAccountJSON renders a key file pointing at the fake endpoint.
func (ts *TokenServer) ServiceAccountJSON(t testing.TB) []byte {
	t.Helper()
	der, err := x509.MarshalPKCS8PrivateKey(ts.Key)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	raw, err := json.Marshal(map[string]string{
		"type":           "service_account",
		"project_id":     "feira-test",
		"private_key_id": "kid-1",
		"private_key":    string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})),
		"client_email":   "push@feira-test.iam.gserviceaccount.com",
		"token_uri":      ts.URL,
	})
	if err != nil {
		t.Fatalf("marshal service account: %v", err)
	}
	return raw
}
