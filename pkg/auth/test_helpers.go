package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

func generateRSAKeyPair(t testing.TB) (*rsa.PrivateKey, *rsa.PublicKey) {
	t.Helper()
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate key pair: %v", err)
	}
	return privateKey, &privateKey.PublicKey
}

func createJWKS(t testing.TB, publicKey *rsa.PublicKey) jwk.Set {
	t.Helper()
	key, err := jwk.FromRaw(publicKey)
	if err != nil {
		t.Fatalf("jwk.FromRaw: %v", err)
	}
	if err := key.Set(jwk.KeyIDKey, "test-key-id"); err != nil {
		t.Fatalf("set kid: %v", err)
	}
	if err := key.Set(jwk.AlgorithmKey, jwa.RS256); err != nil {
		t.Fatalf("set alg: %v", err)
	}

	keyset := jwk.NewSet()
	if err := keyset.AddKey(key); err != nil {
		t.Fatalf("AddKey: %v", err)
	}
	return keyset
}

func createTestJWT(t testing.TB, privateKey *rsa.PrivateKey, issuer, audience, subject string, claims map[string]interface{}) string {
	t.Helper()
	token := jwt.New()

	pairs := map[string]interface{}{
		jwt.IssuerKey:     issuer,
		jwt.AudienceKey:   audience,
		jwt.SubjectKey:    subject,
		jwt.IssuedAtKey:   time.Now(),
		jwt.ExpirationKey: time.Now().Add(time.Hour),
	}
	for key, value := range pairs {
		if err := token.Set(key, value); err != nil {
			t.Fatalf("set %s: %v", key, err)
		}
	}
	for key, value := range claims {
		if err := token.Set(key, value); err != nil {
			t.Fatalf("set %s: %v", key, err)
		}
	}

	key, err := jwk.FromRaw(privateKey)
	if err != nil {
		t.Fatalf("jwk.FromRaw: %v", err)
	}
	if err := key.Set(jwk.KeyIDKey, "test-key-id"); err != nil {
		t.Fatalf("set kid: %v", err)
	}

	signed, err := jwt.Sign(token, jwt.WithKey(jwa.RS256, key))
	if err != nil {
		t.Fatalf("jwt.Sign: %v", err)
	}
	return string(signed)
}

// setupTestValidator spins up a JWKS endpoint backed by a fresh key pair and
// returns a validator wired to it.
func setupTestValidator(t testing.TB) (*TokenValidator, *rsa.PrivateKey, string, string) {
	t.Helper()

	privateKey, publicKey := generateRSAKeyPair(t)
	keyset := createJWKS(t, publicKey)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/.well-known/jwks.json" {
			http.NotFound(w, r)
			return
		}
		keysetJSON, err := json.Marshal(keyset)
		if err != nil {
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(keysetJSON)
	}))
	t.Cleanup(server.Close)

	issuer := "https://id.example.com/realms/chat"
	audience := "account"

	validator, err := NewTokenValidator(server.URL+"/.well-known/jwks.json", issuer, audience, time.Minute)
	if err != nil {
		t.Fatalf("NewTokenValidator: %v", err)
	}

	return validator, privateKey, issuer, audience
}
