package keys

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"
)

func TestJWKSHandler(t *testing.T) {
	store := &MemStore{}
	k, err := Generate(2048)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if err := store.Save(context.Background(), k); err != nil {
		t.Fatalf("save: %v", err)
	}

	h := &JWKSHandler{Store: store, Log: zap.NewNop()}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/.well-known/jwks.json", nil))

	if rec.Code != 200 {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/jwk-set+json" {
		t.Fatalf("content type = %q", ct)
	}

	var set struct {
		Keys []JWK `json:"keys"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &set); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(set.Keys) != 1 {
		t.Fatalf("want 1 key, got %d", len(set.Keys))
	}
	got := set.Keys[0]
	if got.Kid != k.KID || got.Kty != "RSA" || got.Alg != "RS256" || got.Use != "sig" {
		t.Fatalf("unexpected jwk: %+v", got)
	}
	if got.N == "" || got.E == "" {
		t.Fatalf("jwk missing modulus or exponent: %+v", got)
	}

	// Conditional request with the returned ETag is a 304.
	etag := rec.Header().Get("ETag")
	if etag == "" {
		t.Fatalf("missing etag")
	}
	req := httptest.NewRequest("GET", "/.well-known/jwks.json", nil)
	req.Header.Set("If-None-Match", etag)
	rec2 := httptest.NewRecorder()
	h.ServeHTTP(rec2, req)
	if rec2.Code != 304 {
		t.Fatalf("conditional status = %d", rec2.Code)
	}
}

func TestMemStoreActiveNewest(t *testing.T) {
	store := &MemStore{}
	if _, err := store.Active(context.Background()); err != ErrNoSigningKey {
		t.Fatalf("empty store: want ErrNoSigningKey, got %v", err)
	}

	k1, _ := Generate(2048)
	k2, _ := Generate(2048)
	k2.CreatedAt = k1.CreatedAt.Add(1)
	store.Save(context.Background(), k1)
	store.Save(context.Background(), k2)

	got, err := store.Active(context.Background())
	if err != nil {
		t.Fatalf("active: %v", err)
	}
	if got.KID != k2.KID {
		t.Fatalf("active = %s, want newest %s", got.KID, k2.KID)
	}
}
