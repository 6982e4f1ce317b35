package keys

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"

	"go.uber.org/zap"
)

// JWK is a single RSA public key in JWKS form.
type JWK struct {
	Kty string `json:"kty"`
	Use string `json:"use"`
	Alg string `json:"alg"`
	Kid string `json:"kid"`
	N   string `json:"n"`
	E   string `json:"e"`
}

type jwkSet struct {
	Keys []JWK `json:"keys"`
}

// PublicJWK converts a key to its public JWKS entry.
func PublicJWK(k Key) JWK {
	return JWK{
		Kty: "RSA",
		Use: "sig",
		Alg: "RS256",
		Kid: k.KID,
		N:   bigIntToB64(k.Public.N.Bytes()),
		E:   intToB64(k.Public.E),
	}
}

// JWKSHandler serves the tool key set at /.well-known/jwks.json.
type JWKSHandler struct {
	Store Store
	Log   *zap.Logger
}

func (h *JWKSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	all, err := h.Store.All(r.Context())
	if err != nil {
		h.Log.Error("jwks: load keys", zap.Error(err))
		http.Error(w, "key set unavailable", http.StatusInternalServerError)
		return
	}

	set := jwkSet{Keys: make([]JWK, 0, len(all))}
	for _, k := range all {
		set.Keys = append(set.Keys, PublicJWK(k))
	}

	body, err := json.Marshal(set)
	if err != nil {
		http.Error(w, "key set unavailable", http.StatusInternalServerError)
		return
	}

	sum := sha256.Sum256(body)
	etag := `"` + hex.EncodeToString(sum[:16]) + `"`
	if match := r.Header.Get("If-None-Match"); match == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	w.Header().Set("Content-Type", "application/jwk-set+json")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	w.Header().Set("ETag", etag)
	w.Write(body)
}
