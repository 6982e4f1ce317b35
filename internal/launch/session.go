package launch

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"

	"github.com/openbookpress/booktool/internal/registry"
)

// CookieSessions identifies readers with a stable anonymous ID
// derived from the platform issuer and subject, carried in a cookie.
type CookieSessions struct {
	CookieName string
	Secure     bool
}

// LocalUser derives the local user ID for a platform subject.
func (CookieSessions) LocalUser(issuer, sub string) string {
	sum := sha256.Sum256([]byte(issuer + "|" + sub))
	return hex.EncodeToString(sum[:16])
}

func (s CookieSessions) StartSession(w http.ResponseWriter, r *http.Request, claims Claims, platform registry.Platform) (string, string, error) {
	localUser := s.LocalUser(platform.Issuer, claims.Subject)
	http.SetCookie(w, &http.Cookie{
		Name:     s.CookieName,
		Value:    localUser,
		Path:     "/",
		HttpOnly: true,
		Secure:   s.Secure,
		// Launches arrive in an iframe from the platform origin.
		SameSite: http.SameSiteNoneMode,
	})

	redirect := claims.TargetLinkURI
	if redirect == "" {
		redirect = "/"
	}
	return localUser, redirect, nil
}
