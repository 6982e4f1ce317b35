// Package launch validates LTI 1.3 resource link and deep linking
// launches and drives the OIDC-style initiation redirect.
package launch

import (
	"context"
	"crypto/rsa"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/openbookpress/booktool/internal/nonce"
	"github.com/openbookpress/booktool/internal/registry"
)

// KeySource fetches platform public keys.
type KeySource interface {
	Fetch(ctx context.Context, keySetURL string) (map[string]*rsa.PublicKey, error)
}

// Validator checks a launch id_token end to end. Checks run in a
// fixed order so a token failing several ways always reports the same
// code: issuer, audience, key set, signature, time window, deployment,
// and finally nonce. The nonce is consumed last so a token rejected
// earlier can be retried.
type Validator struct {
	Platforms   registry.PlatformStore
	Deployments registry.DeploymentStore
	Nonces      nonce.Store
	KeySet      KeySource
	Log         *zap.Logger
	Now         func() time.Time

	// Leeway tolerates small clock drift between tool and platform.
	Leeway time.Duration
}

// nonceGrace extends the nonce hold past token expiry so a late
// replay of a just-expired token still fails.
const nonceGrace = time.Minute

func (v *Validator) now() time.Time {
	if v.Now != nil {
		return v.Now()
	}
	return time.Now()
}

// Validate verifies raw and returns its typed claims together with
// the platform registration it matched.
func (v *Validator) Validate(ctx context.Context, raw string) (Claims, registry.Platform, *AuthError) {
	// Peek at the unverified payload to find the issuer.
	parser := jwt.NewParser()
	unverified := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(raw, unverified); err != nil {
		return Claims{}, registry.Platform{}, authErr(CodeMalformedToken, "parse: %v", err)
	}
	iss := asString(unverified["iss"])
	if iss == "" {
		return Claims{}, registry.Platform{}, authErr(CodeMalformedToken, "missing iss claim")
	}

	platform, err := v.Platforms.FindByIssuer(ctx, iss)
	if errors.Is(err, registry.ErrPlatformNotFound) {
		return Claims{}, registry.Platform{}, authErr(CodeUnknownIssuer, "issuer %s not registered", iss)
	}
	if err != nil {
		return Claims{}, registry.Platform{}, authErr(CodeInternal, "platform lookup: %v", err)
	}

	if !audienceMatches(unverified["aud"], platform.ClientID) {
		return Claims{}, platform, authErr(CodeInvalidAudience, "aud does not include client %s", platform.ClientID)
	}

	pubKeys, err := v.KeySet.Fetch(ctx, platform.KeySetURL)
	if err != nil {
		if errors.Is(err, ErrMalformedKeySet) {
			return Claims{}, platform, authErr(CodeMalformedKeySet, "%v", err)
		}
		return Claims{}, platform, authErr(CodeKeySetUnavailable, "%v", err)
	}

	mc := jwt.MapClaims{}
	_, err = jwt.ParseWithClaims(raw, mc, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if key, ok := pubKeys[kid]; ok {
			return key, nil
		}
		// No kid match: a single-key set is still usable.
		if len(pubKeys) == 1 {
			for _, key := range pubKeys {
				return key, nil
			}
		}
		return nil, errors.New("no key for kid " + kid)
	},
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithLeeway(v.Leeway),
		jwt.WithTimeFunc(v.now),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
			return Claims{}, platform, authErr(CodeMalformedToken, "%v", err)
		case errors.Is(err, jwt.ErrTokenExpired):
			return Claims{}, platform, authErr(CodeTokenExpired, "%v", err)
		case errors.Is(err, jwt.ErrTokenNotValidYet), errors.Is(err, jwt.ErrTokenUsedBeforeIssued):
			return Claims{}, platform, authErr(CodeTokenNotYetValid, "%v", err)
		default:
			return Claims{}, platform, authErr(CodeInvalidSignature, "%v", err)
		}
	}

	claims := parseClaims(mc)
	if claims.DeploymentID == "" || claims.Nonce == "" || claims.MessageType == "" {
		return Claims{}, platform, authErr(CodeMalformedToken, "missing deployment_id, nonce, or message_type")
	}

	known, err := v.Deployments.Exists(ctx, platform.Issuer, claims.DeploymentID)
	if err != nil {
		return Claims{}, platform, authErr(CodeInternal, "deployment lookup: %v", err)
	}
	if !known {
		return Claims{}, platform, authErr(CodeUnknownDeployment, "deployment %s not registered for %s", claims.DeploymentID, platform.Issuer)
	}

	ttl := claims.ExpiresAt.Sub(v.now()) + nonceGrace
	if ttl < nonceGrace {
		// Leeway can admit a token whose exp is already behind us; the
		// nonce still has to be held long enough to catch a replay.
		ttl = nonceGrace
	}
	fresh, err := v.Nonces.Consume(ctx, claims.Nonce, ttl)
	if err != nil {
		return Claims{}, platform, authErr(CodeInternal, "nonce store: %v", err)
	}
	if !fresh {
		return Claims{}, platform, authErr(CodeReplayedNonce, "nonce already used")
	}

	v.Log.Info("launch validated",
		zap.String("issuer", platform.Issuer),
		zap.String("deployment", claims.DeploymentID),
		zap.String("message_type", claims.MessageType))
	return claims, platform, nil
}

func audienceMatches(aud any, clientID string) bool {
	for _, a := range asStrings(aud) {
		if a == clientID {
			return true
		}
	}
	return false
}
