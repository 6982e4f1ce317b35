package launch

import "fmt"

// AuthCode classifies why a launch token was rejected.
type AuthCode string

const (
	CodeUnknownIssuer     AuthCode = "unknown_issuer"
	CodeInvalidAudience   AuthCode = "invalid_audience"
	CodeKeySetUnavailable AuthCode = "keyset_unavailable"
	CodeMalformedKeySet   AuthCode = "malformed_keyset"
	CodeInvalidSignature  AuthCode = "invalid_signature"
	CodeTokenExpired      AuthCode = "token_expired"
	CodeTokenNotYetValid  AuthCode = "token_not_yet_valid"
	CodeUnknownDeployment AuthCode = "unknown_deployment"
	CodeReplayedNonce     AuthCode = "replayed_nonce"
	CodeMalformedToken    AuthCode = "malformed_token"
	CodeInternal          AuthCode = "internal_error"
)

// AuthError is a launch rejection with its classification. Detail is
// safe to log but never echoed to the platform.
type AuthError struct {
	Code   AuthCode
	Detail string
}

func (e *AuthError) Error() string {
	if e.Detail == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Detail)
}

func authErr(code AuthCode, format string, args ...any) *AuthError {
	return &AuthError{Code: code, Detail: fmt.Sprintf(format, args...)}
}
