package launch

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// LTI claim URLs.
const (
	ClaimMessageType    = "https://purl.imsglobal.org/spec/lti/claim/message_type"
	ClaimVersion        = "https://purl.imsglobal.org/spec/lti/claim/version"
	ClaimDeploymentID   = "https://purl.imsglobal.org/spec/lti/claim/deployment_id"
	ClaimTargetLinkURI  = "https://purl.imsglobal.org/spec/lti/claim/target_link_uri"
	ClaimResourceLink   = "https://purl.imsglobal.org/spec/lti/claim/resource_link"
	ClaimRoles          = "https://purl.imsglobal.org/spec/lti/claim/roles"
	ClaimContext        = "https://purl.imsglobal.org/spec/lti/claim/context"
	ClaimEndpoint       = "https://purl.imsglobal.org/spec/lti-ags/claim/endpoint"
	ClaimDLSettings     = "https://purl.imsglobal.org/spec/lti-dl/claim/deep_linking_settings"
	ClaimDLContentItems = "https://purl.imsglobal.org/spec/lti-dl/claim/content_items"
	ClaimDLData         = "https://purl.imsglobal.org/spec/lti-dl/claim/data"
	ClaimDLMessage      = "https://purl.imsglobal.org/spec/lti-dl/claim/msg"
)

// Message types.
const (
	MessageResourceLink = "LtiResourceLinkRequest"
	MessageDeepLinking  = "LtiDeepLinkingRequest"
)

// AGSEndpoint is the lti-ags endpoint claim.
type AGSEndpoint struct {
	LineItem  string
	LineItems string
	Scopes    []string
}

// DeepLinkSettings is the lti-dl deep_linking_settings claim.
type DeepLinkSettings struct {
	ReturnURL      string
	Data           string
	AcceptTypes    []string
	AcceptMultiple bool
	AutoCreate     bool
	Title          string
}

// Claims is the validated launch token in typed form.
type Claims struct {
	Issuer         string
	Subject        string
	Audience       []string
	Nonce          string
	ExpiresAt      time.Time
	IssuedAt       time.Time
	DeploymentID   string
	MessageType    string
	Version        string
	TargetLinkURI  string
	ResourceLinkID string
	Roles          []string
	ContextID      string
	ContextTitle   string
	AGS            *AGSEndpoint
	DeepLinking    *DeepLinkSettings
}

func parseClaims(mc jwt.MapClaims) Claims {
	c := Claims{
		Issuer:        asString(mc["iss"]),
		Subject:       asString(mc["sub"]),
		Nonce:         asString(mc["nonce"]),
		DeploymentID:  asString(mc[ClaimDeploymentID]),
		MessageType:   asString(mc[ClaimMessageType]),
		Version:       asString(mc[ClaimVersion]),
		TargetLinkURI: asString(mc[ClaimTargetLinkURI]),
	}
	c.Audience = asStrings(mc["aud"])
	c.Roles = asStrings(mc[ClaimRoles])
	if v, ok := toFloat(mc["exp"]); ok {
		c.ExpiresAt = time.Unix(int64(v), 0)
	}
	if v, ok := toFloat(mc["iat"]); ok {
		c.IssuedAt = time.Unix(int64(v), 0)
	}
	if rl, ok := mc[ClaimResourceLink].(map[string]any); ok {
		c.ResourceLinkID = asString(rl["id"])
	}
	if cc, ok := mc[ClaimContext].(map[string]any); ok {
		c.ContextID = asString(cc["id"])
		c.ContextTitle = asString(cc["title"])
	}
	if ep, ok := mc[ClaimEndpoint].(map[string]any); ok {
		c.AGS = &AGSEndpoint{
			LineItem:  asString(ep["lineitem"]),
			LineItems: asString(ep["lineitems"]),
			Scopes:    asStrings(ep["scope"]),
		}
	}
	if dl, ok := mc[ClaimDLSettings].(map[string]any); ok {
		c.DeepLinking = &DeepLinkSettings{
			ReturnURL:      asString(dl["deep_link_return_url"]),
			Data:           asString(dl["data"]),
			AcceptTypes:    asStrings(dl["accept_types"]),
			AcceptMultiple: asBool(dl["accept_multiple"]),
			AutoCreate:     asBool(dl["auto_create"]),
			Title:          asString(dl["title"]),
		}
	}
	return c
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asStrings(v any) []string {
	switch t := v.(type) {
	case string:
		if t == "" {
			return nil
		}
		return []string{t}
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return t
	}
	return nil
}

func asBool(v any) bool {
	b, _ := v.(bool)
	return b
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int64:
		return float64(t), true
	case int:
		return float64(t), true
	}
	return 0, false
}
