package deeplink

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/openbookpress/booktool/internal/keys"
	"github.com/openbookpress/booktool/internal/registry"
)

// ErrInvalidSelection is returned when a selection names nothing the
// catalog knows about.
var ErrInvalidSelection = errors.New("deeplink: selection matches no content")

// Deep linking claim URLs and response constants.
const (
	claimMessageType  = "https://purl.imsglobal.org/spec/lti/claim/message_type"
	claimVersion      = "https://purl.imsglobal.org/spec/lti/claim/version"
	claimDeploymentID = "https://purl.imsglobal.org/spec/lti/claim/deployment_id"
	claimContentItems = "https://purl.imsglobal.org/spec/lti-dl/claim/content_items"
	claimData         = "https://purl.imsglobal.org/spec/lti-dl/claim/data"

	messageTypeResponse = "LtiDeepLinkingResponse"
	ltiVersion          = "1.3.0"

	// responseTTL is the validity window platforms accept.
	responseTTL = 5 * time.Minute
)

// LineItem asks the platform to create a gradebook column for an
// item.
type LineItem struct {
	ScoreMaximum float64 `json:"scoreMaximum"`
	Label        string  `json:"label,omitempty"`
	ResourceID   string  `json:"resourceId,omitempty"`
	Tag          string  `json:"tag,omitempty"`
}

// ContentItem is one ltiResourceLink in the response.
type ContentItem struct {
	Type     string    `json:"type"`
	Title    string    `json:"title,omitempty"`
	URL      string    `json:"url"`
	Text     string    `json:"text,omitempty"`
	LineItem *LineItem `json:"lineItem,omitempty"`
}

// Selection is what the picker posts back: a whole book, or specific
// units of it.
type Selection struct {
	BookID  string
	UnitIDs []string
}

// GradingPolicy decides per unit whether a selection requests a
// gradebook column. Grading must be switched on for the unit itself;
// a gradable unit nobody configured gets no column.
type GradingPolicy interface {
	LineItemWanted(ctx context.Context, unitID string) bool
}

// Responder turns selections into signed deep linking response JWTs.
type Responder struct {
	Content ContentRepository
	Grading GradingPolicy
	Keys    keys.Store
	// ToolIssuer is the iss on responses for platforms that follow the
	// spec strictly. Moodle-style platforms get the swapped pair.
	ToolIssuer  string
	LineItemTag string
	Now         func() time.Time
}

func (r *Responder) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// BuildItems resolves a selection into content items. An empty unit
// list selects the whole book in reading order.
func (r *Responder) BuildItems(ctx context.Context, sel Selection) ([]ContentItem, error) {
	var units []Unit
	if len(sel.UnitIDs) == 0 {
		s, ok := r.Content.Structure(sel.BookID)
		if !ok {
			return nil, ErrInvalidSelection
		}
		units = append(units, s.FrontMatter...)
		units = append(units, s.Chapters...)
		units = append(units, s.BackMatter...)
	} else {
		for _, id := range sel.UnitIDs {
			u, ok := r.Content.Unit(id)
			if !ok {
				continue
			}
			units = append(units, u)
		}
	}
	if len(units) == 0 {
		return nil, ErrInvalidSelection
	}

	items := make([]ContentItem, 0, len(units))
	for _, u := range units {
		item := ContentItem{
			Type:  "ltiResourceLink",
			Title: u.Title,
			URL:   u.URL,
			Text:  u.Text,
		}
		if u.Gradable && r.Grading.LineItemWanted(ctx, u.ID) {
			item.LineItem = &LineItem{
				ScoreMaximum: 100,
				Label:        u.Title,
				ResourceID:   u.ID,
				Tag:          r.LineItemTag,
			}
		}
		items = append(items, item)
	}
	return items, nil
}

// SignResponse signs the deep linking response for the platform.
// data, when the launch carried one, is echoed back verbatim.
func (r *Responder) SignResponse(ctx context.Context, p registry.Platform, deploymentID, data string, items []ContentItem) (string, error) {
	key, err := r.Keys.Active(ctx)
	if err != nil {
		return "", err
	}

	iss, aud := r.ToolIssuer, p.ClientID
	if p.SwapDeepLinkAudience {
		iss, aud = p.ClientID, p.Issuer
	}

	now := r.now()
	claims := jwt.MapClaims{
		"iss":             iss,
		"aud":             aud,
		"iat":             now.Unix(),
		"exp":             now.Add(responseTTL).Unix(),
		"nonce":           uuid.NewString(),
		claimMessageType:  messageTypeResponse,
		claimVersion:      ltiVersion,
		claimContentItems: items,
	}
	if deploymentID != "" {
		claims[claimDeploymentID] = deploymentID
	}
	if data != "" {
		claims[claimData] = data
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = key.KID
	return tok.SignedString(key.Private)
}
