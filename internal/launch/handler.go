package launch

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/openbookpress/booktool/internal/grading"
	"github.com/openbookpress/booktool/internal/registry"
)

// SessionStarter turns a validated launch into a local session. It
// may set cookies on w.
type SessionStarter interface {
	StartSession(w http.ResponseWriter, r *http.Request, claims Claims, platform registry.Platform) (localUser, redirectURL string, err error)
}

// ContextSaver persists where a user's grades should be pushed.
type ContextSaver interface {
	SaveLaunchContext(ctx context.Context, lc grading.LaunchContext) error
}

// DeepLinkStarter renders the content picker for a deep linking
// launch.
type DeepLinkStarter interface {
	ServeLaunch(w http.ResponseWriter, r *http.Request, claims Claims, platform registry.Platform)
}

// Handler serves /lti/login and /lti/launch.
type Handler struct {
	Validator *Validator
	Platforms registry.PlatformStore
	Sessions  SessionStarter
	Contexts  ContextSaver
	Units     UnitResolver
	DeepLink  DeepLinkStarter
	Log       *zap.Logger
	Now       func() time.Time
}

// UnitResolver maps a launch target link URI to a local unit.
type UnitResolver interface {
	ResolveUnit(targetLinkURI string) (unitID string, ok bool)
}

// Login handles the OIDC third-party initiation request.
func (h *Handler) Login(launchURL string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		iss := r.Form.Get("iss")
		loginHint := r.Form.Get("login_hint")
		if iss == "" || loginHint == "" {
			http.Error(w, "missing iss or login_hint", http.StatusBadRequest)
			return
		}

		platform, err := h.Platforms.FindByIssuer(r.Context(), iss)
		if errors.Is(err, registry.ErrPlatformNotFound) {
			h.Log.Warn("login from unregistered issuer", zap.String("issuer", iss))
			http.Error(w, "unknown platform", http.StatusForbidden)
			return
		}
		if err != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}

		q := url.Values{
			"response_type": {"id_token"},
			"response_mode": {"form_post"},
			"scope":         {"openid"},
			"prompt":        {"none"},
			"client_id":     {platform.ClientID},
			"redirect_uri":  {launchURL},
			"login_hint":    {loginHint},
			"state":         {uuid.NewString()},
			"nonce":         {uuid.NewString()},
		}
		if hint := r.Form.Get("lti_message_hint"); hint != "" {
			q.Set("lti_message_hint", hint)
		}
		http.Redirect(w, r, platform.AuthLoginURL+"?"+q.Encode(), http.StatusFound)
	}
}

// Launch handles the id_token POST back from the platform.
func (h *Handler) Launch(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	raw := r.Form.Get("id_token")
	if raw == "" {
		http.Error(w, "missing id_token", http.StatusBadRequest)
		return
	}

	claims, platform, aerr := h.Validator.Validate(r.Context(), raw)
	if aerr != nil {
		h.Log.Warn("launch rejected",
			zap.String("code", string(aerr.Code)),
			zap.String("detail", aerr.Detail))
		http.Error(w, "launch rejected: "+string(aerr.Code), statusFor(aerr.Code))
		return
	}

	switch claims.MessageType {
	case MessageDeepLinking:
		h.DeepLink.ServeLaunch(w, r, claims, platform)
	case MessageResourceLink:
		h.resourceLink(w, r, claims, platform)
	default:
		http.Error(w, "unsupported message type", http.StatusBadRequest)
	}
}

func (h *Handler) resourceLink(w http.ResponseWriter, r *http.Request, claims Claims, platform registry.Platform) {
	localUser, redirect, err := h.Sessions.StartSession(w, r, claims, platform)
	if err != nil {
		h.Log.Error("start session", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	// Remember where grades for this unit go, when the platform told us.
	if claims.AGS != nil && claims.AGS.LineItem != "" {
		if unitID, ok := h.Units.ResolveUnit(claims.TargetLinkURI); ok {
			lc := grading.LaunchContext{
				LocalUser:      localUser,
				UnitID:         unitID,
				PlatformIssuer: platform.Issuer,
				PlatformSub:    claims.Subject,
				LineItemURL:    claims.AGS.LineItem,
				Scopes:         claims.AGS.Scopes,
				ResourceLinkID: claims.ResourceLinkID,
				UpdatedAt:      h.now(),
			}
			if err := h.Contexts.SaveLaunchContext(r.Context(), lc); err != nil {
				h.Log.Error("save launch context",
					zap.String("user", localUser),
					zap.String("unit", unitID),
					zap.Error(err))
			}
		}
	}

	http.Redirect(w, r, redirect, http.StatusFound)
}

func (h *Handler) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

func statusFor(code AuthCode) int {
	switch code {
	case CodeInternal, CodeKeySetUnavailable:
		return http.StatusBadGateway
	case CodeMalformedToken:
		return http.StatusBadRequest
	default:
		return http.StatusUnauthorized
	}
}
