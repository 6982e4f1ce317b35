package deeplink

import (
	"encoding/json"
	"errors"
	"html/template"
	"net/http"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/openbookpress/booktool/internal/launch"
	"github.com/openbookpress/booktool/internal/registry"
)

// pickerSession carries launch state across the picker round trip.
type pickerSession struct {
	Issuer       string
	DeploymentID string
	ReturnURL    string
	Data         string
}

// sessionTTL bounds how long a picker can sit open.
const sessionTTL = 15 * time.Minute

// Handler drives the content picker: it renders the catalog on a deep
// linking launch and signs the response when a selection comes back.
type Handler struct {
	Responder *Responder
	Platforms registry.PlatformStore
	Log       *zap.Logger

	sessions *gocache.Cache
}

func NewHandler(resp *Responder, platforms registry.PlatformStore, log *zap.Logger) *Handler {
	return &Handler{
		Responder: resp,
		Platforms: platforms,
		Log:       log,
		sessions:  gocache.New(sessionTTL, 5*time.Minute),
	}
}

// ServeLaunch answers a validated LtiDeepLinkingRequest with the
// picker payload.
func (h *Handler) ServeLaunch(w http.ResponseWriter, r *http.Request, claims launch.Claims, platform registry.Platform) {
	if claims.DeepLinking == nil || claims.DeepLinking.ReturnURL == "" {
		writeErr(w, http.StatusBadRequest, "launch carries no deep linking settings")
		return
	}

	sid := uuid.NewString()
	h.sessions.Set(sid, pickerSession{
		Issuer:       platform.Issuer,
		DeploymentID: claims.DeploymentID,
		ReturnURL:    claims.DeepLinking.ReturnURL,
		Data:         claims.DeepLinking.Data,
	}, sessionTTL)

	type bookJSON struct {
		ID    string `json:"id"`
		Title string `json:"title"`
	}
	books := make([]bookJSON, 0)
	for _, b := range h.Responder.Content.Books() {
		books = append(books, bookJSON{ID: b.ID, Title: b.Title})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session":         sid,
		"books":           books,
		"accept_multiple": claims.DeepLinking.AcceptMultiple,
	})
}

// ServeCatalog returns the structure of one book for an open picker
// session.
func (h *Handler) ServeCatalog(w http.ResponseWriter, r *http.Request) {
	sid := r.URL.Query().Get("session")
	if _, ok := h.sessions.Get(sid); !ok {
		writeErr(w, http.StatusGone, "picker session expired")
		return
	}
	s, ok := h.Responder.Content.Structure(r.URL.Query().Get("book_id"))
	if !ok {
		writeErr(w, http.StatusNotFound, "unknown book")
		return
	}
	type unitJSON struct {
		ID       string `json:"id"`
		Title    string `json:"title"`
		Gradable bool   `json:"gradable"`
	}
	conv := func(us []Unit) []unitJSON {
		out := make([]unitJSON, 0, len(us))
		for _, u := range us {
			out = append(out, unitJSON{ID: u.ID, Title: u.Title, Gradable: u.Gradable})
		}
		return out
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"book":         map[string]string{"id": s.Book.ID, "title": s.Book.Title},
		"front_matter": conv(s.FrontMatter),
		"chapters":     conv(s.Chapters),
		"back_matter":  conv(s.BackMatter),
	})
}

// selectionRequest is the picker's POST body.
type selectionRequest struct {
	Session string   `json:"session"`
	BookID  string   `json:"book_id"`
	UnitIDs []string `json:"unit_ids"`
}

// HandleSelection signs the selection and returns the auto-submitting
// form that posts the JWT back to the platform.
func (h *Handler) HandleSelection(w http.ResponseWriter, r *http.Request) {
	var req selectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "malformed selection")
		return
	}

	v, ok := h.sessions.Get(req.Session)
	if !ok {
		writeErr(w, http.StatusGone, "picker session expired")
		return
	}
	sess := v.(pickerSession)
	h.sessions.Delete(req.Session)

	platform, err := h.Platforms.FindByIssuer(r.Context(), sess.Issuer)
	if err != nil {
		h.Log.Error("deep link platform lookup", zap.String("issuer", sess.Issuer), zap.Error(err))
		writeErr(w, http.StatusInternalServerError, "platform unavailable")
		return
	}

	items, err := h.Responder.BuildItems(r.Context(), Selection{BookID: req.BookID, UnitIDs: req.UnitIDs})
	if errors.Is(err, ErrInvalidSelection) {
		writeErr(w, http.StatusBadRequest, "selection matches no content")
		return
	}
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "selection failed")
		return
	}

	signed, err := h.Responder.SignResponse(r.Context(), platform, sess.DeploymentID, sess.Data, items)
	if err != nil {
		h.Log.Error("sign deep link response", zap.Error(err))
		writeErr(w, http.StatusInternalServerError, "signing failed")
		return
	}

	h.Log.Info("deep link response issued",
		zap.String("issuer", platform.Issuer),
		zap.Int("items", len(items)))
	renderAutoSubmit(w, sess.ReturnURL, signed)
}

var autoSubmitTmpl = template.Must(template.New("autosubmit").Parse(`<!DOCTYPE html>
<html>
<body onload="document.forms[0].submit()">
<form action="{{.Action}}" method="post">
<input type="hidden" name="JWT" value="{{.JWT}}">
<noscript><button type="submit">Continue</button></noscript>
</form>
</body>
</html>`))

func renderAutoSubmit(w http.ResponseWriter, action, jwt string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	autoSubmitTmpl.Execute(w, struct {
		Action string
		JWT    string
	}{Action: action, JWT: jwt})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

var _ launch.DeepLinkStarter = (*Handler)(nil)
