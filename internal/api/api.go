// Package api exposes the tool's JSON surface: activity results,
// grading configuration, resync, and the picker catalog.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/openbookpress/booktool/internal/deeplink"
	"github.com/openbookpress/booktool/internal/grading"
)

// UserCookie carries the local user between launch and activity
// results.
const UserCookie = "booktool_user"

// Handler serves /api.
type Handler struct {
	Engine  *grading.Engine
	Content deeplink.ContentRepository
	Log     *zap.Logger
	Now     func() time.Time
}

func (h *Handler) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

// Routes mounts the API on a chi router.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/books", h.listBooks)
	r.Get("/books/{bookID}", h.bookStructure)
	r.Post("/results", h.submitResult)
	r.Get("/units/{unitID}/grading", h.getGrading)
	r.Put("/units/{unitID}/grading", h.putGrading)
	r.Post("/units/{unitID}/resync", h.resync)
}

func (h *Handler) listBooks(w http.ResponseWriter, r *http.Request) {
	type bookJSON struct {
		ID    string `json:"id"`
		Title string `json:"title"`
	}
	out := make([]bookJSON, 0)
	for _, b := range h.Content.Books() {
		out = append(out, bookJSON{ID: b.ID, Title: b.Title})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) bookStructure(w http.ResponseWriter, r *http.Request) {
	s, ok := h.Content.Structure(chi.URLParam(r, "bookID"))
	if !ok {
		writeErr(w, http.StatusNotFound, "unknown book")
		return
	}
	type unitJSON struct {
		ID       string `json:"id"`
		Title    string `json:"title"`
		URL      string `json:"url"`
		Gradable bool   `json:"gradable"`
	}
	conv := func(us []deeplink.Unit) []unitJSON {
		out := make([]unitJSON, 0, len(us))
		for _, u := range us {
			out = append(out, unitJSON{ID: u.ID, Title: u.Title, URL: u.URL, Gradable: u.Gradable})
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

type resultRequest struct {
	UnitID     string  `json:"unit_id"`
	ActivityID string  `json:"activity_id"`
	Score      float64 `json:"score"`
	MaxScore   float64 `json:"max_score"`
}

func (h *Handler) submitResult(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(UserCookie)
	if err != nil || cookie.Value == "" {
		writeErr(w, http.StatusUnauthorized, "no session")
		return
	}

	var req resultRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "malformed result")
		return
	}
	if req.UnitID == "" || req.ActivityID == "" || req.MaxScore <= 0 || req.Score < 0 || req.Score > req.MaxScore {
		writeErr(w, http.StatusBadRequest, "invalid result")
		return
	}

	attempt := grading.Attempt{
		LocalUser:  cookie.Value,
		ActivityID: req.ActivityID,
		Score:      req.Score,
		MaxScore:   req.MaxScore,
		FinishedAt: h.now(),
	}
	if err := h.Engine.SubmitResult(r.Context(), req.UnitID, attempt); err != nil {
		h.Log.Error("submit result", zap.Error(err))
		writeErr(w, http.StatusInternalServerError, "result not recorded")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "recorded"})
}

type gradingConfigJSON struct {
	Enabled    bool                 `json:"enabled"`
	Aggregate  string               `json:"aggregate"`
	Activities []activityConfigJSON `json:"activities"`
}

type activityConfigJSON struct {
	ActivityID       string  `json:"activity_id"`
	IncludeInScoring bool    `json:"include_in_scoring"`
	Scheme           string  `json:"scheme"`
	Weight           float64 `json:"weight"`
}

func (h *Handler) getGrading(w http.ResponseWriter, r *http.Request) {
	unitID := chi.URLParam(r, "unitID")
	cfg, found, err := h.Engine.Configs.Config(r.Context(), unitID)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "config unavailable")
		return
	}
	if !found {
		writeErr(w, http.StatusNotFound, "unit not configured")
		return
	}
	out := gradingConfigJSON{Enabled: cfg.Enabled, Aggregate: string(cfg.Aggregate)}
	for _, ac := range cfg.Activities {
		out.Activities = append(out.Activities, activityConfigJSON{
			ActivityID:       ac.ActivityID,
			IncludeInScoring: ac.IncludeInScoring,
			Scheme:           string(ac.Scheme),
			Weight:           ac.Weight,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) putGrading(w http.ResponseWriter, r *http.Request) {
	unitID := chi.URLParam(r, "unitID")

	var req gradingConfigJSON
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "malformed config")
		return
	}
	agg, err := grading.ParseAggregate(req.Aggregate)
	if err != nil {
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	}
	cfg := grading.Config{UnitID: unitID, Enabled: req.Enabled, Aggregate: agg}
	for _, ac := range req.Activities {
		scheme, err := grading.ParseScheme(ac.Scheme)
		if err != nil {
			writeErr(w, http.StatusBadRequest, err.Error())
			return
		}
		if ac.Weight < 0 {
			writeErr(w, http.StatusBadRequest, "negative weight")
			return
		}
		cfg.Activities = append(cfg.Activities, grading.ActivityConfig{
			ActivityID:       ac.ActivityID,
			IncludeInScoring: ac.IncludeInScoring,
			Scheme:           scheme,
			Weight:           ac.Weight,
		})
	}
	if err := h.Engine.Configs.SaveConfig(r.Context(), cfg); err != nil {
		h.Log.Error("save grading config", zap.String("unit", unitID), zap.Error(err))
		writeErr(w, http.StatusInternalServerError, "config not saved")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "saved"})
}

// resync re-pushes a unit's grades, narrowed to one user when the
// user query parameter is present.
func (h *Handler) resync(w http.ResponseWriter, r *http.Request) {
	h.resyncUnit(w, r, chi.URLParam(r, "unitID"), r.URL.Query().Get("user"))
}

// ResyncBody is the /lti/resync form of the same operation, taking
// the unit (and optional user) in the request body.
func (h *Handler) ResyncBody(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UnitID string `json:"unit_id"`
		User   string `json:"user"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UnitID == "" {
		writeErr(w, http.StatusBadRequest, "missing unit_id")
		return
	}
	h.resyncUnit(w, r, req.UnitID, req.User)
}

func (h *Handler) resyncUnit(w http.ResponseWriter, r *http.Request, unitID, user string) {
	sum, err := h.Engine.Resync(r.Context(), unitID, user)
	if err != nil {
		writeErr(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": sum.Success,
		"skipped": sum.Skipped,
		"failed":  sum.Failed,
		"errors":  sum.Errors,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
