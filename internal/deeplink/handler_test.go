package deeplink

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/openbookpress/booktool/internal/launch"
	"github.com/openbookpress/booktool/internal/registry"
)

type fakePlatforms struct{ p registry.Platform }

func (f *fakePlatforms) FindByIssuer(_ context.Context, iss string) (registry.Platform, error) {
	if iss != f.p.Issuer {
		return registry.Platform{}, registry.ErrPlatformNotFound
	}
	return f.p, nil
}
func (f *fakePlatforms) Register(context.Context, registry.Platform) error { return nil }

func TestPickerFlow(t *testing.T) {
	resp, _ := testResponder(t, "c1")
	platform := registry.Platform{Issuer: "https://lms.example.edu", ClientID: "client-1"}
	h := NewHandler(resp, &fakePlatforms{p: platform}, zap.NewNop())

	claims := launch.Claims{
		DeploymentID: "dep-1",
		MessageType:  launch.MessageDeepLinking,
		DeepLinking: &launch.DeepLinkSettings{
			ReturnURL:      "https://lms.example.edu/dl/return",
			Data:           "opaque",
			AcceptMultiple: true,
		},
	}

	rec := httptest.NewRecorder()
	h.ServeLaunch(rec, httptest.NewRequest("POST", "/lti/launch", nil), claims, platform)
	if rec.Code != 200 {
		t.Fatalf("launch status = %d: %s", rec.Code, rec.Body)
	}

	var payload struct {
		Session string `json:"session"`
		Books   []struct {
			ID string `json:"id"`
		} `json:"books"`
		AcceptMultiple bool `json:"accept_multiple"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode picker payload: %v", err)
	}
	if payload.Session == "" || len(payload.Books) != 1 || payload.Books[0].ID != "bk-1" {
		t.Fatalf("payload = %+v", payload)
	}
	if !payload.AcceptMultiple {
		t.Fatalf("accept_multiple not forwarded")
	}

	// Catalog is reachable while the session is open.
	catReq := httptest.NewRequest("GET", "/lti/deep-link?session="+payload.Session+"&book_id=bk-1", nil)
	catRec := httptest.NewRecorder()
	h.ServeCatalog(catRec, catReq)
	if catRec.Code != 200 {
		t.Fatalf("catalog status = %d", catRec.Code)
	}

	// Post a selection back.
	body, _ := json.Marshal(map[string]any{
		"session":  payload.Session,
		"book_id":  "bk-1",
		"unit_ids": []string{"c1"},
	})
	selRec := httptest.NewRecorder()
	h.HandleSelection(selRec, httptest.NewRequest("POST", "/lti/deep-link", bytes.NewReader(body)))
	if selRec.Code != 200 {
		t.Fatalf("selection status = %d: %s", selRec.Code, selRec.Body)
	}

	html := selRec.Body.String()
	if !strings.Contains(html, `action="https://lms.example.edu/dl/return"`) {
		t.Fatalf("form does not target return url: %s", html)
	}
	if !strings.Contains(html, `name="JWT"`) {
		t.Fatalf("form missing JWT field: %s", html)
	}

	// Sessions are single use.
	replayRec := httptest.NewRecorder()
	h.HandleSelection(replayRec, httptest.NewRequest("POST", "/lti/deep-link", bytes.NewReader(body)))
	if replayRec.Code != 410 {
		t.Fatalf("replayed session status = %d, want 410", replayRec.Code)
	}
}

func TestServeLaunchWithoutSettings(t *testing.T) {
	resp, _ := testResponder(t)
	h := NewHandler(resp, &fakePlatforms{}, zap.NewNop())

	rec := httptest.NewRecorder()
	h.ServeLaunch(rec, httptest.NewRequest("POST", "/lti/launch", nil), launch.Claims{}, registry.Platform{})
	if rec.Code != 400 {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}
