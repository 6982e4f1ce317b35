package ags

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"go.uber.org/zap"

	"github.com/openbookpress/booktool/internal/keys"
	"github.com/openbookpress/booktool/internal/registry"
)

type fakeSecrets struct {
	secret string
	ok     bool
}

func (f *fakeSecrets) Retrieve(context.Context, string) (string, bool, error) {
	return f.secret, f.ok, nil
}

func newTestClient(t *testing.T) *Client {
	t.Helper()
	store := &keys.MemStore{}
	k, err := keys.Generate(2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	if err := store.Save(context.Background(), k); err != nil {
		t.Fatalf("save key: %v", err)
	}
	return NewClient(nil, store, &fakeSecrets{}, zap.NewNop())
}

func tokenServer(t *testing.T, calls *int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(calls, 1)
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		if got := r.Form.Get("grant_type"); got != "client_credentials" {
			t.Errorf("grant_type = %q", got)
		}
		if r.Form.Get("client_assertion") == "" {
			t.Errorf("missing client_assertion")
		}
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "tok-abc",
			"expires_in":   3600,
		})
	}))
}

func TestGetTokenCached(t *testing.T) {
	var calls int32
	srv := tokenServer(t, &calls)
	defer srv.Close()

	c := newTestClient(t)
	p := registry.Platform{Issuer: "https://lms.example.edu", ClientID: "client-1", TokenURL: srv.URL}
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		tok, err := c.GetToken(ctx, p, []string{ScopeScore})
		if err != nil {
			t.Fatalf("get token: %v", err)
		}
		if tok != "tok-abc" {
			t.Fatalf("token = %q", tok)
		}
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Fatalf("token endpoint hit %d times, want 1", n)
	}
}

func TestGetTokenSingleflight(t *testing.T) {
	var calls int32
	srv := tokenServer(t, &calls)
	defer srv.Close()

	c := newTestClient(t)
	p := registry.Platform{Issuer: "https://lms.example.edu", ClientID: "client-1", TokenURL: srv.URL}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.GetToken(context.Background(), p, []string{ScopeScore}); err != nil {
				t.Errorf("get token: %v", err)
			}
		}()
	}
	wg.Wait()
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Fatalf("token endpoint hit %d times, want 1", n)
	}
}

func TestPostScoreScopeRefusal(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
	}))
	defer srv.Close()

	c := newTestClient(t)
	p := registry.Platform{Issuer: "https://lms.example.edu", ClientID: "client-1", TokenURL: srv.URL}

	_, err := c.PostScore(context.Background(), p, srv.URL+"/li/7", []string{ScopeLineItemReadonly}, Score{})
	if err != ErrScopeNotGranted {
		t.Fatalf("err = %v, want ErrScopeNotGranted", err)
	}
	if n := atomic.LoadInt32(&hits); n != 0 {
		t.Fatalf("network touched %d times despite scope refusal", n)
	}
}

func TestPostScore(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"access_token": "tok-abc", "expires_in": 3600})
	})
	var gotScore Score
	var gotCT, gotPath string
	mux.HandleFunc("/li/7/scores", func(w http.ResponseWriter, r *http.Request) {
		gotCT = r.Header.Get("Content-Type")
		gotPath = r.URL.Path
		json.NewDecoder(r.Body).Decode(&gotScore)
		w.WriteHeader(http.StatusNoContent)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := newTestClient(t)
	p := registry.Platform{Issuer: "https://lms.example.edu", ClientID: "client-1", TokenURL: srv.URL + "/token"}

	res, err := c.PostScore(context.Background(), p, srv.URL+"/li/7?type_id=3", []string{ScopeScore}, Score{
		UserID:           "platform-user-9",
		ScoreGiven:       66.67,
		ScoreMaximum:     100,
		ActivityProgress: "Completed",
		GradingProgress:  "FullyGraded",
	})
	if err != nil {
		t.Fatalf("post score: %v", err)
	}
	if !res.OK || res.Status != http.StatusNoContent {
		t.Fatalf("result = %+v", res)
	}
	if gotCT != "application/vnd.ims.lis.v1.score+json" {
		t.Fatalf("content type = %q", gotCT)
	}
	if gotPath != "/li/7/scores" {
		t.Fatalf("path = %q", gotPath)
	}
	if gotScore.UserID != "platform-user-9" || gotScore.ScoreGiven != 66.67 {
		t.Fatalf("score = %+v", gotScore)
	}
	if gotScore.Timestamp == "" {
		t.Fatalf("timestamp not defaulted")
	}
}

func TestPostScoreRejected(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"access_token": "tok-abc", "expires_in": 3600})
	})
	mux.HandleFunc("/li/7/scores", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "line item gone", http.StatusNotFound)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := newTestClient(t)
	p := registry.Platform{Issuer: "https://lms.example.edu", ClientID: "client-1", TokenURL: srv.URL + "/token"}

	res, err := c.PostScore(context.Background(), p, srv.URL+"/li/7", []string{ScopeScore}, Score{UserID: "u"})
	if err != nil {
		t.Fatalf("post score: %v", err)
	}
	if res.OK || res.Status != http.StatusNotFound || res.Err == "" {
		t.Fatalf("result = %+v", res)
	}
}

func TestFetchLineItemUnavailable(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"access_token": "tok-abc", "expires_in": 3600})
	})
	mux.HandleFunc("/li/7", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := newTestClient(t)
	p := registry.Platform{Issuer: "https://lms.example.edu", ClientID: "client-1", TokenURL: srv.URL + "/token"}

	li, err := c.FetchLineItem(context.Background(), p, srv.URL+"/li/7", []string{ScopeLineItemReadonly})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if li != nil {
		t.Fatalf("want nil line item on failure, got %+v", li)
	}
}

func TestFetchLineItem(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"access_token": "tok-abc", "expires_in": 3600})
	})
	mux.HandleFunc("/li/7", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(LineItem{ID: "li/7", Label: "Chapter 1", ScoreMaximum: 2})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := newTestClient(t)
	p := registry.Platform{Issuer: "https://lms.example.edu", ClientID: "client-1", TokenURL: srv.URL + "/token"}

	li, err := c.FetchLineItem(context.Background(), p, srv.URL+"/li/7", []string{ScopeLineItemReadonly})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if li == nil || li.ScoreMaximum != 2 || li.Label != "Chapter 1" {
		t.Fatalf("line item = %+v", li)
	}
}

func TestSharedSecretPath(t *testing.T) {
	var sawBasic bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, _, ok := r.BasicAuth(); ok {
			sawBasic = true
		} else {
			r.ParseForm()
			if r.Form.Get("client_secret") != "" {
				sawBasic = true
			}
		}
		// oauth2 parses the body as a form unless told it is JSON.
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"access_token": "tok-legacy", "expires_in": 3600, "token_type": "Bearer"})
	}))
	defer srv.Close()

	c := newTestClient(t)
	c.Secrets = &fakeSecrets{secret: "legacy-secret", ok: true}
	p := registry.Platform{Issuer: "https://old.example.edu", ClientID: "client-2", TokenURL: srv.URL}

	tok, err := c.GetToken(context.Background(), p, []string{ScopeScore})
	if err != nil {
		t.Fatalf("get token: %v", err)
	}
	if tok != "tok-legacy" {
		t.Fatalf("token = %q", tok)
	}
	if !sawBasic {
		t.Fatalf("shared secret was not presented")
	}

	if _, err := c.GetToken(context.Background(), p, []string{ScopeScore}); err != nil {
		t.Fatalf("cached token: %v", err)
	}
}
