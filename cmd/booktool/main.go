package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/openbookpress/booktool/internal/ags"
	"github.com/openbookpress/booktool/internal/api"
	"github.com/openbookpress/booktool/internal/config"
	"github.com/openbookpress/booktool/internal/db"
	"github.com/openbookpress/booktool/internal/deeplink"
	"github.com/openbookpress/booktool/internal/grading"
	"github.com/openbookpress/booktool/internal/gradstore"
	"github.com/openbookpress/booktool/internal/keys"
	"github.com/openbookpress/booktool/internal/launch"
	"github.com/openbookpress/booktool/internal/nonce"
	"github.com/openbookpress/booktool/internal/registry"
	"github.com/openbookpress/booktool/internal/secrets"
)

func main() {
	_ = godotenv.Load()
	cfg := config.FromEnv()

	log, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Fatal("booktool exited", zap.Error(err))
	}
}

func run(cfg config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	database, err := db.Open(ctx, db.Driver(cfg.DBDriver), cfg.DBDSN)
	if err != nil {
		return err
	}
	defer database.Close()

	platforms := &registry.SQLPlatforms{DB: database}
	deployments := &registry.SQLDeployments{DB: database}
	nonces := &nonce.SQL{DB: database}
	keyStore := &keys.SQLStore{DB: database}
	gradStore := &gradstore.Store{DB: database}

	if err := ensureSigningKey(ctx, keyStore, log); err != nil {
		return err
	}

	var secretSource ags.SecretSource = noSecrets{}
	var vault *secrets.Vault
	if cfg.VaultMasterKey != "" {
		vault, err = secrets.New(cfg.VaultMasterKey, &secrets.SQLStore{DB: database})
		if err != nil {
			return err
		}
		secretSource = vault
	} else {
		log.Info("no vault master key, legacy shared-secret exchange disabled")
	}

	content, err := loadContent(cfg.ContentFile, log)
	if err != nil {
		return err
	}

	agsClient := ags.NewClient(nil, keyStore, secretSource, log.Named("ags"))

	engine := &grading.Engine{
		Configs:   gradStore,
		Attempts:  gradStore,
		Contexts:  gradStore,
		Platforms: platforms,
		AGS:       agsClient,
		SyncLog:   gradStore,
		Content:   content,
		Log:       log.Named("grading"),
	}

	responder := &deeplink.Responder{
		Content:     content,
		Grading:     engine,
		Keys:        keyStore,
		ToolIssuer:  cfg.PublicURL,
		LineItemTag: cfg.LineItemTag,
	}
	dlHandler := deeplink.NewHandler(responder, platforms, log.Named("deeplink"))

	sessions := launch.CookieSessions{
		CookieName: api.UserCookie,
		Secure:     strings.HasPrefix(cfg.PublicURL, "https://"),
	}
	launchHandler := &launch.Handler{
		Validator: &launch.Validator{
			Platforms:   platforms,
			Deployments: deployments,
			Nonces:      nonces,
			KeySet:      &launch.KeySetFetcher{},
			Log:         log.Named("launch"),
			Leeway:      30 * time.Second,
		},
		Platforms: platforms,
		Sessions:  sessions,
		Contexts:  gradStore,
		Units:     content,
		DeepLink:  dlHandler,
		Log:       log.Named("launch"),
	}

	apiHandler := &api.Handler{Engine: engine, Content: content, Log: log.Named("api")}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/readyz", func(w http.ResponseWriter, req *http.Request) {
		if err := database.PingContext(req.Context()); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	r.Get("/.well-known/jwks.json", (&keys.JWKSHandler{Store: keyStore, Log: log.Named("jwks")}).ServeHTTP)

	r.Route("/lti", func(r chi.Router) {
		login := launchHandler.Login(cfg.LaunchURL())
		r.Get("/login", login)
		r.Post("/login", login)
		r.Post("/launch", launchHandler.Launch)
		r.Get("/deep-link", dlHandler.ServeCatalog)
		r.Post("/deep-link", dlHandler.HandleSelection)
		r.Post("/resync", apiHandler.ResyncBody)
	})

	r.Route("/api", apiHandler.Routes)

	admin := &adminHandler{Platforms: platforms, Deployments: deployments, Vault: vault, Log: log.Named("admin")}
	r.Route("/admin", admin.Routes)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		log.Info("booktool listening", zap.String("addr", cfg.HTTPAddr), zap.String("public_url", cfg.PublicURL))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	log.Info("shutting down")
	return srv.Shutdown(shutdownCtx)
}

func ensureSigningKey(ctx context.Context, store keys.Store, log *zap.Logger) error {
	_, err := store.Active(ctx)
	if err == nil {
		return nil
	}
	if !errors.Is(err, keys.ErrNoSigningKey) {
		return err
	}
	k, err := keys.Generate(2048)
	if err != nil {
		return err
	}
	if err := store.Save(ctx, k); err != nil {
		return err
	}
	log.Info("generated signing key", zap.String("kid", k.KID))
	return nil
}

// noSecrets is the SecretSource when the vault is disabled.
type noSecrets struct{}

func (noSecrets) Retrieve(context.Context, string) (string, bool, error) {
	return "", false, nil
}

// catalogFile is the JSON shape of CONTENT_FILE.
type catalogFile struct {
	Books []struct {
		ID          string        `json:"id"`
		Title       string        `json:"title"`
		FrontMatter []catalogUnit `json:"front_matter"`
		Chapters    []catalogUnit `json:"chapters"`
		BackMatter  []catalogUnit `json:"back_matter"`
	} `json:"books"`
}

type catalogUnit struct {
	ID         string   `json:"id"`
	Title      string   `json:"title"`
	URL        string   `json:"url"`
	Text       string   `json:"text"`
	Gradable   bool     `json:"gradable"`
	Activities []string `json:"activities"`
}

func loadContent(path string, log *zap.Logger) (*deeplink.StaticRepository, error) {
	repo := deeplink.NewStaticRepository()
	if path == "" {
		log.Warn("no content file configured, catalog is empty")
		return repo, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cat catalogFile
	if err := json.Unmarshal(data, &cat); err != nil {
		return nil, err
	}

	conv := func(kind string, us []catalogUnit) []deeplink.Unit {
		out := make([]deeplink.Unit, 0, len(us))
		for _, u := range us {
			out = append(out, deeplink.Unit{
				ID:         u.ID,
				Title:      u.Title,
				URL:        u.URL,
				Text:       u.Text,
				Kind:       kind,
				Gradable:   u.Gradable,
				Activities: u.Activities,
			})
		}
		return out
	}
	for _, b := range cat.Books {
		repo.Add(deeplink.Structure{
			Book:        deeplink.Book{ID: b.ID, Title: b.Title},
			FrontMatter: conv("front_matter", b.FrontMatter),
			Chapters:    conv("chapter", b.Chapters),
			BackMatter:  conv("back_matter", b.BackMatter),
		})
	}
	log.Info("content catalog loaded", zap.Int("books", len(cat.Books)))
	return repo, nil
}
