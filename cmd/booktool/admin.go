package main

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/openbookpress/booktool/internal/registry"
	"github.com/openbookpress/booktool/internal/secrets"
)

// adminHandler registers platforms and deployments. It is expected to
// sit behind a reverse proxy that restricts /admin.
type adminHandler struct {
	Platforms   registry.PlatformStore
	Deployments registry.DeploymentStore
	Vault       *secrets.Vault
	Log         *zap.Logger
}

func (h *adminHandler) Routes(r chi.Router) {
	r.Post("/platforms", h.registerPlatform)
	r.Post("/deployments", h.registerDeployment)
}

type platformRequest struct {
	Issuer               string `json:"issuer"`
	ClientID             string `json:"client_id"`
	AuthLoginURL         string `json:"auth_login_url"`
	KeySetURL            string `json:"key_set_url"`
	TokenURL             string `json:"token_url"`
	SwapDeepLinkAudience *bool  `json:"swap_deep_link_audience"`
	// SharedSecret switches the platform to the legacy
	// client-credentials exchange. Requires the vault.
	SharedSecret string `json:"shared_secret"`
}

func (h *adminHandler) registerPlatform(w http.ResponseWriter, r *http.Request) {
	var req platformRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed registration", http.StatusBadRequest)
		return
	}
	if req.Issuer == "" || req.ClientID == "" || req.AuthLoginURL == "" || req.KeySetURL == "" || req.TokenURL == "" {
		http.Error(w, "missing required fields", http.StatusBadRequest)
		return
	}

	// Moodle needs the swapped iss/aud pair; default to it.
	swap := true
	if req.SwapDeepLinkAudience != nil {
		swap = *req.SwapDeepLinkAudience
	}

	if req.SharedSecret != "" {
		if h.Vault == nil {
			http.Error(w, "shared secrets require VAULT_MASTER_KEY", http.StatusBadRequest)
			return
		}
		if err := h.Vault.Store(r.Context(), req.Issuer, req.SharedSecret); err != nil {
			h.Log.Error("store shared secret", zap.String("issuer", req.Issuer), zap.Error(err))
			http.Error(w, "secret not stored", http.StatusInternalServerError)
			return
		}
	}

	p := registry.Platform{
		Issuer:               req.Issuer,
		ClientID:             req.ClientID,
		AuthLoginURL:         req.AuthLoginURL,
		KeySetURL:            req.KeySetURL,
		TokenURL:             req.TokenURL,
		SwapDeepLinkAudience: swap,
	}
	if err := h.Platforms.Register(r.Context(), p); err != nil {
		h.Log.Error("register platform", zap.String("issuer", req.Issuer), zap.Error(err))
		http.Error(w, "platform not registered", http.StatusInternalServerError)
		return
	}
	h.Log.Info("platform registered", zap.String("issuer", req.Issuer), zap.String("client_id", req.ClientID))
	w.WriteHeader(http.StatusCreated)
}

type deploymentRequest struct {
	Issuer       string `json:"issuer"`
	DeploymentID string `json:"deployment_id"`
}

func (h *adminHandler) registerDeployment(w http.ResponseWriter, r *http.Request) {
	var req deploymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed registration", http.StatusBadRequest)
		return
	}
	if req.Issuer == "" || req.DeploymentID == "" {
		http.Error(w, "missing issuer or deployment_id", http.StatusBadRequest)
		return
	}
	if _, err := h.Platforms.FindByIssuer(r.Context(), req.Issuer); err != nil {
		http.Error(w, "unknown platform", http.StatusNotFound)
		return
	}
	if err := h.Deployments.Register(r.Context(), req.Issuer, req.DeploymentID); err != nil {
		h.Log.Error("register deployment", zap.String("issuer", req.Issuer), zap.Error(err))
		http.Error(w, "deployment not registered", http.StatusInternalServerError)
		return
	}
	h.Log.Info("deployment registered", zap.String("issuer", req.Issuer), zap.String("deployment", req.DeploymentID))
	w.WriteHeader(http.StatusCreated)
}
