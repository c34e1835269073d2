package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/policy"
	"github.com/opensource-finance/kestrel/internal/serving"
	"github.com/opensource-finance/kestrel/internal/training"
)

// Handler holds dependencies for API handlers.
type Handler struct {
	repo     domain.Repository
	cache    domain.Cache
	registry domain.ModelRegistry
	scorer   *serving.Scorer
	models   *serving.ModelCache
	pipeline *training.Pipeline
	policies *policy.Engine
	version  string
}

// NewHandler creates a new API handler.
func NewHandler(
	repo domain.Repository,
	cache domain.Cache,
	registry domain.ModelRegistry,
	scorer *serving.Scorer,
	models *serving.ModelCache,
	pipeline *training.Pipeline,
	policies *policy.Engine,
	version string,
) *Handler {
	return &Handler{
		repo:     repo,
		cache:    cache,
		registry: registry,
		scorer:   scorer,
		models:   models,
		pipeline: pipeline,
		policies: policies,
		version:  version,
	}
}

// Score handles POST /score requests.
func (h *Handler) Score(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var req domain.ScoreRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	if req.Email == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "email is required",
		})
		return
	}
	req.TenantID = tenantID

	decision, err := h.scorer.Score(ctx, &req)
	if err != nil {
		slog.Error("scoring failed", "tenant_id", tenantID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "scoring failed",
		})
		return
	}

	if h.repo != nil {
		if err := h.repo.SaveDecision(ctx, tenantID, decision); err != nil {
			slog.Error("failed to save decision", "decision_id", decision.ID, "error", err)
			// Scoring already succeeded; the caller still gets the decision.
		}
	}

	writeJSON(w, http.StatusOK, decision)
}

// GetDecision retrieves a decision by ID.
func (h *Handler) GetDecision(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	decisionID := chi.URLParam(r, "id")

	if decisionID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "decision id is required",
		})
		return
	}

	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return
	}

	decision, err := h.repo.GetDecision(ctx, tenantID, decisionID)
	if err != nil {
		slog.Error("failed to get decision", "id", decisionID, "error", err)
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "decision not found",
		})
		return
	}

	writeJSON(w, http.StatusOK, decision)
}

// TrainRequest is the request body for POST /train.
type TrainRequest struct {
	Samples []domain.TrainingSample `json:"samples"`
	Mode    string                  `json:"mode,omitempty"`
}

// Train handles POST /train: runs one guarded training run synchronously.
// Every gate rejection still produces a run record; the response carries it
// with an HTTP status matching the rejection.
func (h *Handler) Train(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	if h.pipeline == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "training pipeline not available",
		})
		return
	}

	var req TrainRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if len(req.Samples) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "samples are required",
		})
		return
	}

	mode := req.Mode
	if mode == "" {
		mode = domain.TrainingModeFull
	}
	if mode != domain.TrainingModeFull && mode != domain.TrainingModeIncremental {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "mode must be full or incremental",
		})
		return
	}

	run, err := h.pipeline.Train(ctx, tenantID, req.Samples, mode)
	switch {
	case err == nil:
		// Promoted; make the new generation servable immediately.
		if h.models != nil {
			if reloadErr := h.models.Reload(ctx, tenantID); reloadErr != nil {
				slog.Error("failed to reload models after promote", "tenant_id", tenantID, "error", reloadErr)
			}
		}
		writeJSON(w, http.StatusOK, run)
	case errors.Is(err, training.ErrTrainingLocked):
		writeJSON(w, http.StatusConflict, map[string]string{
			"error": "a training run is already in progress",
		})
	case errors.Is(err, training.ErrInsufficientData),
		errors.Is(err, training.ErrAnomalyDetected),
		errors.Is(err, training.ErrValidationFailed):
		writeJSON(w, http.StatusUnprocessableEntity, run)
	default:
		slog.Error("training run failed", "tenant_id", tenantID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "training run failed",
		})
	}
}

// ListTrainingRuns returns recent training runs, newest first.
func (h *Handler) ListTrainingRuns(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return
	}

	runs, err := h.repo.ListTrainingRuns(ctx, tenantID, 0)
	if err != nil {
		slog.Error("failed to list training runs", "tenant_id", tenantID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to list training runs",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"runs":  runs,
		"count": len(runs),
	})
}

// modelSummary strips the heavy transition tables from a bundle listing.
type modelSummary struct {
	Slot     string                `json:"slot"`
	Version  int64                 `json:"version"`
	Orders   []int                 `json:"orders"`
	Metadata domain.BundleMetadata `json:"metadata"`
}

// GetProductionModel returns the production bundle summary.
func (h *Handler) GetProductionModel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	bundle, err := h.registry.Get(ctx, tenantID, domain.SlotProduction)
	if errors.Is(err, domain.ErrBundleNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "no production model",
		})
		return
	}
	if err != nil {
		slog.Error("failed to get production model", "tenant_id", tenantID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to get production model",
		})
		return
	}

	writeJSON(w, http.StatusOK, modelSummary{
		Slot:     domain.SlotProduction,
		Version:  bundle.Version,
		Orders:   bundle.Orders,
		Metadata: bundle.Metadata,
	})
}

// ListBackupModels returns the backup slot summaries, newest first.
func (h *Handler) ListBackupModels(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var backups []modelSummary
	for _, slot := range domain.BackupSlots() {
		bundle, err := h.registry.Get(ctx, tenantID, slot)
		if errors.Is(err, domain.ErrBundleNotFound) {
			continue
		}
		if err != nil {
			slog.Error("failed to get backup model", "slot", slot, "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{
				"error": "failed to list backup models",
			})
			return
		}
		backups = append(backups, modelSummary{
			Slot:     slot,
			Version:  bundle.Version,
			Orders:   bundle.Orders,
			Metadata: bundle.Metadata,
		})
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"backups": backups,
		"count":   len(backups),
	})
}

// ReloadModels refreshes the serving snapshot from the registry.
func (h *Handler) ReloadModels(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	if h.models == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "model cache not available",
		})
		return
	}

	if err := h.models.Reload(ctx, tenantID); err != nil {
		slog.Error("model reload failed", "tenant_id", tenantID, "error", err)
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{
			"error": "no usable model: " + err.Error(),
		})
		return
	}

	snapshot := h.models.Current(tenantID)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "models reloaded successfully",
		"version": snapshot.Version,
		"slot":    snapshot.Slot,
	})
}

// ListPolicies returns the tenant's loaded policy overlays.
func (h *Handler) ListPolicies(w http.ResponseWriter, r *http.Request) {
	tenantID := GetTenantID(r.Context())

	if h.policies == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "policy engine not available",
		})
		return
	}

	loaded := h.policies.LoadedPolicies(tenantID)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"policies": loaded,
		"count":    len(loaded),
		"source":   "database",
	})
}

// CreatePolicyRequest is the request body for creating a policy overlay.
type CreatePolicyRequest struct {
	ID          string `json:"id,omitempty"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Expression  string `json:"expression"`
	Reason      string `json:"reason,omitempty"`
	Enabled     bool   `json:"enabled"`
}

// CreatePolicy validates, persists and loads a policy overlay.
func (h *Handler) CreatePolicy(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	if h.policies == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "policy engine not available",
		})
		return
	}

	var req CreatePolicyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	if req.Name == "" || req.Expression == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "name and expression are required",
		})
		return
	}

	cfg := &domain.PolicyConfig{
		ID:          req.ID,
		TenantID:    tenantID,
		Name:        req.Name,
		Description: req.Description,
		Expression:  req.Expression,
		Reason:      req.Reason,
		Enabled:     req.Enabled,
	}
	if cfg.ID == "" {
		cfg.ID = uuid.New().String()
	}
	if cfg.Reason == "" {
		cfg.Reason = cfg.Name
	}

	if err := h.policies.ValidatePolicy(cfg); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid CEL expression: " + err.Error(),
		})
		return
	}

	if h.repo != nil {
		if err := h.repo.SavePolicyConfig(ctx, tenantID, cfg); err != nil {
			slog.Error("failed to save policy config", "id", cfg.ID, "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{
				"error": "failed to save policy",
			})
			return
		}
	}

	if cfg.Enabled {
		if err := h.policies.LoadPolicy(cfg); err != nil {
			slog.Error("failed to load policy into engine", "id", cfg.ID, "error", err)
		}
	}

	slog.Info("policy created", "id", cfg.ID, "name", cfg.Name, "tenant_id", tenantID)
	writeJSON(w, http.StatusCreated, cfg)
}

// ReloadPolicies reloads the tenant's policy overlays from the database.
// Other tenants' loaded overlays are untouched.
func (h *Handler) ReloadPolicies(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	if h.repo == nil || h.policies == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository or policy engine not available",
		})
		return
	}

	configs, err := h.repo.ListPolicyConfigs(ctx, tenantID)
	if err != nil {
		slog.Error("failed to list policies from database", "tenant_id", tenantID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to load policies from database",
		})
		return
	}

	if err := h.policies.ReloadPolicies(tenantID, configs); err != nil {
		slog.Error("failed to reload policies into engine", "tenant_id", tenantID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to reload policies: " + err.Error(),
		})
		return
	}

	count := len(h.policies.LoadedPolicies(tenantID))
	slog.Info("policies reloaded from database", "tenant_id", tenantID, "count", count)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "policies reloaded successfully",
		"count":   count,
	})
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	// Check repository health
	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	// Check cache health
	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	// Check registry health
	if h.registry != nil {
		if err := h.registry.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
