package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/policy"
	"github.com/opensource-finance/kestrel/internal/scoring"
)

// Handler contains HTTP request handlers.
type Handler struct {
	store        domain.Store
	cache        domain.Cache
	bus          domain.EventBus
	orchestrator *scoring.Orchestrator
	policies     *policy.Engine
	embedder     domain.Embedder
	collector    *metrics.Collector
	version      string
}

// NewHandler creates a new API handler.
func NewHandler(store domain.Store, cache domain.Cache, bus domain.EventBus, orchestrator *scoring.Orchestrator, policies *policy.Engine, embedder domain.Embedder, collector *metrics.Collector, version string) *Handler {
	return &Handler{
		store:        store,
		cache:        cache,
		bus:          bus,
		orchestrator: orchestrator,
		policies:     policies,
		embedder:     embedder,
		collector:    collector,
		version:      version,
	}
}

// ScoreResponse is the API response for transaction scoring.
type ScoreResponse struct {
	AssessmentID string `json:"assessmentId"`
	TxID         string `json:"txId"`

	RiskScore  float64         `json:"riskScore"`
	Decision   domain.Decision `json:"decision"`
	Confidence float64         `json:"confidence"`
	Reasoning  string          `json:"reasoning"`

	AgentScores map[string]domain.AgentScore `json:"agentScores"`

	RingDetected bool   `json:"ringDetected"`
	RingID       string `json:"ringId,omitempty"`

	// Partial marks a result produced with too many degraded agents.
	// The decision stands, but the caller may want to re-score later.
	Partial        bool     `json:"partial,omitempty"`
	DegradedAgents []string `json:"degradedAgents,omitempty"`

	Metadata domain.AssessmentMetadata `json:"metadata"`
}

// Score handles POST /score.
// Flow: validate -> persist transaction -> embed -> orchestrate agents ->
// persist assessment -> publish events -> respond.
func (h *Handler) Score(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var req domain.ScoreRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	if req.UserID == "" || req.Merchant == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "userId and merchant are required",
		})
		return
	}
	if req.Amount <= 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "amount must be positive",
		})
		return
	}

	tx := req.ToTransaction(uuid.New().String(), tenantID)

	// 1. Persist the transaction. Agents read it back as history, so a
	// failed write on an unreachable store aborts the request.
	if err := h.store.SaveTransaction(ctx, tenantID, tx); err != nil {
		if errors.Is(err, domain.ErrStoreUnavailable) {
			h.collector.RecordStoreFailure()
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"error": "historical store unavailable",
			})
			return
		}
		slog.Error("failed to save transaction", "tx_id", tx.ID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to save transaction",
		})
		return
	}

	// 2. Embed the canonical description for future semantic searches.
	// Best effort: a missing embedding only weakens similarity signals.
	if vec, err := h.embedder.Embed(ctx, tx.Description()); err != nil {
		slog.Warn("embedding skipped", "tx_id", tx.ID, "error", err)
	} else if err := h.store.SetTransactionEmbedding(ctx, tenantID, tx.ID, vec); err != nil {
		slog.Warn("failed to store embedding", "tx_id", tx.ID, "error", err)
	}

	// 3. Score.
	assessment, err := h.orchestrator.Score(ctx, tx)
	partial := false
	switch {
	case err == nil:
	case errors.Is(err, scoring.ErrPartialAgentFailure):
		partial = true
	case errors.Is(err, domain.ErrStoreUnavailable):
		h.collector.RecordStoreFailure()
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "historical store unavailable",
		})
		return
	default:
		slog.Error("scoring failed", "tx_id", tx.ID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "scoring failed",
		})
		return
	}

	// 4. Persist the assessment. Duplicate tx IDs are suppressed at the
	// store layer, so retried requests stay idempotent.
	if err := h.store.SaveAssessment(ctx, tenantID, assessment); err != nil {
		slog.Error("failed to save assessment",
			"assessment_id", assessment.ID, "error", err)
	}

	// 5. Publish events. Best effort; the synchronous response already
	// carries the result.
	h.publishScored(r, tenantID, assessment)

	// 6. Per-user scoring-rate accounting.
	if _, err := h.cache.IncrementCounter(ctx, tenantID, "scores:user:"+tx.UserID, 24*time.Hour); err != nil {
		slog.Warn("counter increment failed", "user_id", tx.UserID, "error", err)
	}

	h.collector.RecordAssessment(tenantID, assessment, time.Since(start))

	resp := ScoreResponse{
		AssessmentID:   assessment.ID,
		TxID:           tx.ID,
		RiskScore:      assessment.RiskScore,
		Decision:       assessment.Decision,
		Confidence:     assessment.Confidence,
		Reasoning:      assessment.Reasoning,
		AgentScores:    assessment.AgentScores,
		RingDetected:   assessment.RingDetected,
		RingID:         assessment.RingID,
		Partial:        partial,
		DegradedAgents: assessment.DegradedAgents,
		Metadata:       assessment.Metadata,
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) publishScored(r *http.Request, tenantID string, a *domain.Assessment) {
	ctx := r.Context()

	payload, err := json.Marshal(a)
	if err != nil {
		slog.Error("failed to marshal assessment", "error", err)
		return
	}
	if err := h.bus.Publish(ctx, tenantID, domain.TopicTransactionScored, payload); err != nil {
		slog.Warn("failed to publish scored event", "tx_id", a.TxID, "error", err)
	}

	if a.RingDetected {
		ring, _ := json.Marshal(map[string]any{
			"ringId": a.RingID,
			"txId":   a.TxID,
		})
		if err := h.bus.Publish(ctx, tenantID, domain.TopicRingDetected, ring); err != nil {
			slog.Warn("failed to publish ring event", "ring_id", a.RingID, "error", err)
		}
	}

	if a.Decision == domain.DecisionBlock {
		alert, _ := json.Marshal(map[string]any{
			"txId":      a.TxID,
			"riskScore": a.RiskScore,
			"reasoning": a.Reasoning,
		})
		if err := h.bus.Publish(ctx, tenantID, domain.TopicAlert, alert); err != nil {
			slog.Warn("failed to publish alert", "tx_id", a.TxID, "error", err)
		}
	}
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	if h.store != nil {
		if err := h.store.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}
	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}
	if h.bus != nil {
		if err := h.bus.Ping(r.Context()); err != nil {
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

// GetAssessment retrieves an assessment by ID.
func (h *Handler) GetAssessment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	id := chi.URLParam(r, "id")

	a, err := h.store.GetAssessment(ctx, tenantID, id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{
				"error": "assessment not found",
			})
			return
		}
		slog.Error("failed to get assessment", "id", id, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to get assessment",
		})
		return
	}

	writeJSON(w, http.StatusOK, a)
}

// GetTransaction retrieves a transaction by ID.
func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	id := chi.URLParam(r, "id")

	tx, err := h.store.GetTransaction(ctx, tenantID, id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{
				"error": "transaction not found",
			})
			return
		}
		slog.Error("failed to get transaction", "id", id, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to get transaction",
		})
		return
	}

	writeJSON(w, http.StatusOK, tx)
}

// ListRings returns detected fraud rings, optionally filtered by status
// via the ?status= query parameter.
func (h *Handler) ListRings(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	status := r.URL.Query().Get("status")

	rings, err := h.store.ListFraudRings(ctx, tenantID, status)
	if err != nil {
		slog.Error("failed to list fraud rings", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to list fraud rings",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"rings": rings,
		"count": len(rings),
	})
}

// ResolveRing marks a fraud ring as resolved after investigation.
func (h *Handler) ResolveRing(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	id := chi.URLParam(r, "id")

	if err := h.store.ResolveFraudRing(ctx, tenantID, id); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{
				"error": "fraud ring not found",
			})
			return
		}
		slog.Error("failed to resolve fraud ring", "id", id, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to resolve fraud ring",
		})
		return
	}

	slog.Info("fraud ring resolved", "ring_id", id, "tenant_id", tenantID)
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "ring resolved",
	})
}

// ListPolicies returns the tenant's enabled escalation policies.
func (h *Handler) ListPolicies(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	policies, err := h.store.ListPolicies(ctx, tenantID)
	if err != nil {
		slog.Error("failed to list policies", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to list policies",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"policies": policies,
		"count":    len(policies),
	})
}

// CreatePolicyRequest is the request body for creating an escalation policy.
type CreatePolicyRequest struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Expression  string          `json:"expression"`
	EscalateTo  domain.Decision `json:"escalateTo"`
	Enabled     bool            `json:"enabled"`
}

// CreatePolicy validates and persists an escalation policy.
// Call POST /policies/reload to apply it to live scoring.
func (h *Handler) CreatePolicy(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

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
		ID:          uuid.New().String(),
		TenantID:    tenantID,
		Name:        req.Name,
		Description: req.Description,
		Expression:  req.Expression,
		EscalateTo:  req.EscalateTo,
		Enabled:     req.Enabled,
	}

	// Compile up front so a broken expression is rejected here rather
	// than silently skipped at reload time.
	if err := h.policies.Validate(cfg); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid policy: " + err.Error(),
		})
		return
	}

	if err := h.store.SavePolicy(ctx, tenantID, cfg); err != nil {
		slog.Error("failed to save policy", "name", cfg.Name, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to save policy",
		})
		return
	}

	slog.Info("policy created", "id", cfg.ID, "name", cfg.Name, "tenant_id", tenantID)
	writeJSON(w, http.StatusCreated, map[string]any{
		"policy":  cfg,
		"message": "Policy created. Call POST /policies/reload to apply changes.",
	})
}

// ReloadPolicies reloads the tenant's policies from the store into the
// escalation engine. Enables hot-reloading without server restart.
func (h *Handler) ReloadPolicies(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	count, err := h.policies.Reload(ctx, tenantID)
	if err != nil {
		slog.Error("failed to reload policies", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to reload policies",
		})
		return
	}

	slog.Info("policies reloaded", "tenant_id", tenantID, "count", count)
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "policies reloaded successfully",
		"count":   count,
	})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
