package serving

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/ensemble"
	"github.com/opensource-finance/kestrel/internal/policy"
	"github.com/opensource-finance/kestrel/internal/risk"
)

const engineVersion = "1.0.0"

// velocityWindow is the rolling window for per-source signup counters.
const velocityWindow = time.Hour

// localPartPattern accepts the unquoted RFC 5321 local-part alphabet.
var localPartPattern = regexp.MustCompile("^[a-z0-9!#$%&'*+/=?^_`{|}~.-]+$")

const maxLocalPartLen = 64

// Scorer is the full request scoring path. It is stateless per request and
// safe for concurrent use; all mutable state lives behind the model cache's
// snapshot swap.
type Scorer struct {
	cfg      domain.ScoringConfig
	models   *ModelCache
	policies *policy.Engine
	agg      *risk.Aggregator
	cache    domain.Cache
	logger   *slog.Logger
	tracer   trace.Tracer
}

// NewScorer wires a scorer. policies and cache may be nil; policy floors and
// velocity counting are then skipped.
func NewScorer(cfg domain.ScoringConfig, models *ModelCache, policies *policy.Engine, cache domain.Cache, logger *slog.Logger) *Scorer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scorer{
		cfg:      cfg,
		models:   models,
		policies: policies,
		agg:      risk.NewAggregator(cfg),
		cache:    cache,
		logger:   logger,
		tracer:   otel.Tracer("kestrel-serving"),
	}
}

// Score evaluates one request end to end and returns the decision. The only
// error paths are infrastructure failures; a candidate that cannot be scored
// by models still gets a decision via short-circuit or degraded handling.
func (s *Scorer) Score(ctx context.Context, req *domain.ScoreRequest) (*domain.Decision, error) {
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "scorer.score")
	defer span.End()

	tenantID := req.TenantID
	if tenantID == "" {
		tenantID = "default"
	}

	d := &domain.Decision{
		ID:        uuid.New().String(),
		TenantID:  tenantID,
		Timestamp: start.UTC(),
		Metadata: domain.DecisionMetadata{
			EngineVersion: engineVersion,
		},
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		d.Metadata.TraceID = sc.TraceID().String()
	}

	d.Metadata.SourceCount = s.countSource(ctx, tenantID, req.SourceID)

	// Hard blockers resolve before any model work.
	candidate, ok := parseCandidate(req.Email)
	if !ok {
		s.apply(d, s.agg.ShortCircuitOutcome(s.cfg.InvalidFormatPenalty, domain.ReasonInvalidFormat))
		return s.done(d, start), nil
	}
	d.Candidate = candidate

	if req.Domain.Disposable {
		s.apply(d, s.agg.ShortCircuitOutcome(s.cfg.DisposableDomainPenalty, domain.ReasonDisposableDomain))
		return s.done(d, start), nil
	}

	var result *ensemble.Result
	snapshot := s.models.Current(tenantID)
	if snapshot != nil {
		scoreStart := time.Now()
		r := snapshot.Scorer.Score(candidate)
		d.Metadata.ScoreMs = time.Since(scoreStart).Milliseconds()
		d.ModelVersion = snapshot.Version
		result = &r
	} else {
		d.Metadata.Degraded = true
	}

	var floors []risk.Floor
	if s.policies != nil {
		floors = s.policies.Floors(policy.EvaluateInput{
			TenantID:    tenantID,
			Candidate:   candidate,
			Ensemble:    result,
			Domain:      req.Domain,
			Patterns:    req.Patterns,
			SourceCount: d.Metadata.SourceCount,
		})
	}

	outcome := s.agg.Aggregate(risk.Input{
		Ensemble: result,
		Patterns: req.Patterns,
		Domain:   req.Domain,
		Floors:   floors,
		Degraded: snapshot == nil,
	})
	s.apply(d, outcome)

	if result != nil {
		d.EnsembleReason = result.ReasonCode
		d.Orders = result.Orders
	}

	s.logger.Debug("candidate scored",
		"tenant_id", tenantID,
		"decision_id", d.ID,
		"outcome", d.Outcome,
		"reason", d.ReasonCode,
		"final_risk", d.FinalRisk)

	return s.done(d, start), nil
}

func (s *Scorer) apply(d *domain.Decision, out risk.Outcome) {
	d.ClassificationRisk = out.ClassificationRisk
	d.AbnormalityRisk = out.AbnormalityRisk
	d.DomainRisk = out.DomainRisk
	d.FinalRisk = out.FinalRisk
	d.OODZone = out.OODZone
	d.Outcome = out.Outcome
	d.ReasonCode = out.ReasonCode
}

func (s *Scorer) done(d *domain.Decision, start time.Time) *domain.Decision {
	d.Metadata.TotalMs = time.Since(start).Milliseconds()
	return d
}

// countSource bumps the rolling per-source signup counter. Counter failures
// are logged and ignored; velocity is advisory, not load-bearing.
func (s *Scorer) countSource(ctx context.Context, tenantID, sourceID string) int64 {
	if s.cache == nil || sourceID == "" {
		return 0
	}
	count, err := s.cache.IncrementCounter(ctx, tenantID, "source:"+sourceID, velocityWindow)
	if err != nil {
		s.logger.Warn("failed to increment source counter",
			"tenant_id", tenantID,
			"source_id", sourceID,
			"error", err)
		return 0
	}
	return count
}

// parseCandidate extracts and validates the local-part to score. Accepts a
// full address or a bare local-part; the local-part is lowercased. Returns
// false for empty, over-long, multi-@ or out-of-alphabet input.
func parseCandidate(email string) (string, bool) {
	s := strings.TrimSpace(strings.ToLower(email))
	if s == "" {
		return "", false
	}
	if at := strings.IndexByte(s, '@'); at >= 0 {
		local, rest := s[:at], s[at+1:]
		if local == "" || rest == "" || strings.ContainsRune(rest, '@') {
			return "", false
		}
		s = local
	}
	if len(s) > maxLocalPartLen {
		return "", false
	}
	if strings.HasPrefix(s, ".") || strings.HasSuffix(s, ".") || strings.Contains(s, "..") {
		return "", false
	}
	if !localPartPattern.MatchString(s) {
		return "", false
	}
	return s, true
}
