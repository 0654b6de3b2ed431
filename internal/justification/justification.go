// Package justification produces the human-readable explanation attached
// to a risk assessment. Explanations are advisory: generating one never
// blocks a risk decision, and a failed generation leaves no trace.
package justification

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/mbd888/stepup/internal/logging"
	"github.com/mbd888/stepup/internal/metrics"
	"github.com/mbd888/stepup/internal/risk"
	"github.com/mbd888/stepup/internal/traces"
)

var (
	// ErrAssessmentNotFound is risk.ErrAssessmentNotFound, re-exported for handlers.
	ErrAssessmentNotFound = risk.ErrAssessmentNotFound
	// ErrUpstreamFailure means the generator is unavailable. Retryable.
	ErrUpstreamFailure = errors.New("justification generator unavailable")
)

// Generator writes an explanation for an assessment.
type Generator interface {
	Generate(ctx context.Context, a *risk.Assessment) (string, error)
}

// Service caches generated explanations on the assessment record.
type Service struct {
	store  risk.Store
	gen    Generator
	now    func() time.Time
	logger *slog.Logger
}

// NewService creates a justification service.
func NewService(store risk.Store, gen Generator) *Service {
	return &Service{store: store, gen: gen, now: time.Now, logger: slog.Default()}
}

// WithClock overrides the time source (tests).
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// WithLogger sets the logger.
func (s *Service) WithLogger(logger *slog.Logger) *Service {
	s.logger = logger
	return s
}

// Result is an explanation and whether it came from the record.
type Result struct {
	Justification string    `json:"justification"`
	GeneratedAt   time.Time `json:"generatedAt"`
	Cached        bool      `json:"cached"`
}

// GetOrGenerate returns the stored explanation, generating and storing one
// on first request. Concurrent first requests may both generate; each
// caller gets the text it produced and the last write wins.
func (s *Service) GetOrGenerate(ctx context.Context, assessmentID string) (*Result, error) {
	a, err := s.store.Get(ctx, assessmentID)
	if err != nil {
		return nil, err
	}
	if a.AIJustification != nil {
		metrics.JustificationsTotal.WithLabelValues("cached").Inc()
		res := &Result{Justification: *a.AIJustification, Cached: true}
		if a.JustificationGeneratedAt != nil {
			res.GeneratedAt = *a.JustificationGeneratedAt
		}
		return res, nil
	}
	return s.generate(ctx, a)
}

// Regenerate always produces a fresh explanation and overwrites the stored one.
func (s *Service) Regenerate(ctx context.Context, assessmentID string) (*Result, error) {
	a, err := s.store.Get(ctx, assessmentID)
	if err != nil {
		return nil, err
	}
	return s.generate(ctx, a)
}

func (s *Service) generate(ctx context.Context, a *risk.Assessment) (res *Result, err error) {
	ctx, span := traces.StartSpan(ctx, "justification.Generate",
		traces.AssessmentID(a.ID), traces.Decision(string(a.Decision)), traces.Score(a.RiskScore))
	defer func() { traces.End(span, err) }()

	text, err := s.gen.Generate(ctx, a)
	if err != nil {
		metrics.JustificationsTotal.WithLabelValues("upstream_error").Inc()
		logging.L(ctx).Warn("justification generation failed", "assessment_id", a.ID, "error", err)
		if errors.Is(err, ErrUpstreamFailure) {
			return nil, err
		}
		return nil, errors.Join(ErrUpstreamFailure, err)
	}

	at := s.now().UTC()
	if err := s.store.SetJustification(ctx, a.ID, text, at); err != nil {
		return nil, err
	}
	metrics.JustificationsTotal.WithLabelValues("generated").Inc()
	return &Result{Justification: text, GeneratedAt: at}, nil
}
