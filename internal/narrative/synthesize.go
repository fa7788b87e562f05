package narrative

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/TobiSchelling/nour/internal/llm"
	"github.com/TobiSchelling/nour/internal/metrics"
	"github.com/TobiSchelling/nour/internal/rules"
	"github.com/TobiSchelling/nour/internal/signal"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const polishPrompt = `You are editing a short business alert for an operations dashboard.

Title: %s
Draft summary: %s
Supporting figures (JSON): %s

Rewrite the summary as one or two plain sentences for a busy manager. Keep every number exactly as given. Do not add facts.

Respond with ONLY this JSON:
{"summary": "..."}`

// Generation paths.
const (
	PathRule    = "rule"
	PathPattern = "pattern"
)

// Store persists narratives. SaveNarrative sets n.ID.
type Store interface {
	SaveNarrative(ctx context.Context, n *Narrative) error
}

// Result holds the outcome of a synthesis run.
type Result struct {
	RunID             string
	Narratives        []*Narrative
	RulesEvaluated    int
	RulesTriggered    int
	PatternNarratives int
	Polished          int
	Errors            int
}

// Synthesizer produces narratives from rules and signal patterns.
type Synthesizer struct {
	store     Store
	engine    *rules.Engine
	polisher  llm.Provider
	maxTokens int
	metrics   *metrics.Registry
	now       func() time.Time
}

// Option configures a Synthesizer.
type Option func(*Synthesizer)

// WithPolisher rewrites pattern summaries with p. Failures keep the template text.
func WithPolisher(p llm.Provider, maxTokens int) Option {
	return func(s *Synthesizer) {
		s.polisher = p
		s.maxTokens = maxTokens
	}
}

func WithMetrics(m *metrics.Registry) Option {
	return func(s *Synthesizer) { s.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(s *Synthesizer) { s.now = now }
}

// NewSynthesizer creates a Synthesizer. store may be nil when only Plan is used.
func NewSynthesizer(store Store, engine *rules.Engine, opts ...Option) *Synthesizer {
	if engine == nil {
		engine = rules.NewEngine(nil)
	}
	s := &Synthesizer{store: store, engine: engine, maxTokens: 300, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Draft is an unsaved narrative tagged with the path that produced it.
type Draft struct {
	Path      string
	Narrative *Narrative
	// Rule is set on rule drafts.
	Rule *rules.Result
}

// Plan evaluates rules and signal patterns for one organization and returns
// unsaved narratives: rule drafts first, in rule order, then pattern drafts in
// first-seen kind order. Signals and rules of other organizations are ignored.
func (s *Synthesizer) Plan(orgID int64, signals []signal.Signal, rs []*rules.Rule) ([]Draft, []rules.Result) {
	signals = signalsFor(orgID, signals)
	rs = rulesFor(orgID, rs)
	now := s.now().UTC()

	results := s.engine.EvaluateAll(rs, signals)

	var drafts []Draft
	for i := range results {
		res := &results[i]
		if !res.Triggered || res.Narrative == nil {
			continue
		}
		drafts = append(drafts, Draft{
			Path: PathRule,
			Rule: res,
			Narrative: &Narrative{
				OrgID:       orgID,
				Title:       res.Narrative.Title,
				Summary:     res.Narrative.Summary,
				Evidence:    res.Narrative.Evidence,
				Actions:     res.Narrative.Actions,
				GeneratedAt: now,
				Author:      AuthorAI,
				Status:      StatusActive,
			},
		})
	}

	for _, n := range PatternNarratives(signals) {
		n.OrgID = orgID
		n.GeneratedAt = now
		drafts = append(drafts, Draft{Path: PathPattern, Narrative: n})
	}
	return drafts, results
}

// Synthesize runs both generation paths and persists every narrative.
// A narrative that fails to save is logged and counted; the run continues.
func (s *Synthesizer) Synthesize(ctx context.Context, orgID int64, signals []signal.Signal, rs []*rules.Rule) (*Result, error) {
	drafts, results := s.Plan(orgID, signals, rs)

	r := &Result{RunID: uuid.NewString(), RulesEvaluated: len(results)}
	log := zap.L().With(zap.Int64("org_id", orgID), zap.String("run_id", r.RunID))

	for _, d := range drafts {
		if err := ctx.Err(); err != nil {
			return r, err
		}
		n := d.Narrative
		n.RunID = r.RunID

		if d.Path == PathPattern && s.polish(ctx, n) {
			r.Polished++
		}

		if err := s.store.SaveNarrative(ctx, n); err != nil {
			r.Errors++
			s.metrics.Narrative(d.Path, "failed")
			log.Warn("failed to save narrative", zap.String("path", d.Path), zap.String("title", n.Title), zap.Error(err))
			continue
		}
		s.metrics.Narrative(d.Path, "saved")

		if d.Path == PathRule {
			r.RulesTriggered++
		} else {
			r.PatternNarratives++
		}
		r.Narratives = append(r.Narratives, n)
	}

	log.Info("synthesis complete",
		zap.Int("rules_evaluated", r.RulesEvaluated),
		zap.Int("rules_triggered", r.RulesTriggered),
		zap.Int("pattern_narratives", r.PatternNarratives),
		zap.Int("errors", r.Errors),
	)
	return r, nil
}

// PatternNarratives builds one narrative per signal kind that has at least one
// signal above its threshold, from the highest-scoring such signal.
func PatternNarratives(signals []signal.Signal) []*Narrative {
	var order []signal.Kind
	groups := make(map[signal.Kind][]signal.Signal)
	for _, sig := range signals {
		if _, seen := groups[sig.Kind]; !seen {
			order = append(order, sig.Kind)
		}
		groups[sig.Kind] = append(groups[sig.Kind], sig)
	}

	var out []*Narrative
	for _, kind := range order {
		var hot []signal.Signal
		for _, sig := range groups[kind] {
			if sig.Notable() {
				hot = append(hot, sig)
			}
		}
		if len(hot) == 0 {
			continue
		}

		top := hot[0]
		for _, sig := range hot[1:] {
			if sig.Score > top.Score {
				top = sig
			}
		}

		content := PatternContent(kind, top.Payload, top.Score)
		out = append(out, &Narrative{
			Title:   content.Title,
			Summary: content.Summary,
			Evidence: map[string]any{
				"signal_type":   string(kind),
				"signal_score":  top.Score,
				"signal_data":   map[string]any(top.Payload),
				"signals_count": len(hot),
			},
			Actions: content.Actions,
			Author:  AuthorAI,
			Status:  StatusActive,
		})
	}
	return out
}

// polish rewrites n.Summary with the language model. It reports whether the
// summary changed.
func (s *Synthesizer) polish(ctx context.Context, n *Narrative) bool {
	if s.polisher == nil {
		return false
	}
	figures, err := json.Marshal(n.Evidence["signal_data"])
	if err != nil {
		return false
	}

	prompt := fmt.Sprintf(polishPrompt, n.Title, n.Summary, figures)
	text, err := s.polisher.Generate(ctx, prompt, s.maxTokens)
	if err != nil {
		zap.L().Warn("summary polish failed", zap.String("title", n.Title), zap.Error(err))
		return false
	}
	parsed, err := llm.ParseJSON(text)
	if err != nil {
		zap.L().Warn("summary polish unreadable", zap.String("title", n.Title), zap.Error(err))
		return false
	}
	summary, _ := parsed["summary"].(string)
	summary = strings.TrimSpace(summary)
	if summary == "" {
		return false
	}
	n.Summary = summary
	return true
}

func signalsFor(orgID int64, signals []signal.Signal) []signal.Signal {
	out := make([]signal.Signal, 0, len(signals))
	for _, sig := range signals {
		if sig.OrgID != orgID {
			zap.L().Warn("ignoring signal from another organization",
				zap.Int64("org_id", orgID), zap.Int64("signal_org_id", sig.OrgID))
			continue
		}
		out = append(out, sig)
	}
	return out
}

func rulesFor(orgID int64, rs []*rules.Rule) []*rules.Rule {
	out := make([]*rules.Rule, 0, len(rs))
	for _, r := range rs {
		if r != nil && r.OrgID != orgID {
			zap.L().Warn("ignoring rule from another organization",
				zap.Int64("org_id", orgID), zap.Int64("rule_id", r.ID))
			continue
		}
		out = append(out, r)
	}
	return out
}
