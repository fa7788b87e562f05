// Package pipeline wires signal computation, rule evaluation and narrative
// synthesis over the SQLite store.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/TobiSchelling/nour/internal/config"
	"github.com/TobiSchelling/nour/internal/database"
	"github.com/TobiSchelling/nour/internal/llm"
	"github.com/TobiSchelling/nour/internal/metrics"
	"github.com/TobiSchelling/nour/internal/narrative"
	"github.com/TobiSchelling/nour/internal/rules"
	"github.com/TobiSchelling/nour/internal/signal"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// ErrNoInputData is returned when there are no signals or no enabled rules to
// work from.
var ErrNoInputData = eris.New("no input data")

// Step names.
const (
	StepCompute    = "Compute"
	StepStore      = "Store"
	StepSynthesize = "Synthesize"
)

// StepResult holds the result of a single pipeline step.
type StepResult struct {
	Name    string
	Summary string
	Err     error
}

// Result holds the results of a full pipeline run.
type Result struct {
	OrgID     int64
	Period    signal.Period
	Steps     []StepResult
	Signals   []signal.Signal
	Synthesis *narrative.Result
}

// Err returns the first failed step's error.
func (r *Result) Err() error {
	for _, s := range r.Steps {
		if s.Err != nil {
			return eris.Wrapf(s.Err, "pipeline: %s", s.Name)
		}
	}
	return nil
}

// Pipeline orchestrates compute, store and synthesize for one organization.
type Pipeline struct {
	cfg      *config.Config
	db       *database.DB
	metrics  *metrics.Registry
	computer *signal.Computer
	engine   *rules.Engine
	synth    *narrative.Synthesizer
	now      func() time.Time
}

// Option configures a Pipeline.
type Option func(*options)

type options struct {
	provider llm.Provider
	now      func() time.Time
}

// WithProvider polishes pattern narratives with p.
func WithProvider(p llm.Provider) Option {
	return func(o *options) { o.provider = p }
}

func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// New creates a new pipeline.
func New(cfg *config.Config, db *database.DB, opts ...Option) *Pipeline {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	m := metrics.New()
	registry := signal.DefaultRegistry(signal.InactivityStall{After: cfg.Signals.StallAfterDays})
	engine := rules.NewEngine(m)

	synthOpts := []narrative.Option{narrative.WithMetrics(m), narrative.WithClock(o.now)}
	if o.provider != nil {
		synthOpts = append(synthOpts, narrative.WithPolisher(o.provider, cfg.LLM.MaxTokens))
	}

	computer := signal.NewComputer(registry,
		signal.WithParallel(cfg.Signals.Parallel),
		signal.WithMetrics(m),
		signal.WithClock(o.now),
	)

	return &Pipeline{
		cfg:      cfg,
		db:       db,
		metrics:  m,
		computer: computer,
		engine:   engine,
		synth:    narrative.NewSynthesizer(db, engine, synthOpts...),
		now:      o.now,
	}
}

// Metrics returns the registry the pipeline records into.
func (p *Pipeline) Metrics() *metrics.Registry {
	return p.metrics
}

// Kinds lists the signal kinds the pipeline computes.
func (p *Pipeline) Kinds() []signal.Kind {
	return p.computer.Registry().Kinds()
}

// DefaultPeriod returns the configured window ending now.
func (p *Pipeline) DefaultPeriod() (time.Time, time.Time) {
	end := p.now().UTC()
	return end.AddDate(0, 0, -p.cfg.Signals.PeriodDays), end
}

// Run computes signals for the period from stored records, stores them and
// synthesizes narratives from them and the organization's enabled rules.
func (p *Pipeline) Run(ctx context.Context, orgID int64, start, end time.Time) *Result {
	r := &Result{OrgID: orgID}
	defer p.flushMetrics()

	period, err := signal.NewPeriod(start, end)
	if err != nil {
		r.Steps = append(r.Steps, StepResult{Name: StepCompute, Err: err})
		return r
	}
	r.Period = period

	zap.L().Info("step 1/3: computing signals", zap.Int64("org_id", orgID))
	step := p.timed(StepCompute, func() StepResult { return p.runCompute(ctx, r) })
	r.Steps = append(r.Steps, step)
	if step.Err != nil {
		return r
	}

	zap.L().Info("step 2/3: storing signals", zap.Int("signals", len(r.Signals)))
	step = p.timed(StepStore, func() StepResult { return p.runStore(ctx, r) })
	r.Steps = append(r.Steps, step)
	if step.Err != nil {
		return r
	}

	zap.L().Info("step 3/3: synthesizing narratives")
	step = p.timed(StepSynthesize, func() StepResult { return p.runSynthesize(ctx, r) })
	r.Steps = append(r.Steps, step)

	return r
}

// DryRun shows what Run would do without writing anything.
func (p *Pipeline) DryRun(ctx context.Context, orgID int64, start, end time.Time) *Result {
	r := &Result{OrgID: orgID}

	period, err := signal.NewPeriod(start, end)
	if err != nil {
		r.Steps = append(r.Steps, StepResult{Name: StepCompute, Err: err})
		return r
	}
	r.Period = period

	step := p.runCompute(ctx, r)
	step.Summary = "[dry-run] " + step.Summary
	r.Steps = append(r.Steps, step)
	if step.Err != nil {
		return r
	}

	r.Steps = append(r.Steps, StepResult{
		Name:    StepStore,
		Summary: fmt.Sprintf("[dry-run] Would store %d signals", len(r.Signals)),
	})

	rs, err := p.db.ListRules(ctx, orgID, database.RuleFilter{EnabledOnly: true})
	if err != nil {
		r.Steps = append(r.Steps, StepResult{Name: StepSynthesize, Err: err})
		return r
	}
	drafts, results := p.synth.Plan(orgID, r.Signals, rs)
	var byRule, byPattern int
	for _, d := range drafts {
		if d.Path == narrative.PathRule {
			byRule++
		} else {
			byPattern++
		}
	}
	r.Steps = append(r.Steps, StepResult{
		Name: StepSynthesize,
		Summary: fmt.Sprintf("[dry-run] Would create %d narratives (%d of %d rules triggered, %d patterns)",
			len(drafts), byRule, len(results), byPattern),
	})
	return r
}

// ComputeSignals computes and stores signals for the period.
func (p *Pipeline) ComputeSignals(ctx context.Context, orgID int64, start, end time.Time) ([]signal.Signal, error) {
	signals, err := p.computer.ComputeFromSource(ctx, p.db, orgID, start, end)
	if err != nil {
		return nil, err
	}
	for i := range signals {
		if err := p.db.UpsertSignal(ctx, &signals[i]); err != nil {
			return nil, err
		}
	}
	return signals, nil
}

// EvaluateRules evaluates the organization's enabled rules against its recent
// signals without writing narratives.
func (p *Pipeline) EvaluateRules(ctx context.Context, orgID int64) ([]rules.Result, error) {
	rs, err := p.enabledRules(ctx, orgID)
	if err != nil {
		return nil, err
	}
	signals, err := p.recentSignals(ctx, orgID)
	if err != nil {
		return nil, err
	}
	return p.engine.EvaluateAll(rs, signals), nil
}

// AutoGenerate synthesizes narratives from the organization's recent signals
// and enabled rules. It returns ErrNoInputData when either is missing.
func (p *Pipeline) AutoGenerate(ctx context.Context, orgID int64) (*narrative.Result, error) {
	defer p.flushMetrics()

	signals, err := p.recentSignals(ctx, orgID)
	if err != nil {
		return nil, err
	}
	if len(signals) == 0 {
		return nil, eris.Wrapf(ErrNoInputData, "pipeline: no signals in the last %d days", p.cfg.Narratives.RecentSignalDays)
	}
	rs, err := p.enabledRules(ctx, orgID)
	if err != nil {
		return nil, err
	}

	start := p.now()
	res, err := p.synth.Synthesize(ctx, orgID, signals, rs)
	p.metrics.Step(StepSynthesize, p.now().Sub(start), err)
	return res, err
}

func (p *Pipeline) runCompute(ctx context.Context, r *Result) StepResult {
	signals, err := p.computer.ComputeFromSource(ctx, p.db, r.OrgID, r.Period.Start, r.Period.End)
	if err != nil {
		return StepResult{Name: StepCompute, Err: err}
	}
	r.Signals = signals

	notable := 0
	for _, s := range signals {
		if s.Notable() {
			notable++
		}
	}
	return StepResult{
		Name:    StepCompute,
		Summary: fmt.Sprintf("Computed %d of %d signal kinds, %d above threshold", len(signals), len(p.Kinds()), notable),
	}
}

func (p *Pipeline) runStore(ctx context.Context, r *Result) StepResult {
	for i := range r.Signals {
		if err := p.db.UpsertSignal(ctx, &r.Signals[i]); err != nil {
			return StepResult{Name: StepStore, Err: err}
		}
	}
	return StepResult{
		Name:    StepStore,
		Summary: fmt.Sprintf("Stored %d signals", len(r.Signals)),
	}
}

func (p *Pipeline) runSynthesize(ctx context.Context, r *Result) StepResult {
	rs, err := p.db.ListRules(ctx, r.OrgID, database.RuleFilter{EnabledOnly: true})
	if err != nil {
		return StepResult{Name: StepSynthesize, Err: err}
	}
	res, err := p.synth.Synthesize(ctx, r.OrgID, r.Signals, rs)
	r.Synthesis = res
	if err != nil {
		return StepResult{Name: StepSynthesize, Err: err}
	}
	return StepResult{
		Name: StepSynthesize,
		Summary: fmt.Sprintf("Created %d narratives (%d of %d rules triggered, %d patterns, %d failed)",
			len(res.Narratives), res.RulesTriggered, res.RulesEvaluated, res.PatternNarratives, res.Errors),
	}
}

func (p *Pipeline) timed(name string, fn func() StepResult) StepResult {
	start := p.now()
	step := fn()
	p.metrics.Step(name, p.now().Sub(start), step.Err)
	return step
}

func (p *Pipeline) enabledRules(ctx context.Context, orgID int64) ([]*rules.Rule, error) {
	rs, err := p.db.ListRules(ctx, orgID, database.RuleFilter{EnabledOnly: true})
	if err != nil {
		return nil, err
	}
	if len(rs) == 0 {
		return nil, eris.Wrap(ErrNoInputData, "pipeline: no enabled rules")
	}
	return rs, nil
}

func (p *Pipeline) recentSignals(ctx context.Context, orgID int64) ([]signal.Signal, error) {
	since := p.now().AddDate(0, 0, -p.cfg.Narratives.RecentSignalDays)
	return p.db.ListSignals(ctx, orgID, database.SignalFilter{Since: since})
}

func (p *Pipeline) flushMetrics() {
	if err := p.metrics.WriteTextfile(p.cfg.Metrics.Textfile); err != nil {
		zap.L().Warn("failed to write metrics textfile", zap.String("path", p.cfg.Metrics.Textfile), zap.Error(err))
	}
}
