package signal

import (
	"context"
	"fmt"
	"time"

	"github.com/TobiSchelling/nour/internal/metrics"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Computer turns records for a window into scored signals.
type Computer struct {
	registry *Registry
	parallel bool
	metrics  *metrics.Registry
	now      func() time.Time
}

// Option configures a Computer.
type Option func(*Computer)

// WithParallel computes kinds concurrently when enabled.
func WithParallel(enabled bool) Option {
	return func(c *Computer) { c.parallel = enabled }
}

// WithMetrics records per-kind outcomes.
func WithMetrics(m *metrics.Registry) Option {
	return func(c *Computer) { c.metrics = m }
}

// WithClock overrides the wall clock used for "now" checks and CreatedAt.
func WithClock(now func() time.Time) Option {
	return func(c *Computer) { c.now = now }
}

// NewComputer creates a Computer over the given registry.
func NewComputer(registry *Registry, opts ...Option) *Computer {
	if registry == nil {
		registry = DefaultRegistry(nil)
	}
	c := &Computer{registry: registry, parallel: true, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Registry returns the formula registry the computer dispatches to.
func (c *Computer) Registry() *Registry {
	return c.registry
}

// Compute evaluates every registered kind over caller-supplied records.
// Each formula receives all records of its domain. A failing kind is logged
// and omitted; only an invalid period fails the call.
func (c *Computer) Compute(ctx context.Context, orgID int64, start, end time.Time, records Records) ([]Signal, error) {
	period, err := NewPeriod(start, end)
	if err != nil {
		return nil, err
	}
	return c.run(ctx, orgID, period, func(f Formula) ([]Record, error) {
		return records[f.Domain()], nil
	})
}

// ComputeFromSource fetches each formula's window from src and computes all
// kinds. Records are fetched once per (domain, window).
func (c *Computer) ComputeFromSource(ctx context.Context, src Source, orgID int64, start, end time.Time) ([]Signal, error) {
	period, err := NewPeriod(start, end)
	if err != nil {
		return nil, err
	}

	type fetchKey struct {
		domain Domain
		window Period
	}
	type fetched struct {
		records []Record
		err     error
	}
	cache := make(map[fetchKey]fetched)
	for _, f := range c.registry.Formulas() {
		key := fetchKey{f.Domain(), f.Window(period)}
		if _, ok := cache[key]; ok {
			continue
		}
		recs, err := src.FetchRecords(ctx, orgID, key.domain, key.window)
		if err != nil {
			err = eris.Wrapf(err, "signal: fetch %s records", key.domain)
		}
		cache[key] = fetched{records: recs, err: err}
	}

	return c.run(ctx, orgID, period, func(f Formula) ([]Record, error) {
		got := cache[fetchKey{f.Domain(), f.Window(period)}]
		return got.records, got.err
	})
}

func (c *Computer) run(ctx context.Context, orgID int64, period Period, input func(Formula) ([]Record, error)) ([]Signal, error) {
	formulas := c.registry.Formulas()
	results := make([]*Signal, len(formulas))
	now := c.now()

	g, gctx := errgroup.WithContext(ctx)
	if !c.parallel {
		g.SetLimit(1)
	}

	for i, f := range formulas {
		i, f := i, f
		g.Go(func() error {
			log := zap.L().With(
				zap.Int64("org_id", orgID),
				zap.String("kind", string(f.Kind())),
			)
			if err := gctx.Err(); err != nil {
				return err
			}

			recs, err := input(f)
			if err == nil {
				results[i], err = c.computeOne(f, orgID, period, recs, now)
			}
			switch {
			case err != nil:
				c.metrics.Signal(string(f.Kind()), "failed")
				log.Warn("signal computation failed", zap.Error(err))
			case results[i] == nil:
				c.metrics.Signal(string(f.Kind()), "empty")
				log.Debug("no records for signal", zap.Int("records", len(recs)))
			default:
				c.metrics.Signal(string(f.Kind()), "created")
				log.Debug("signal computed", zap.Float64("score", results[i].Score))
			}
			return nil // a failed kind must not abort its siblings
		})
	}

	if err := g.Wait(); err != nil {
		return nil, eris.Wrap(err, "signal: compute")
	}

	signals := make([]Signal, 0, len(results))
	for _, s := range results {
		if s != nil {
			signals = append(signals, *s)
		}
	}
	return signals, nil
}

func (c *Computer) computeOne(f Formula, orgID int64, period Period, recs []Record, now time.Time) (sig *Signal, err error) {
	defer func() {
		if r := recover(); r != nil {
			sig, err = nil, eris.New(fmt.Sprintf("signal: %s formula panicked: %v", f.Kind(), r))
		}
	}()

	out, err := f.Compute(Input{OrgID: orgID, Period: period, Records: recs, Now: now})
	if err != nil {
		return nil, eris.Wrapf(err, "signal: compute %s", f.Kind())
	}
	if out == nil {
		return nil, nil
	}
	return &Signal{
		OrgID:     orgID,
		Kind:      f.Kind(),
		Period:    period,
		Payload:   out.Payload,
		Score:     out.Score,
		Threshold: out.Threshold,
		CreatedAt: now,
	}, nil
}
