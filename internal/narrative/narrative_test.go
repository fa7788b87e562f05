package narrative

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/TobiSchelling/nour/internal/metrics"
	"github.com/TobiSchelling/nour/internal/rules"
	"github.com/TobiSchelling/nour/internal/signal"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestMain(m *testing.M) {
	zap.ReplaceGlobals(zap.NewNop())
	m.Run()
}

var testNow = time.Date(2024, 6, 30, 12, 0, 0, 0, time.UTC)

type fakeStore struct {
	saved  []*Narrative
	failOn string
	nextID int64
}

func (f *fakeStore) SaveNarrative(_ context.Context, n *Narrative) error {
	if f.failOn != "" && n.Title == f.failOn {
		return errors.New("disk full")
	}
	f.nextID++
	n.ID = f.nextID
	f.saved = append(f.saved, n)
	return nil
}

type mockProvider struct {
	response string
	err      error
	prompts  []string
}

func (m *mockProvider) Generate(_ context.Context, prompt string, _ int) (string, error) {
	m.prompts = append(m.prompts, prompt)
	return m.response, m.err
}

func (m *mockProvider) IsConfigured(context.Context) bool { return true }

func lateInvoiceSignal(orgID int64) signal.Signal {
	return signal.Signal{
		OrgID: orgID,
		Kind:  signal.KindLateInvoiceRisk,
		Payload: signal.Payload{
			"total_invoices":  4,
			"late_invoices":   1,
			"late_percentage": 0.25,
			"late_amount":     5000.0,
			"risk_score":      0.325,
		},
		Score:     0.325,
		Threshold: 0.3,
	}
}

func lateInvoiceRule(t *testing.T, orgID int64) *rules.Rule {
	t.Helper()
	def, err := rules.ParseDefinition(map[string]any{
		"name": "Late invoices",
		"when": map[string]any{
			"signal": "late_invoice_risk",
			"where":  map[string]any{"late_percentage": map[string]any{"gte": 0.2}},
		},
		"then": map[string]any{
			"name":               "Collections risk",
			"narrative_template": "{late_invoice_risk_late_invoices} invoice(s) overdue, rule {rule_name}",
			"actions":            []any{"Call the account"},
			"severity":           "high",
		},
	})
	require.NoError(t, err)
	return &rules.Rule{ID: 1, OrgID: orgID, Name: "Late invoices", Category: "finance", Enabled: true, Definition: def}
}

func newTestSynthesizer(store Store, opts ...Option) *Synthesizer {
	opts = append([]Option{WithClock(func() time.Time { return testNow })}, opts...)
	return NewSynthesizer(store, rules.NewEngine(nil), opts...)
}

func TestSynthesizeBothPaths(t *testing.T) {
	store := &fakeStore{}
	m := metrics.New()
	s := newTestSynthesizer(store, WithMetrics(m))

	res, err := s.Synthesize(context.Background(), 1,
		[]signal.Signal{lateInvoiceSignal(1)}, []*rules.Rule{lateInvoiceRule(t, 1)})
	require.NoError(t, err)

	assert.NotEmpty(t, res.RunID)
	assert.Equal(t, 1, res.RulesEvaluated)
	assert.Equal(t, 1, res.RulesTriggered)
	assert.Equal(t, 1, res.PatternNarratives)
	assert.Zero(t, res.Errors)
	require.Len(t, store.saved, 2)

	ruleN := store.saved[0]
	assert.Equal(t, "Collections risk", ruleN.Title)
	assert.Equal(t, "1 invoice(s) overdue, rule Late invoices", ruleN.Summary)
	assert.Equal(t, []string{"Call the account"}, ruleN.Actions)
	assert.Equal(t, AuthorAI, ruleN.Author)
	assert.Equal(t, StatusActive, ruleN.Status)
	assert.Equal(t, testNow, ruleN.GeneratedAt)
	assert.Equal(t, res.RunID, ruleN.RunID)

	patternN := store.saved[1]
	assert.Equal(t, "High Late Invoice Risk", patternN.Title)
	assert.Equal(t, "25.0% of invoices are late, representing $5,000 in overdue payments.", patternN.Summary)
	assert.Equal(t, "late_invoice_risk", patternN.Evidence["signal_type"])
	assert.Equal(t, 0.325, patternN.Evidence["signal_score"])
	assert.Equal(t, 1, patternN.Evidence["signals_count"])
	assert.Equal(t, int64(1), patternN.OrgID)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.NarrativesCreated.WithLabelValues(PathRule, "saved")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.NarrativesCreated.WithLabelValues(PathPattern, "saved")))
}

func TestSynthesizeSaveFailureIsCounted(t *testing.T) {
	store := &fakeStore{failOn: "Collections risk"}
	s := newTestSynthesizer(store)

	res, err := s.Synthesize(context.Background(), 1,
		[]signal.Signal{lateInvoiceSignal(1)}, []*rules.Rule{lateInvoiceRule(t, 1)})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Errors)
	assert.Equal(t, 0, res.RulesTriggered)
	assert.Equal(t, 1, res.PatternNarratives)
	assert.Len(t, store.saved, 1)
}

func TestSynthesizeIgnoresOtherOrganizations(t *testing.T) {
	store := &fakeStore{}
	s := newTestSynthesizer(store)

	res, err := s.Synthesize(context.Background(), 1,
		[]signal.Signal{lateInvoiceSignal(2)}, []*rules.Rule{lateInvoiceRule(t, 2)})
	require.NoError(t, err)
	assert.Zero(t, res.RulesEvaluated)
	assert.Empty(t, store.saved)
}

func TestSynthesizeCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newTestSynthesizer(&fakeStore{}).Synthesize(ctx, 1, []signal.Signal{lateInvoiceSignal(1)}, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPatternNarrativesPicksTopHotSignal(t *testing.T) {
	signals := []signal.Signal{
		{Kind: signal.KindSupportChurnFlag, Score: 0.4, Threshold: 0.5, Payload: signal.Payload{"churn_score": 0.4}},
		{Kind: signal.KindSupportChurnFlag, Score: 0.7, Threshold: 0.5, Payload: signal.Payload{"churn_score": 0.7}},
		{Kind: signal.KindSupportChurnFlag, Score: 0.9, Threshold: 0.5, Payload: signal.Payload{"churn_score": 0.9}},
		{Kind: signal.KindSupportChurnFlag, Score: 0.9, Threshold: 0.5, Payload: signal.Payload{"churn_score": 0.91}},
		{Kind: signal.KindStalledDealMotif, Score: 0.1, Threshold: 0.4},
	}
	out := PatternNarratives(signals)
	require.Len(t, out, 1)

	n := out[0]
	assert.Equal(t, "Customer Support Churn Risk", n.Title)
	assert.Equal(t, "Customer support metrics indicate a churn risk score of 90.0%.", n.Summary)
	assert.Equal(t, 3, n.Evidence["signals_count"])
	assert.Equal(t, 0.9, n.Evidence["signal_score"])
}

func TestPatternNarrativeAtThresholdDoesNotFire(t *testing.T) {
	out := PatternNarratives([]signal.Signal{{Kind: signal.KindSupportChurnFlag, Score: 0.5, Threshold: 0.5}})
	assert.Empty(t, out)
}

func TestPatternContent(t *testing.T) {
	tests := []struct {
		name    string
		kind    signal.Kind
		payload signal.Payload
		score   float64
		title   string
		summary string
		action  string
	}{
		{
			"velocity up", signal.KindPipelineVelocityDelta, signal.Payload{"delta": 0.153}, 0.153,
			"Pipeline Velocity Improving",
			"Sales pipeline velocity has improved by 15.3% compared to the previous period.",
			"Continue current sales practices",
		},
		{
			"velocity down", signal.KindPipelineVelocityDelta, signal.Payload{"delta": -0.2}, -0.2,
			"Pipeline Velocity Declining",
			"Sales pipeline velocity has declined by 20.0% compared to the previous period.",
			"Review sales process bottlenecks",
		},
		{
			"velocity up without grouping", signal.KindPipelineVelocityDelta, signal.Payload{"delta": 15.0}, 1,
			"Pipeline Velocity Improving",
			"Sales pipeline velocity has improved by 1500.0% compared to the previous period.",
			"Monitor for sustained improvement",
		},
		{
			"stalled", signal.KindStalledDealMotif, signal.Payload{"stalled_deals": 3, "avg_stall_duration": 41.6}, 0.6,
			"Deals Stalled in Pipeline",
			"3 deals are stalled with an average stall duration of 42 days.",
			"Review stalled deal strategies",
		},
		{
			"long stall without grouping", signal.KindStalledDealMotif, signal.Payload{"stalled_deals": 1, "avg_stall_duration": 1200.0}, 0.9,
			"Deals Stalled in Pipeline",
			"1 deals are stalled with an average stall duration of 1200 days.",
			"Review stalled deal strategies",
		},
		{
			"late invoices grouped", signal.KindLateInvoiceRisk, signal.Payload{"late_percentage": 0.5, "late_amount": 1234567.4}, 0.8,
			"High Late Invoice Risk",
			"50.0% of invoices are late, representing $1,234,567 in overdue payments.",
			"Automate payment reminders",
		},
		{
			"fallback", signal.Kind("market_headwind"), signal.Payload{}, 0.456,
			"Market Headwind Alert",
			"Signal market_headwind has been triggered with a score of 0.46.",
			"Investigate root causes",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c := PatternContent(tc.kind, tc.payload, tc.score)
			assert.Equal(t, tc.title, c.Title)
			assert.Equal(t, tc.summary, c.Summary)
			assert.Contains(t, c.Actions, tc.action)
			assert.Len(t, c.Actions, 3)
		})
	}
}

func TestPolishPatternSummary(t *testing.T) {
	store := &fakeStore{}
	p := &mockProvider{response: "```json\n{\"summary\": \"A quarter of invoices are overdue ($5,000).\"}\n```"}
	s := newTestSynthesizer(store, WithPolisher(p, 100))

	res, err := s.Synthesize(context.Background(), 1,
		[]signal.Signal{lateInvoiceSignal(1)}, []*rules.Rule{lateInvoiceRule(t, 1)})
	require.NoError(t, err)

	assert.Equal(t, 1, res.Polished)
	require.Len(t, p.prompts, 1)
	assert.Contains(t, p.prompts[0], "High Late Invoice Risk")
	assert.Contains(t, p.prompts[0], `"late_amount":5000`)
	assert.Equal(t, "A quarter of invoices are overdue ($5,000).", store.saved[1].Summary)
	// Rule narratives are never rewritten.
	assert.Equal(t, "1 invoice(s) overdue, rule Late invoices", store.saved[0].Summary)
}

func TestPolishFailureKeepsTemplate(t *testing.T) {
	for name, p := range map[string]*mockProvider{
		"error":      {err: errors.New("timeout")},
		"not json":   {response: "sure, here you go"},
		"no summary": {response: `{"text": "x"}`},
	} {
		t.Run(name, func(t *testing.T) {
			store := &fakeStore{}
			s := newTestSynthesizer(store, WithPolisher(p, 100))
			res, err := s.Synthesize(context.Background(), 1, []signal.Signal{lateInvoiceSignal(1)}, nil)
			require.NoError(t, err)
			assert.Zero(t, res.Polished)
			require.Len(t, store.saved, 1)
			assert.True(t, strings.HasPrefix(store.saved[0].Summary, "25.0% of invoices are late"))
		})
	}
}

func TestConfidence(t *testing.T) {
	tests := []struct {
		name     string
		evidence map[string]any
		want     float64
	}{
		{"empty", map[string]any{}, 0.5},
		{"nil", nil, 0.5},
		{"score only", map[string]any{"signal_score": 0.9}, 0.9},
		{"count capped", map[string]any{"signals_count": 12}, 1},
		{
			"all factors",
			map[string]any{
				"signal_score":  0.6,
				"signals_count": 2,
				"signal_data":   map[string]any{"a": 1, "b": 2, "c": 3, "d": 4, "e": 5},
			},
			(0.6 + 0.4 + 0.5) / 3,
		},
		{"rule evidence", map[string]any{"rule_name": "x", "severity": "high"}, 0.5},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.InDelta(t, tc.want, Confidence(tc.evidence), 1e-9)
		})
	}
}

func TestPriority(t *testing.T) {
	assert.Equal(t, PriorityHigh, Priority(map[string]any{"signal_score": 0.81}))
	assert.Equal(t, PriorityMedium, Priority(map[string]any{"signal_score": 0.8}))
	assert.Equal(t, PriorityMedium, Priority(map[string]any{"signal_score": 0.51}))
	assert.Equal(t, PriorityLow, Priority(map[string]any{"signal_score": 0.5}))

	// Without a signal score the priority is low no matter what else is there.
	assert.Equal(t, PriorityLow, Priority(map[string]any{
		"signals_count": 50,
		"signal_data":   map[string]any{"churn_score": 0.99},
		"severity":      "critical",
	}))
}

func TestNewInsight(t *testing.T) {
	n := &Narrative{Title: "x", Evidence: map[string]any{"signal_score": 0.9, "signals_count": 5}}
	in := NewInsight(n)
	assert.Equal(t, PriorityHigh, in.Priority)
	assert.InDelta(t, 0.95, in.Confidence, 1e-9)
	assert.Equal(t, "x", in.Title)
}

func testNarrative() *Narrative {
	return &Narrative{
		ID:          3,
		Title:       "High Late Invoice Risk",
		Summary:     "25.0% of invoices are late.",
		Evidence:    map[string]any{"signal_score": 0.325},
		Actions:     []string{"Automate payment reminders", "Review credit policies"},
		GeneratedAt: testNow,
		Author:      AuthorAI,
		Status:      StatusActive,
	}
}

func TestExportMarkdown(t *testing.T) {
	out, err := Export(testNarrative(), "markdown")
	require.NoError(t, err)

	want := "# High Late Invoice Risk\n\n" +
		"## Summary\n25.0% of invoices are late.\n\n" +
		"## Evidence\n```json\n{\n  \"signal_score\": 0.325\n}\n```\n\n" +
		"## Actions\n- Automate payment reminders\n- Review credit policies\n\n" +
		"---\nGenerated on: 2024-06-30T12:00:00Z\nAuthor: ai\n"
	assert.Equal(t, want, string(out))
}

func TestExportJSON(t *testing.T) {
	out, err := Export(testNarrative(), "json")
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(out, &got))
	assert.Equal(t, "High Late Invoice Risk", got["title"])
	assert.Equal(t, "2024-06-30T12:00:00Z", got["generated_at"])
	assert.Equal(t, "ai", got["author"])
	assert.Equal(t, []any{"Automate payment reminders", "Review credit policies"}, got["actions"])
	assert.Equal(t, map[string]any{"signal_score": 0.325}, got["evidence"])
}

func TestExportHTML(t *testing.T) {
	out, err := Export(testNarrative(), "html")
	require.NoError(t, err)
	assert.Contains(t, string(out), "<h1>High Late Invoice Risk</h1>")
	assert.Contains(t, string(out), "<li>Automate payment reminders</li>")
}

func TestExportUnsupported(t *testing.T) {
	_, err := Export(testNarrative(), "pdf")
	assert.ErrorIs(t, err, ErrUnsupportedExportFormat)
}

func TestParseStatus(t *testing.T) {
	st, err := ParseStatus(" Archived ")
	require.NoError(t, err)
	assert.Equal(t, StatusArchived, st)

	_, err = ParseStatus("deleted")
	assert.ErrorIs(t, err, ErrInvalidStatus)

	assert.True(t, CanTransition(StatusActive, StatusDismissed))
	assert.True(t, CanTransition(StatusArchived, StatusActive))
	assert.False(t, CanTransition(StatusActive, StatusActive))
}

func TestNewAnalystNarrative(t *testing.T) {
	n, err := NewAnalystNarrative(4, "  Q3 outlook ", "Steady", nil, nil, testNow)
	require.NoError(t, err)
	assert.Equal(t, "Q3 outlook", n.Title)
	assert.Equal(t, AuthorAnalyst, n.Author)
	assert.Equal(t, StatusActive, n.Status)
	assert.NotNil(t, n.Evidence)

	_, err = NewAnalystNarrative(4, " ", "", nil, nil, testNow)
	assert.Error(t, err)
}
