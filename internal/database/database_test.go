package database

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/TobiSchelling/nour/internal/narrative"
	"github.com/TobiSchelling/nour/internal/rules"
	"github.com/TobiSchelling/nour/internal/signal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestMain(m *testing.M) {
	zap.ReplaceGlobals(zap.NewNop())
	os.Exit(m.Run())
}

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err, "open test db")
	t.Cleanup(func() { db.Close() })
	return db
}

func day(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t
}

func testPeriod(t *testing.T) signal.Period {
	t.Helper()
	p, err := signal.NewPeriod(day("2025-01-01"), day("2025-02-01"))
	require.NoError(t, err)
	return p
}

func TestOpenCreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "nour.db")
	db, err := Open(path)
	require.NoError(t, err)
	defer db.Close()

	assert.Equal(t, path, db.Path())
	_, err = os.Stat(path)
	assert.NoError(t, err)
}

func TestInsertAndFetchRecords(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	n, err := db.InsertRecords(ctx, 1, signal.DomainDeals, []signal.Record{
		{"deal_id": "old-open", "created_at": "2024-06-01", "stage": "negotiation"},
		{"deal_id": "closed-before", "created_at": "2024-06-01", "closed_at": "2024-12-01"},
		{"deal_id": "in-window", "created_at": "2025-01-05", "closed_at": "2025-01-20"},
		{"deal_id": "after", "created_at": "2025-03-01"},
	})
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	_, err = db.InsertRecords(ctx, 2, signal.DomainDeals, []signal.Record{
		{"deal_id": "other-org", "created_at": "2025-01-05"},
	})
	require.NoError(t, err)

	recs, err := db.FetchRecords(ctx, 1, signal.DomainDeals, testPeriod(t))
	require.NoError(t, err)

	var ids []string
	for _, r := range recs {
		ids = append(ids, r.String("deal_id"))
	}
	assert.Equal(t, []string{"old-open", "in-window"}, ids)
}

func TestFetchRecordsEmpty(t *testing.T) {
	db := openTestDB(t)

	recs, err := db.FetchRecords(context.Background(), 1, signal.DomainTickets, testPeriod(t))
	require.NoError(t, err)
	assert.NotNil(t, recs)
	assert.Empty(t, recs)
}

func TestInsertRecordsRequiresStartTime(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	_, err := db.InsertRecords(ctx, 1, signal.DomainInvoices, []signal.Record{
		{"invoice_id": "a", "issued_at": "2025-01-02", "amount": 100},
		{"invoice_id": "b", "amount": 200},
	})
	require.Error(t, err)

	// The batch is rolled back.
	recs, err := db.FetchRecords(ctx, 1, signal.DomainInvoices, testPeriod(t))
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestInsertRecordsUnknownDomain(t *testing.T) {
	db := openTestDB(t)
	_, err := db.InsertRecords(context.Background(), 1, signal.Domain("leads"), []signal.Record{{"created_at": "2025-01-01"}})
	assert.Error(t, err)
}

func TestDeleteRecords(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	_, err := db.InsertRecords(ctx, 1, signal.DomainTickets, []signal.Record{
		{"ticket_id": "t1", "opened_at": "2025-01-03"},
		{"ticket_id": "t2", "created_at": "2025-01-04"},
	})
	require.NoError(t, err)

	n, err := db.DeleteRecords(ctx, 1, signal.DomainTickets)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
}

func TestUpsertSignalReplacesSamePeriod(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	p := testPeriod(t)

	first := &signal.Signal{
		OrgID: 1, Kind: signal.KindLateInvoiceRisk, Period: p,
		Payload: signal.Payload{"late_invoices": 1.0}, Score: 0.2, Threshold: 0.3,
		CreatedAt: day("2025-02-01"),
	}
	require.NoError(t, db.UpsertSignal(ctx, first))
	require.NotZero(t, first.ID)

	second := &signal.Signal{
		OrgID: 1, Kind: signal.KindLateInvoiceRisk, Period: p,
		Payload: signal.Payload{"late_invoices": 3.0}, Score: 0.6, Threshold: 0.3,
		CreatedAt: day("2025-02-02"),
	}
	require.NoError(t, db.UpsertSignal(ctx, second))
	assert.Equal(t, first.ID, second.ID)

	got, err := db.GetSignal(ctx, 1, first.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.InDelta(t, 0.6, got.Score, 1e-9)
	assert.Equal(t, 3.0, got.Payload["late_invoices"])
	assert.True(t, got.Period.Start.Equal(p.Start))
	assert.True(t, got.Period.End.Equal(p.End))

	all, err := db.ListSignals(ctx, 1, SignalFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestGetSignalMissing(t *testing.T) {
	db := openTestDB(t)
	got, err := db.GetSignal(context.Background(), 1, 42)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestListSignalsFilters(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	p := testPeriod(t)

	kinds := []signal.Kind{signal.KindLateInvoiceRisk, signal.KindSupportChurnFlag, signal.KindLateInvoiceRisk}
	for i, k := range kinds {
		period := p
		period.End = p.End.AddDate(0, 0, i)
		require.NoError(t, db.UpsertSignal(ctx, &signal.Signal{
			OrgID: 1, Kind: k, Period: period, Payload: signal.Payload{},
			CreatedAt: day("2025-02-01").AddDate(0, 0, i),
		}))
	}
	require.NoError(t, db.UpsertSignal(ctx, &signal.Signal{
		OrgID: 2, Kind: signal.KindLateInvoiceRisk, Period: p, Payload: signal.Payload{},
	}))

	late, err := db.ListSignals(ctx, 1, SignalFilter{Kind: signal.KindLateInvoiceRisk})
	require.NoError(t, err)
	require.Len(t, late, 2)
	assert.True(t, late[0].CreatedAt.After(late[1].CreatedAt), "newest first")

	recent, err := db.ListSignals(ctx, 1, SignalFilter{Since: day("2025-02-02")})
	require.NoError(t, err)
	assert.Len(t, recent, 2)

	page, err := db.ListSignals(ctx, 1, SignalFilter{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, signal.KindSupportChurnFlag, page[0].Kind)
}

func ruleFromYAML(t *testing.T, src string) *rules.Rule {
	t.Helper()
	docs, err := rules.ParseYAML(strings.NewReader(src))
	require.NoError(t, err)
	require.Len(t, docs, 1)
	return docs[0].Rule(1)
}

const lateRuleYAML = `
name: Late invoices
category: finance
priority: 3
when:
  signal: late_invoice_risk
  where:
    late_invoices: {gte: 2}
then:
  name: Cash at risk
  narrative_template: "{late_invoice_risk_late_invoices} invoices are late"
  actions: [Call customers]
`

func TestSaveAndListRules(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	late := ruleFromYAML(t, lateRuleYAML)
	require.NoError(t, db.SaveRule(ctx, late))
	require.NotZero(t, late.ID)

	quiet := ruleFromYAML(t, `
name: Churn watch
when: {}
then:
  narrative_template: churn
`)
	quiet.Enabled = false
	require.NoError(t, db.SaveRule(ctx, quiet))

	all, err := db.ListRules(ctx, 1, RuleFilter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "Late invoices", all[0].Name, "highest priority first")
	assert.Equal(t, "finance", all[0].Category)
	require.NotNil(t, all[0].Definition)
	assert.Equal(t, []string{"Call customers"}, all[0].Definition.Then.Actions)

	// The stored condition still evaluates after a JSON round trip.
	sig := signal.Signal{Kind: signal.KindLateInvoiceRisk, Payload: signal.Payload{"late_invoices": 2}}
	res, err := rules.NewEngine(nil).Evaluate(all[0], []signal.Signal{sig})
	require.NoError(t, err)
	assert.True(t, res.Triggered)

	enabled, err := db.ListRules(ctx, 1, RuleFilter{EnabledOnly: true})
	require.NoError(t, err)
	assert.Len(t, enabled, 1)

	finance, err := db.ListRules(ctx, 1, RuleFilter{Category: "finance"})
	require.NoError(t, err)
	assert.Len(t, finance, 1)
}

func TestSaveRuleUpsertsByName(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	first := ruleFromYAML(t, lateRuleYAML)
	require.NoError(t, db.SaveRule(ctx, first))

	second := ruleFromYAML(t, lateRuleYAML)
	second.Priority = 9
	require.NoError(t, db.SaveRule(ctx, second))
	assert.Equal(t, first.ID, second.ID)

	got, err := db.GetRule(ctx, 1, first.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 9, got.Priority)
}

func TestSaveRuleWithoutDefinition(t *testing.T) {
	db := openTestDB(t)
	err := db.SaveRule(context.Background(), &rules.Rule{OrgID: 1, Name: "empty"})
	assert.ErrorIs(t, err, rules.ErrInvalidRuleDefinition)
}

func TestListRulesKeepsUnparseableDefinition(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	r := ruleFromYAML(t, lateRuleYAML)
	require.NoError(t, db.SaveRule(ctx, r))
	_, err := db.conn.Exec(`UPDATE rules SET definition = '{"name": "broken"}' WHERE id = ?`, r.ID)
	require.NoError(t, err)

	all, err := db.ListRules(ctx, 1, RuleFilter{})
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Nil(t, all[0].Definition)
}

func TestSetRuleEnabled(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	r := ruleFromYAML(t, lateRuleYAML)
	require.NoError(t, db.SaveRule(ctx, r))

	require.NoError(t, db.SetRuleEnabled(ctx, 1, r.ID, false))
	got, err := db.GetRule(ctx, 1, r.ID)
	require.NoError(t, err)
	assert.False(t, got.Enabled)

	assert.ErrorIs(t, db.SetRuleEnabled(ctx, 1, 999, true), ErrNotFound)
	assert.ErrorIs(t, db.SetRuleEnabled(ctx, 2, r.ID, true), ErrNotFound, "other organizations cannot toggle")
}

func TestDeleteRule(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	r := ruleFromYAML(t, lateRuleYAML)
	require.NoError(t, db.SaveRule(ctx, r))
	require.NoError(t, db.DeleteRule(ctx, 1, r.ID))
	assert.ErrorIs(t, db.DeleteRule(ctx, 1, r.ID), ErrNotFound)
}

func TestSaveAndGetNarrative(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	n := &narrative.Narrative{
		OrgID:       1,
		Title:       "Invoice Payment Risk",
		Summary:     "3 invoices are overdue.",
		Evidence:    map[string]any{"signal_type": "late_invoice_risk", "signal_score": 0.5},
		Actions:     []string{"Call customers"},
		GeneratedAt: day("2025-02-01"),
		Author:      narrative.AuthorAI,
		RunID:       "run-1",
	}
	require.NoError(t, db.SaveNarrative(ctx, n))
	require.NotZero(t, n.ID)
	assert.Equal(t, narrative.StatusActive, n.Status)

	got, err := db.GetNarrative(ctx, 1, n.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, n.Title, got.Title)
	assert.Equal(t, n.Evidence, got.Evidence)
	assert.Equal(t, n.Actions, got.Actions)
	assert.Equal(t, "run-1", got.RunID)
	assert.True(t, got.GeneratedAt.Equal(n.GeneratedAt))

	other, err := db.GetNarrative(ctx, 2, n.ID)
	require.NoError(t, err)
	assert.Nil(t, other)
}

func TestSaveNarrativeRejectsUnknownAuthor(t *testing.T) {
	db := openTestDB(t)
	err := db.SaveNarrative(context.Background(), &narrative.Narrative{OrgID: 1, Title: "x", Author: "robot"})
	assert.Error(t, err)
}

func TestListNarrativesFilters(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	for i, author := range []string{narrative.AuthorAI, narrative.AuthorAI, narrative.AuthorAnalyst} {
		n := &narrative.Narrative{
			OrgID: 1, Title: "n", Author: author, GeneratedAt: day("2025-02-01").AddDate(0, 0, i),
		}
		if author == narrative.AuthorAI {
			n.RunID = "run-a"
		}
		require.NoError(t, db.SaveNarrative(ctx, n))
	}

	all, err := db.ListNarratives(ctx, 1, NarrativeFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, narrative.AuthorAnalyst, all[0].Author, "newest first")
	assert.Empty(t, all[0].RunID)
	assert.Equal(t, []string{}, all[0].Actions)

	byRun, err := db.ListNarratives(ctx, 1, NarrativeFilter{RunID: "run-a"})
	require.NoError(t, err)
	assert.Len(t, byRun, 2)

	analyst, err := db.ListNarratives(ctx, 1, NarrativeFilter{Author: narrative.AuthorAnalyst})
	require.NoError(t, err)
	assert.Len(t, analyst, 1)

	limited, err := db.ListNarratives(ctx, 1, NarrativeFilter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestUpdateNarrativeStatus(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	n := &narrative.Narrative{OrgID: 1, Title: "t", Author: narrative.AuthorAI}
	require.NoError(t, db.SaveNarrative(ctx, n))

	require.NoError(t, db.UpdateNarrativeStatus(ctx, 1, n.ID, narrative.StatusArchived))
	archived, err := db.ListNarratives(ctx, 1, NarrativeFilter{Status: narrative.StatusArchived})
	require.NoError(t, err)
	assert.Len(t, archived, 1)

	err = db.UpdateNarrativeStatus(ctx, 1, n.ID, narrative.StatusArchived)
	assert.ErrorIs(t, err, narrative.ErrInvalidStatus)

	err = db.UpdateNarrativeStatus(ctx, 1, 999, narrative.StatusDismissed)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestNarrativeStatusMoveFromStaleStatus(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	n := &narrative.Narrative{OrgID: 1, Title: "t", Author: narrative.AuthorAI}
	require.NoError(t, db.SaveNarrative(ctx, n))

	// Another writer archives it after we read "active".
	require.NoError(t, db.UpdateNarrativeStatus(ctx, 1, n.ID, narrative.StatusArchived))
	err := db.moveNarrativeStatus(ctx, 1, n.ID, narrative.StatusActive, narrative.StatusDismissed)
	assert.ErrorIs(t, err, narrative.ErrInvalidStatus)

	got, err := db.GetNarrative(ctx, 1, n.ID)
	require.NoError(t, err)
	assert.Equal(t, narrative.StatusArchived, got.Status)

	require.NoError(t, db.moveNarrativeStatus(ctx, 1, n.ID, narrative.StatusArchived, narrative.StatusActive))
}

func TestGetStats(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	_, err := db.InsertRecords(ctx, 1, signal.DomainDeals, []signal.Record{
		{"created_at": "2025-01-01"}, {"created_at": "2025-01-02"},
	})
	require.NoError(t, err)
	require.NoError(t, db.UpsertSignal(ctx, &signal.Signal{
		OrgID: 1, Kind: signal.KindStalledDealMotif, Period: testPeriod(t), Payload: signal.Payload{},
	}))
	r := ruleFromYAML(t, lateRuleYAML)
	require.NoError(t, db.SaveRule(ctx, r))
	require.NoError(t, db.SaveNarrative(ctx, &narrative.Narrative{OrgID: 1, Title: "t", Author: narrative.AuthorAI}))

	s, err := db.GetStats(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, s.Records["deals"])
	assert.Equal(t, 1, s.Signals)
	assert.Equal(t, 1, s.Rules)
	assert.Equal(t, 1, s.EnabledRules)
	assert.Equal(t, 1, s.Narratives["active"])
	assert.NotEmpty(t, s.LatestSignalAt)
	assert.NotEmpty(t, s.LatestNarrativeAt)

	empty, err := db.GetStats(ctx, 7)
	require.NoError(t, err)
	assert.Zero(t, empty.Signals)
	assert.Empty(t, empty.LatestSignalAt)
}
