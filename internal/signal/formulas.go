package signal

import (
	"math"
	"time"

	"github.com/rotisserie/eris"
)

// VelocityFormula compares mean days-to-close between the period and the
// equal-length period before it.
type VelocityFormula struct{}

func (VelocityFormula) Kind() Kind     { return KindPipelineVelocityDelta }
func (VelocityFormula) Domain() Domain { return DomainDeals }

// Window extends the period backwards to cover the comparison period.
func (VelocityFormula) Window(p Period) Period {
	return Period{Start: p.Previous().Start, End: p.End}
}

// Compute only emits a signal when deals were open during the period itself;
// deals seen only in the comparison period do not count.
func (VelocityFormula) Compute(in Input) (*Output, error) {
	var inPeriod []Record
	for _, d := range in.Records {
		if dealOpenDuring(d, in.Period) {
			inPeriod = append(inPeriod, d)
		}
	}
	if len(inPeriod) == 0 {
		return nil, nil
	}

	current := dealVelocity(in.Records, in.Period)
	previous := dealVelocity(in.Records, in.Period.Previous())

	delta := 0.0
	if previous > 0 {
		delta = (current - previous) / previous
	}

	return &Output{
		Payload: Payload{
			"current_velocity":  current,
			"previous_velocity": previous,
			"delta":             delta,
			"deals_count":       len(inPeriod),
		},
		Score:     clamp(delta, -1, 1),
		Threshold: 0.1,
	}, nil
}

// dealOpenDuring reports whether a deal was created before p ends and not
// closed before p starts.
func dealOpenDuring(d Record, p Period) bool {
	created, ok := d.Time("created_at")
	if !ok || !created.Before(p.End) {
		return false
	}
	closed, ok := d.Time("closed_at")
	return !ok || !closed.Before(p.Start)
}

// dealVelocity is the mean days from creation to close for deals closed inside p.
func dealVelocity(deals []Record, p Period) float64 {
	var total float64
	var n int
	for _, d := range deals {
		closed, ok := d.Time("closed_at")
		if !ok || !p.Contains(closed) {
			continue
		}
		created, ok := d.Time("created_at")
		if !ok || closed.Before(created) {
			continue
		}
		total += days(closed.Sub(created))
		n++
	}
	if n == 0 {
		return 0
	}
	return total / float64(n)
}

// LateInvoiceFormula scores the share and value of overdue invoices.
//
// An invoice is late when its due date is before the wall-clock time of the
// computation, not the period end.
type LateInvoiceFormula struct{}

func (LateInvoiceFormula) Kind() Kind             { return KindLateInvoiceRisk }
func (LateInvoiceFormula) Domain() Domain         { return DomainInvoices }
func (LateInvoiceFormula) Window(p Period) Period { return p }

func (LateInvoiceFormula) Compute(in Input) (*Output, error) {
	if len(in.Records) == 0 {
		return nil, nil
	}

	var late int
	var lateAmount float64
	for i, inv := range in.Records {
		if !invoiceLate(inv, in.Now) {
			continue
		}
		amount, err := inv.Amount("amount")
		if err != nil {
			return nil, eris.Wrapf(err, "invoice %d", i)
		}
		late++
		lateAmount += amount
	}

	latePct := ratio(late, len(in.Records))
	score := clamp(0.7*latePct+0.3*math.Min(lateAmount/10000, 1), 0, 1)

	return &Output{
		Payload: Payload{
			"total_invoices":  len(in.Records),
			"late_invoices":   late,
			"late_percentage": latePct,
			"late_amount":     lateAmount,
			"risk_score":      score,
		},
		Score:     score,
		Threshold: 0.3,
	}, nil
}

func invoiceLate(inv Record, now time.Time) bool {
	due, ok := inv.Time("due_date")
	if !ok {
		due, ok = inv.Time("due_at")
	}
	return ok && due.Before(now)
}

// StallDetector decides whether a deal is stalled and for how many days.
type StallDetector interface {
	Stalled(deal Record, now time.Time) (stalled bool, days float64)
}

// DefaultStallDays is the inactivity after which an open deal counts as stalled.
const DefaultStallDays = 30

// InactivityStall treats an open deal as stalled once its last stage change
// (or its creation, when no change is recorded) is at least After days old.
type InactivityStall struct {
	After int
}

var closedStages = map[string]bool{"closed_won": true, "closed_lost": true, "won": true, "lost": true}

func (s InactivityStall) Stalled(deal Record, now time.Time) (bool, float64) {
	if _, closed := deal.Time("closed_at"); closed || closedStages[deal.String("stage")] {
		return false, 0
	}
	last, ok := deal.Time("stage_changed_at")
	if !ok {
		last, ok = deal.Time("created_at")
	}
	if !ok {
		return false, 0
	}
	after := s.After
	if after <= 0 {
		after = DefaultStallDays
	}
	idle := days(now.Sub(last))
	if idle < float64(after) {
		return false, 0
	}
	return true, idle
}

// StalledDealFormula scores the share of stalled deals and how long they have stalled.
type StalledDealFormula struct {
	Detector StallDetector
}

func (StalledDealFormula) Kind() Kind             { return KindStalledDealMotif }
func (StalledDealFormula) Domain() Domain         { return DomainDeals }
func (StalledDealFormula) Window(p Period) Period { return p }

func (f StalledDealFormula) Compute(in Input) (*Output, error) {
	if len(in.Records) == 0 {
		return nil, nil
	}
	detector := f.Detector
	if detector == nil {
		detector = InactivityStall{}
	}

	ids := []string{}
	var totalDays float64
	for _, deal := range in.Records {
		stalled, d := detector.Stalled(deal, in.Now)
		if !stalled {
			continue
		}
		id := deal.String("deal_id")
		if id == "" {
			id = "unknown"
		}
		ids = append(ids, id)
		totalDays += d
	}

	avg := 0.0
	if len(ids) > 0 {
		avg = totalDays / float64(len(ids))
	}
	stalledPct := ratio(len(ids), len(in.Records))

	return &Output{
		Payload: Payload{
			"total_deals":        len(in.Records),
			"stalled_deals":      len(ids),
			"stalled_percentage": stalledPct,
			"avg_stall_duration": avg,
			"stalled_deal_ids":   ids,
		},
		Score:     clamp(0.6*stalledPct+0.4*math.Min(avg/60, 1), 0, 1),
		Threshold: 0.4,
	}, nil
}

// SupportChurnFormula weighs severe tickets against unresolved ones.
type SupportChurnFormula struct{}

func (SupportChurnFormula) Kind() Kind             { return KindSupportChurnFlag }
func (SupportChurnFormula) Domain() Domain         { return DomainTickets }
func (SupportChurnFormula) Window(p Period) Period { return p }

func (SupportChurnFormula) Compute(in Input) (*Output, error) {
	if len(in.Records) == 0 {
		return nil, nil
	}

	var severe, unresolved int
	for _, t := range in.Records {
		switch t.String("severity") {
		case "high", "critical":
			severe++
		}
		switch t.String("status") {
		case "resolved", "closed":
		default:
			unresolved++
		}
	}

	severityRisk := ratio(severe, len(in.Records))
	resolutionRisk := ratio(unresolved, len(in.Records))
	score := 0.6*severityRisk + 0.4*resolutionRisk

	return &Output{
		Payload: Payload{
			"total_tickets":         len(in.Records),
			"high_severity_tickets": severe,
			"unresolved_tickets":    unresolved,
			"severity_risk":         severityRisk,
			"resolution_risk":       resolutionRisk,
			"churn_score":           score,
		},
		Score:     score,
		Threshold: 0.5,
	}, nil
}
