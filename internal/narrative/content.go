package narrative

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/TobiSchelling/nour/internal/rules"
	"github.com/TobiSchelling/nour/internal/signal"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// Content is the title, summary and actions of a pattern narrative.
type Content struct {
	Title   string
	Summary string
	Actions []string
}

// ContentFunc renders pattern content from the top signal's payload and score.
type ContentFunc func(payload signal.Payload, score float64) Content

// dollars formats a whole-dollar amount with English digit grouping, e.g. 5000 -> "$5,000".
func dollars(amount float64) string {
	return message.NewPrinter(language.English).Sprintf("$%.0f", amount)
}

var patternContent = map[signal.Kind]ContentFunc{
	signal.KindPipelineVelocityDelta: velocityContent,
	signal.KindLateInvoiceRisk:       lateInvoiceContent,
	signal.KindStalledDealMotif:      stalledDealContent,
	signal.KindSupportChurnFlag:      churnContent,
}

// PatternContent renders the pattern narrative for kind, falling back to a
// generic alert for kinds without their own wording.
func PatternContent(kind signal.Kind, payload signal.Payload, score float64) Content {
	if fn, ok := patternContent[kind]; ok {
		return fn(payload, score)
	}
	return fallbackContent(kind, score)
}

func velocityContent(p signal.Payload, _ float64) Content {
	delta := p.Float("delta", 0)
	if delta > 0 {
		return Content{
			Title:   "Pipeline Velocity Improving",
			Summary: "Sales pipeline velocity has improved by " + percent(delta) + " compared to the previous period.",
			Actions: []string{
				"Continue current sales practices",
				"Share best practices with team",
				"Monitor for sustained improvement",
			},
		}
	}
	return Content{
		Title:   "Pipeline Velocity Declining",
		Summary: "Sales pipeline velocity has declined by " + percent(math.Abs(delta)) + " compared to the previous period.",
		Actions: []string{
			"Review sales process bottlenecks",
			"Analyze deal stage progression",
			"Implement velocity improvement initiatives",
		},
	}
}

func lateInvoiceContent(p signal.Payload, _ float64) Content {
	return Content{
		Title: "High Late Invoice Risk",
		Summary: percent(p.Float("late_percentage", 0)) + " of invoices are late, representing " +
			dollars(p.Float("late_amount", 0)) + " in overdue payments.",
		Actions: []string{
			"Implement stricter payment terms",
			"Automate payment reminders",
			"Review credit policies for high-risk customers",
		},
	}
}

func stalledDealContent(p signal.Payload, _ float64) Content {
	count := any(0)
	if v, ok := p["stalled_deals"]; ok {
		count = v
	}
	return Content{
		Title: "Deals Stalled in Pipeline",
		Summary: rules.FormatValue(count) + " deals are stalled with an average stall duration of " +
			fmt.Sprintf("%.0f", p.Float("avg_stall_duration", 0)) + " days.",
		Actions: []string{
			"Review stalled deal strategies",
			"Implement deal acceleration programs",
			"Provide additional sales support resources",
		},
	}
}

func churnContent(p signal.Payload, _ float64) Content {
	return Content{
		Title:   "Customer Support Churn Risk",
		Summary: "Customer support metrics indicate a churn risk score of " + percent(p.Float("churn_score", 0)) + ".",
		Actions: []string{
			"Review support ticket resolution times",
			"Implement customer satisfaction surveys",
			"Develop proactive customer success programs",
		},
	}
}

func fallbackContent(kind signal.Kind, score float64) Content {
	return Content{
		Title:   cases.Title(language.English).String(strings.ReplaceAll(string(kind), "_", " ")) + " Alert",
		Summary: fmt.Sprintf("Signal %s has been triggered with a score of %.2f.", kind, score),
		Actions: []string{
			"Review signal details",
			"Investigate root causes",
			"Develop mitigation strategies",
		},
	}
}

// percent formats a ratio with one decimal, e.g. 0.253 -> "25.3%".
func percent(ratio float64) string {
	return strconv.FormatFloat(ratio*100, 'f', 1, 64) + "%"
}
