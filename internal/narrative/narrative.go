// Package narrative synthesizes, scores and exports narrative insights.
package narrative

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// ErrInvalidStatus is returned for an unknown status or a disallowed transition.
var ErrInvalidStatus = eris.New("invalid narrative status")

// Status is a narrative's lifecycle state.
type Status string

const (
	StatusActive    Status = "active"
	StatusArchived  Status = "archived"
	StatusDismissed Status = "dismissed"
)

// Authors.
const (
	AuthorAI      = "ai"
	AuthorAnalyst = "analyst"
)

// Narrative is a persisted insight with its supporting evidence.
type Narrative struct {
	ID          int64
	OrgID       int64
	Title       string
	Summary     string
	Evidence    map[string]any
	Actions     []string
	GeneratedAt time.Time
	Author      string
	Status      Status
	// RunID groups narratives produced by one synthesis run. Empty for
	// analyst-authored narratives.
	RunID string
}

// ParseStatus validates a status name.
func ParseStatus(s string) (Status, error) {
	switch st := Status(strings.ToLower(strings.TrimSpace(s))); st {
	case StatusActive, StatusArchived, StatusDismissed:
		return st, nil
	}
	return "", eris.Wrapf(ErrInvalidStatus, "narrative: %q", s)
}

// CanTransition reports whether a narrative may move from one status to another.
// Archived and dismissed narratives may be reactivated; nothing moves to its
// own status.
func CanTransition(from, to Status) bool {
	if from == to {
		return false
	}
	switch to {
	case StatusActive, StatusArchived, StatusDismissed:
		return true
	}
	return false
}

// NewAnalystNarrative builds an analyst-authored narrative.
func NewAnalystNarrative(orgID int64, title, summary string, evidence map[string]any, actions []string, now time.Time) (*Narrative, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, eris.New("narrative: title is required")
	}
	if evidence == nil {
		evidence = map[string]any{}
	}
	if actions == nil {
		actions = []string{}
	}
	return &Narrative{
		OrgID:       orgID,
		Title:       title,
		Summary:     summary,
		Evidence:    evidence,
		Actions:     actions,
		GeneratedAt: now,
		Author:      AuthorAnalyst,
		Status:      StatusActive,
	}, nil
}
