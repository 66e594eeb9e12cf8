package rollback

import (
	"time"

	"github.com/rafaeljc/bifrost/internal/ruleengine"
)

// TriggerManual is the trigger description of operator-initiated rollbacks.
const TriggerManual = "manual"

// Event is the immutable audit record of one applied rollback.
type Event struct {
	ID            string    `json:"id"`
	FlagID        string    `json:"flag_id"`
	Trigger       string    `json:"trigger"`
	Reason        string    `json:"reason"`
	Language      string    `json:"language,omitempty"`
	AffectedUsers int       `json:"affected_users"`
	Timestamp     time.Time `json:"timestamp"`
	Data          EventData `json:"data"`
	Automatic     bool      `json:"automatic"`
}

// EventData captures the flag state around the rollback.
type EventData struct {
	PreviousValue ruleengine.Value `json:"previous_value"`
	NewValue      ruleengine.Value `json:"new_value"`
	// MetricValue is the sample that breached the trigger; zero for manual rollbacks.
	MetricValue float64 `json:"metric_value"`
	// FlagVersion is the registry version produced by the rollback.
	FlagVersion int64 `json:"flag_version"`
	// Repeated marks a manual rollback of a scope that was already rolled back.
	// The flag was left unchanged.
	Repeated bool `json:"repeated,omitempty"`
}

// Scope returns "language" for language-scoped rollbacks and "global" otherwise.
func (e Event) Scope() string {
	if e.Language != "" {
		return "language"
	}
	return "global"
}

// Mode returns "automatic" or "manual".
func (e Event) Mode() string {
	if e.Automatic {
		return "automatic"
	}
	return "manual"
}
