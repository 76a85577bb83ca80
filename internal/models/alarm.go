package models

import (
	"encoding/json"
	"time"
)

// EventStatus is the lifecycle status carried by an AlarmEvent.
type EventStatus string

const (
	StatusFiring   EventStatus = "firing"
	StatusResolved EventStatus = "resolved"
)

// AlarmRule is a persisted alarm definition. The expression is kept as raw
// JSON in the store and parsed into an AST by the rule engine on load.
type AlarmRule struct {
	ID          string          `json:"id"`
	AlertName   string          `json:"alert_name"`
	Expression  json.RawMessage `json:"expression"`
	ForDuration string          `json:"for_duration"`
	Severity    string          `json:"severity"`
	Summary     string          `json:"summary"`
	Description string          `json:"description"`
	AlertType   string          `json:"alert_type"`
	Enabled     bool            `json:"enabled"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// AlarmEvent is the envelope emitted by the rule engine and the liveness
// monitor, persisted by the event store and pushed to WebSocket clients.
// EndsAt is set exactly when Status is resolved.
type AlarmEvent struct {
	Fingerprint  string            `json:"fingerprint"`
	Status       EventStatus       `json:"status"`
	Labels       map[string]string `json:"labels"`
	Annotations  map[string]string `json:"annotations"`
	StartsAt     time.Time         `json:"starts_at"`
	EndsAt       *time.Time        `json:"ends_at,omitempty"`
	GeneratorURL string            `json:"generator_url,omitempty"`
}

// Clone returns a deep copy of the event so it can be handed across
// goroutines without sharing the label maps.
func (e *AlarmEvent) Clone() *AlarmEvent {
	if e == nil {
		return nil
	}
	clone := *e
	if e.EndsAt != nil {
		t := *e.EndsAt
		clone.EndsAt = &t
	}
	clone.Labels = cloneStringMap(e.Labels)
	clone.Annotations = cloneStringMap(e.Annotations)
	return &clone
}

func cloneStringMap(src map[string]string) map[string]string {
	if src == nil {
		return nil
	}
	dst := make(map[string]string, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

// PersistedAlarmEvent is an AlarmEvent row as stored in the relational
// backend. Labels and annotations are stored as JSON text columns.
type PersistedAlarmEvent struct {
	ID           int64             `json:"id"`
	Fingerprint  string            `json:"fingerprint"`
	Status       EventStatus       `json:"status"`
	Labels       map[string]string `json:"labels"`
	Annotations  map[string]string `json:"annotations"`
	StartsAt     time.Time         `json:"starts_at"`
	EndsAt       *time.Time        `json:"ends_at,omitempty"`
	GeneratorURL string            `json:"generator_url,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// AlarmState is the in-engine state of one alarm instance.
type AlarmState string

const (
	StateInactive AlarmState = "INACTIVE"
	StatePending  AlarmState = "PENDING"
	StateFiring   AlarmState = "FIRING"
	StateResolved AlarmState = "RESOLVED"
)

// AlarmInstance is the transient per-fingerprint record kept by the rule
// engine between evaluation ticks.
type AlarmInstance struct {
	Fingerprint    string            `json:"fingerprint"`
	AlertName      string            `json:"alert_name"`
	State          AlarmState        `json:"state"`
	StateChangedAt time.Time         `json:"state_changed_at"`
	PendingStartAt time.Time         `json:"pending_start_at"`
	Labels         map[string]string `json:"labels"`
	Annotations    map[string]string `json:"annotations"`
	Value          float64           `json:"value"`
}

// Clone returns a copy safe to expose outside the engine's lock.
func (a *AlarmInstance) Clone() *AlarmInstance {
	if a == nil {
		return nil
	}
	clone := *a
	clone.Labels = cloneStringMap(a.Labels)
	clone.Annotations = cloneStringMap(a.Annotations)
	return &clone
}
