package models

import (
	"time"
)

type AlertLevel string

const (
	AlertLevelInfo     AlertLevel = "info"
	AlertLevelWarning  AlertLevel = "warning"
	AlertLevelCritical AlertLevel = "critical"
)

func (l AlertLevel) Valid() bool {
	switch l {
	case AlertLevelInfo, AlertLevelWarning, AlertLevelCritical:
		return true
	}
	return false
}

type AlertStatus string

const (
	AlertStatusFiring   AlertStatus = "firing"
	AlertStatusResolved AlertStatus = "resolved"
)

// AlertInstance tracks one rule firing for one series. It exists from the
// moment the rule's condition has held for the sustain duration until the
// condition stops holding.
type AlertInstance struct {
	Rule         string            `json:"rule"`
	SeriesKey    string            `json:"series"`
	Labels       map[string]string `json:"labels,omitempty"`
	Level        AlertLevel        `json:"severity"`
	Receiver     string            `json:"receiver"`
	Status       AlertStatus       `json:"status"`
	Value        float64           `json:"value"`
	Condition    string            `json:"condition"`
	FirstFired   time.Time         `json:"first_fired"`
	LastNotified time.Time         `json:"last_notified"`
	ResolvedAt   time.Time         `json:"resolved_at,omitempty"`
}

// Notification is one batched message for a single receiver.
type Notification struct {
	Receiver string          `json:"receiver"`
	Alerts   []AlertInstance `json:"alerts"`
	SentAt   time.Time       `json:"sent_at"`
}

func (n Notification) Firing() []AlertInstance {
	return n.filter(AlertStatusFiring)
}

func (n Notification) Resolved() []AlertInstance {
	return n.filter(AlertStatusResolved)
}

// HighestLevel returns the most severe level among firing alerts, or info.
func (n Notification) HighestLevel() AlertLevel {
	level := AlertLevelInfo
	for _, a := range n.Firing() {
		switch a.Level {
		case AlertLevelCritical:
			return AlertLevelCritical
		case AlertLevelWarning:
			level = AlertLevelWarning
		}
	}
	return level
}

func (n Notification) filter(status AlertStatus) []AlertInstance {
	var out []AlertInstance
	for _, a := range n.Alerts {
		if a.Status == status {
			out = append(out, a)
		}
	}
	return out
}
