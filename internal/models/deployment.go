package models

import (
	"time"

	"gorm.io/gorm"
)

type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

type PhaseStatus string

const (
	PhaseStatusSucceeded  PhaseStatus = "succeeded"
	PhaseStatusFailed     PhaseStatus = "failed"
	PhaseStatusRolledBack PhaseStatus = "rolled_back"
)

// DeploymentRun is the persisted audit record of one orchestrator run.
type DeploymentRun struct {
	gorm.Model
	RunID       string        `gorm:"uniqueIndex;not null" json:"run_id"`
	Plan        string        `gorm:"index;not null" json:"plan"`
	Holder      string        `json:"holder"`
	Status      RunStatus     `gorm:"not null" json:"status"`
	FailedPhase string        `json:"failed_phase,omitempty"`
	Output      string        `json:"output,omitempty"`
	StartedAt   time.Time     `json:"started_at"`
	FinishedAt  time.Time     `json:"finished_at"`
	Phases      []PhaseRecord `json:"phases"`
}

// PhaseRecord is the result of one phase inside a DeploymentRun.
type PhaseRecord struct {
	gorm.Model
	DeploymentRunID uint        `gorm:"index" json:"-"`
	Name            string      `json:"name"`
	Position        int         `json:"position"`
	Status          PhaseStatus `json:"status"`
	Output          string      `json:"output,omitempty"`
	DurationMillis  int64       `json:"duration_ms"`
}

// NotificationRecord logs one delivery attempt of a batched notification.
type NotificationRecord struct {
	gorm.Model
	Receiver string    `gorm:"index" json:"receiver"`
	Kind     string    `json:"kind"`
	Rules    string    `json:"rules"`
	Firing   int       `json:"firing"`
	Resolved int       `json:"resolved"`
	Status   string    `json:"status"`
	Error    string    `json:"error,omitempty"`
	SentAt   time.Time `json:"sent_at"`
}
