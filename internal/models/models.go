// Package models holds the shared data types that flow between the store,
// the source adapters and the worker pipeline.
package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Run statuses persisted to worker_runs.
const (
	RunStatusRunning = "running"
	RunStatusSuccess = "success"
	RunStatusFailed  = "failed"
)

// Alert delivery statuses. Sent and dead_letter are terminal.
const (
	AlertStatusPending    = "pending"
	AlertStatusFailed     = "failed"
	AlertStatusSent       = "sent"
	AlertStatusDeadLetter = "dead_letter"
)

// AlertChannelSlack is the only delivery channel currently supported. It is
// passed explicitly on enqueue so the insert matches the
// (user_id, mention_id, keyword_id, channel) uniqueness constraint.
const AlertChannelSlack = "slack"

// SourceTask is one due (keyword, source) pair selected for polling.
type SourceTask struct {
	KeywordID     uuid.UUID  `db:"keyword_id"`
	UserID        uuid.UUID  `db:"user_id"`
	BrandID       *uuid.UUID `db:"brand_id"`
	Query         string     `db:"query"`
	Source        string     `db:"source"`
	LastCheckedAt *time.Time `db:"last_checked_at"`
}

// MentionCandidate is a single externally observed item returned by a source
// adapter. Platform and ExternalID together identify the item globally;
// repeated polls returning the same logical item must produce the same pair.
type MentionCandidate struct {
	Platform    string
	ExternalID  string
	URL         string
	Title       string
	BodyExcerpt string
	Author      string
	Community   string
	PublishedAt time.Time
	RawPayload  json.RawMessage
}

// PendingAlert is an alert delivery due for an attempt, hydrated with the
// profile webhook, the keyword and the mention it refers to.
type PendingAlert struct {
	AlertID    int64
	RetryCount int
	UserID     uuid.UUID
	KeywordID  uuid.UUID
	WebhookURL string
	Query      string
	BrandName  string
	Mention    MentionCandidate
}
