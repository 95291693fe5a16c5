package model

import "time"

// GenerationTask correlates a track with an opaque provider-side job.
type GenerationTask struct {
	ID             string      `json:"id" gorm:"primaryKey;size:36"`
	TrackID        string      `json:"trackId" gorm:"size:36;index;not null"`
	UserID         int64       `json:"userId" gorm:"not null;uniqueIndex:ux_user_idempotency,priority:1"`
	IdempotencyKey *string     `json:"idempotencyKey,omitempty" gorm:"size:64;uniqueIndex:ux_user_idempotency,priority:2"`
	Provider       string      `json:"provider" gorm:"size:32;not null"`
	ProviderTaskID string      `json:"providerTaskId" gorm:"size:128;index"`
	Status         TrackStatus `json:"status" gorm:"size:20;default:'pending';index"`
	AttemptCount   int         `json:"attemptCount" gorm:"default:0"`
	ResubmitCount  int         `json:"resubmitCount" gorm:"default:0"`
	LastStage      string      `json:"lastStage" gorm:"size:20"`
	FailReason     string      `json:"failReason,omitempty" gorm:"size:1024"`
	StartedAt      time.Time   `json:"startedAt"`
	HeartbeatAt    time.Time   `json:"heartbeatAt" gorm:"index"`
	FinishedAt     *time.Time  `json:"finishedAt,omitempty"`
	CreatedAt      time.Time   `json:"createdAt"`
	UpdatedAt      time.Time   `json:"updatedAt"`
}

// TableName 指定表名
func (GenerationTask) TableName() string {
	return "generation_tasks"
}

// Webhook delivery ledger states.
const (
	DeliveryStatusPending   = "pending"
	DeliveryStatusCompleted = "completed"
	DeliveryStatusFailed    = "failed"
)

// Webhook stages, in progress order. StageError is terminal.
const (
	StageText     = "text"
	StageFirst    = "first"
	StageComplete = "complete"
	StageError    = "error"
)

// StageRank orders the non-error stages so a later stage never regresses
// to an earlier one during a merge.
func StageRank(stage string) int {
	switch stage {
	case StageText:
		return 1
	case StageFirst:
		return 2
	case StageComplete:
		return 3
	default:
		return 0
	}
}

// WebhookDelivery is a durable idempotency record for one provider push.
// The first writer to insert the pending row owns processing; replays of
// the same delivery identity return the stored response.
type WebhookDelivery struct {
	ID         int64     `json:"id" gorm:"primaryKey;autoIncrement"`
	DeliveryID string    `json:"deliveryId" gorm:"size:191;not null;uniqueIndex"`
	Provider   string    `json:"provider" gorm:"size:32"`
	TaskID     string    `json:"taskId" gorm:"size:128;index"`
	TrackID    string    `json:"trackId" gorm:"size:36"`
	Stage      string    `json:"stage" gorm:"size:20"`
	Status     string    `json:"status" gorm:"size:20;default:'pending';index"`
	Response   JSONMap   `json:"response,omitempty" gorm:"type:json"`
	Error      string    `json:"error,omitempty" gorm:"size:1024"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// TableName 指定表名
func (WebhookDelivery) TableName() string {
	return "webhook_deliveries"
}
