package model

import (
	"encoding/json"
	"time"
)

// TrackStatus 曲目生成状态
type TrackStatus string

const (
	TrackStatusPending    TrackStatus = "pending"
	TrackStatusProcessing TrackStatus = "processing"
	TrackStatusCompleted  TrackStatus = "completed"
	TrackStatusFailed     TrackStatus = "failed"
)

// IsTerminal reports whether the status admits no further transition.
// Recovery sweep is the single exception: it may move failed back to
// processing within its resubmit budget.
func (s TrackStatus) IsTerminal() bool {
	return s == TrackStatusCompleted || s == TrackStatusFailed
}

// Track represents a logical song that accumulates generated renditions.
type Track struct {
	ID             string      `json:"id" gorm:"primaryKey;size:36"`
	UserID         int64       `json:"userId" gorm:"index;not null"`
	Title          string      `json:"title" gorm:"size:255"`
	Prompt         string      `json:"prompt" gorm:"type:text"`
	Lyrics         string      `json:"lyrics" gorm:"type:text"`
	StyleTags      string      `json:"styleTags" gorm:"size:512"`
	HasVocals      bool        `json:"hasVocals" gorm:"default:true"`
	Provider       string      `json:"provider" gorm:"size:32;index"`
	Status         TrackStatus `json:"status" gorm:"size:20;default:'pending';index"`
	AudioURL       string      `json:"audioUrl" gorm:"size:1024"`
	CoverURL       string      `json:"coverUrl" gorm:"size:1024"`
	VideoURL       string      `json:"videoUrl" gorm:"size:1024"`
	Duration       float64     `json:"duration"`
	IdempotencyKey string      `json:"idempotencyKey,omitempty" gorm:"size:64"`
	FailReason     string      `json:"failReason,omitempty" gorm:"size:1024"`
	Metadata       JSONMap     `json:"metadata,omitempty" gorm:"type:json"`
	CreatedAt      time.Time   `json:"createdAt"`
	UpdatedAt      time.Time   `json:"updatedAt"`
}

// TableName 指定表名
func (Track) TableName() string {
	return "tracks"
}

// LegacyClip is one clip descriptor from the pre-variant metadata format.
// Old tracks carry these inside metadata["clips"] instead of variant rows.
type LegacyClip struct {
	ID       string  `json:"id"`
	AudioURL string  `json:"audioUrl"`
	CoverURL string  `json:"coverUrl,omitempty"`
	VideoURL string  `json:"videoUrl,omitempty"`
	Duration float64 `json:"duration,omitempty"`
	Lyrics   string  `json:"lyrics,omitempty"`
	Title    string  `json:"title,omitempty"`
}

// LegacyClips decodes the embedded clip descriptor array, if any.
func (t *Track) LegacyClips() []LegacyClip {
	if t.Metadata == nil {
		return nil
	}
	raw, ok := t.Metadata["clips"]
	if !ok {
		return nil
	}
	// The metadata column round-trips through generic JSON, so the array
	// arrives as []interface{}; re-marshal to decode into the typed form.
	bytes, err := json.Marshal(raw)
	if err != nil {
		return nil
	}
	var clips []LegacyClip
	if err := json.Unmarshal(bytes, &clips); err != nil {
		return nil
	}
	return clips
}

// TrackVariant is one concrete rendition belonging to a track.
type TrackVariant struct {
	ID           int64     `json:"id" gorm:"primaryKey;autoIncrement"`
	TrackID      string    `json:"trackId" gorm:"size:36;not null;uniqueIndex:ux_track_variant_index,priority:1"`
	VariantIndex int       `json:"variantIndex" gorm:"not null;uniqueIndex:ux_track_variant_index,priority:2"`
	IsPrimary    bool      `json:"isPrimary" gorm:"default:false"`   // index 0 only, immutable
	IsPreferred  bool      `json:"isPreferred" gorm:"default:false"` // the canonical rendition for playback
	Title        string    `json:"title" gorm:"size:255"`
	AudioURL     string    `json:"audioUrl" gorm:"size:1024"`
	CoverURL     string    `json:"coverUrl" gorm:"size:1024"`
	VideoURL     string    `json:"videoUrl" gorm:"size:1024"`
	Duration     float64   `json:"duration"`
	Lyrics       string    `json:"lyrics" gorm:"type:text"`
	Source       JSONMap   `json:"source,omitempty" gorm:"type:json"` // provider provenance
	Virtual      bool      `json:"virtual,omitempty" gorm:"-"`        // derived from legacy metadata, never persisted
	CreatedAt    time.Time `json:"createdAt"`
}

// TableName 指定表名
func (TrackVariant) TableName() string {
	return "track_variants"
}
