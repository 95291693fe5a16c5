package provider

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Status is the normalized job state across providers.
type Status string

const (
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Clip is the canonical rendition shape every adapter normalizes into.
// No code beyond the adapter boundary branches on provider field names.
type Clip struct {
	ID       string                 `json:"id"`
	Title    string                 `json:"title,omitempty"`
	AudioURL string                 `json:"audioUrl"`
	CoverURL string                 `json:"coverUrl,omitempty"`
	VideoURL string                 `json:"videoUrl,omitempty"`
	Duration float64                `json:"duration,omitempty"`
	Lyrics   string                 `json:"lyrics,omitempty"`
	Raw      map[string]interface{} `json:"-"` // original provider payload, kept for provenance
}

// StartRequest carries everything an adapter needs to start a job.
type StartRequest struct {
	TrackID     string
	TaskID      string
	Prompt      string
	Lyrics      string
	Title       string
	StyleTags   string
	HasVocals   bool
	CallbackURL string // where the provider should push webhooks, may be empty
}

// PollResult is one status observation of a remote job.
type PollResult struct {
	Status     Status
	Clips      []Clip
	FailReason string
}

// Provider is the fixed capability contract every generation backend
// implements. StartJob and PollStatus are correlated by the opaque task id
// returned from the start call.
type Provider interface {
	Name() string

	// ValidateParams returns field-level error messages; an empty slice
	// means the request is acceptable for this provider.
	ValidateParams(req *StartRequest) []string

	// StartJob submits the remote job and returns the provider task id.
	StartJob(ctx context.Context, req *StartRequest) (string, error)

	// PollStatus fetches the current remote state of a job.
	PollStatus(ctx context.Context, taskID string) (*PollResult, error)

	// BuildMetadata produces the provider-specific metadata stored onto the track.
	BuildMetadata(req *StartRequest) map[string]interface{}
}

// Registry holds the configured providers by name.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry 创建提供商注册表
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register adds a provider. Later registrations with the same name win.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
}

// Get returns the named provider.
func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("unknown provider: %s", name)
	}
	return p, nil
}

// Names returns the registered provider names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
