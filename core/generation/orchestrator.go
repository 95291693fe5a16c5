package generation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"MeloForge/core/provider"
	"MeloForge/logger"
	"MeloForge/model"
	"MeloForge/repository"

	"github.com/google/uuid"
)

// GenerateRequest is one inbound generation submission.
type GenerateRequest struct {
	UserID         int64  `json:"-"`
	TrackID        string `json:"trackId,omitempty"` // optional caller-allocated id
	Prompt         string `json:"prompt"`
	Lyrics         string `json:"lyrics,omitempty"`
	Title          string `json:"title,omitempty"`
	StyleTags      string `json:"styleTags,omitempty"`
	HasVocals      bool   `json:"hasVocals"`
	Provider       string `json:"provider"`
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
}

// GenerateResult references the created (or replayed) track/task pair.
type GenerateResult struct {
	TrackID  string `json:"trackId"`
	TaskID   string `json:"taskId"`
	Replayed bool   `json:"replayed,omitempty"`
}

// ValidationError carries field-level problems; the request had no side
// effects when this is returned.
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	return "invalid generation request: " + strings.Join(e.Errors, "; ")
}

// Orchestrator drives a generation request from submission to the point
// where a completion channel takes over.
type Orchestrator struct {
	providers   *provider.Registry
	tracks      repository.TrackRepository
	tasks       repository.GenerationTaskRepository
	reconciler  *Reconciler
	poller      *Poller
	supervisor  *Supervisor
	notifier    Notifier
	callbackURL string
}

// NewOrchestrator 创建生成编排器
func NewOrchestrator(
	providers *provider.Registry,
	tracks repository.TrackRepository,
	tasks repository.GenerationTaskRepository,
	reconciler *Reconciler,
	poller *Poller,
	supervisor *Supervisor,
	notifier Notifier,
	callbackURL string,
) *Orchestrator {
	return &Orchestrator{
		providers:   providers,
		tracks:      tracks,
		tasks:       tasks,
		reconciler:  reconciler,
		poller:      poller,
		supervisor:  supervisor,
		notifier:    notifier,
		callbackURL: callbackURL,
	}
}

// Generate validates, resolves idempotency, creates the track, starts the
// remote job and hands off to the polling engine. Exactly one remote job is
// started per (user, idempotency key).
func (o *Orchestrator) Generate(ctx context.Context, req *GenerateRequest) (*GenerateResult, error) {
	prov, errs := o.validate(req)
	if len(errs) > 0 {
		return nil, &ValidationError{Errors: errs}
	}

	// Fast path: a replayed key returns the prior pair with no new remote call.
	if req.IdempotencyKey != "" {
		existing, err := o.tasks.GetByUserAndKey(ctx, req.UserID, req.IdempotencyKey)
		if err != nil {
			return nil, fmt.Errorf("idempotency lookup failed: %w", err)
		}
		if existing != nil {
			return &GenerateResult{TrackID: existing.TrackID, TaskID: existing.ID, Replayed: true}, nil
		}
	}

	// Resolve a caller pre-allocated id up front. Adopting a track another
	// user owns would route this job's completion writes into their library.
	trackID := req.TrackID
	var preallocated *model.Track
	if trackID != "" {
		existing, err := o.tracks.GetByID(ctx, trackID)
		if err != nil {
			return nil, fmt.Errorf("failed to look up pre-allocated track %s: %w", trackID, err)
		}
		if existing != nil && existing.UserID != req.UserID {
			return nil, &ValidationError{Errors: []string{"trackId is already in use"}}
		}
		preallocated = existing
	} else {
		trackID = uuid.NewString()
	}

	// The task row goes in first: its unique (user_id, idempotency_key)
	// index is the single point of truth against a concurrent duplicate
	// submission creating two jobs for one key.
	task := &model.GenerationTask{
		ID:          uuid.NewString(),
		TrackID:     trackID,
		UserID:      req.UserID,
		Provider:    prov.Name(),
		Status:      model.TrackStatusPending,
		StartedAt:   time.Now(),
		HeartbeatAt: time.Now(),
	}
	if req.IdempotencyKey != "" {
		key := req.IdempotencyKey
		task.IdempotencyKey = &key
	}
	if err := o.tasks.Create(ctx, task); err != nil {
		if repository.IsDuplicateKeyError(err) && req.IdempotencyKey != "" {
			existing, lookupErr := o.tasks.GetByUserAndKey(ctx, req.UserID, req.IdempotencyKey)
			if lookupErr == nil && existing != nil {
				return &GenerateResult{TrackID: existing.TrackID, TaskID: existing.ID, Replayed: true}, nil
			}
		}
		return nil, fmt.Errorf("failed to create generation task: %w", err)
	}

	startReq := o.buildStartRequest(req, trackID, task.ID)

	track, err := o.ensureTrack(ctx, req, prov, trackID, preallocated, startReq)
	if err != nil {
		o.markFailed(ctx, task.ID, trackID, fmt.Sprintf("failed to create track record: %v", err))
		return nil, err
	}

	// Start the remote job. One attempt, no retry at this step: retries are
	// the recovery sweep's job.
	providerTaskID, err := prov.StartJob(ctx, startReq)
	if err != nil {
		reason := fmt.Sprintf("provider start failed: %v", err)
		o.markFailed(ctx, task.ID, trackID, reason)
		return nil, fmt.Errorf("provider %s start failed: %w", prov.Name(), err)
	}

	// The task id must be durable before the watcher starts; an untrackable
	// running job is worse than a failed one.
	if err := o.tasks.SetProviderTaskID(ctx, task.ID, providerTaskID); err != nil {
		reason := "failed to persist provider task id; job is untrackable"
		o.markFailed(ctx, task.ID, trackID, reason)
		return nil, fmt.Errorf("%s: %w", reason, err)
	}
	task.ProviderTaskID = providerTaskID

	if _, err := o.tracks.AdvanceStatus(ctx, trackID, model.TrackStatusProcessing, ""); err != nil {
		// AdvanceStatus only guards terminal states; a processing write failing
		// here is not fatal, the poller still owns the track.
		logger.Warn("failed to move track to processing",
			logger.String("trackId", trackID),
			logger.ErrorField(err))
	}

	o.watch(task)

	logger.Info("generation started",
		logger.String("trackId", trackID),
		logger.String("taskId", task.ID),
		logger.String("provider", prov.Name()),
		logger.Int64("userId", req.UserID))

	if o.notifier != nil && track != nil {
		track.Status = model.TrackStatusProcessing
		o.notifier.NotifyTrackUpdate(track.UserID, track)
	}

	return &GenerateResult{TrackID: trackID, TaskID: task.ID}, nil
}

func (o *Orchestrator) validate(req *GenerateRequest) (provider.Provider, []string) {
	var errs []string
	if strings.TrimSpace(req.Prompt) == "" {
		errs = append(errs, "prompt is required")
	}
	if req.UserID <= 0 {
		errs = append(errs, "user is required")
	}
	if len(req.IdempotencyKey) > 64 {
		errs = append(errs, "idempotencyKey must be at most 64 characters")
	}

	if strings.TrimSpace(req.Provider) == "" {
		errs = append(errs, "provider is required")
		return nil, errs
	}
	prov, err := o.providers.Get(req.Provider)
	if err != nil {
		errs = append(errs, fmt.Sprintf("unknown provider %q", req.Provider))
		return nil, errs
	}

	errs = append(errs, prov.ValidateParams(o.buildStartRequest(req, "", ""))...)
	return prov, errs
}

func (o *Orchestrator) buildStartRequest(req *GenerateRequest, trackID, taskID string) *provider.StartRequest {
	callback := ""
	if o.callbackURL != "" {
		callback = fmt.Sprintf("%s/api/webhooks/%s", strings.TrimRight(o.callbackURL, "/"), req.Provider)
	}
	return &provider.StartRequest{
		TrackID:     trackID,
		TaskID:      taskID,
		Prompt:      req.Prompt,
		Lyrics:      req.Lyrics,
		Title:       req.Title,
		StyleTags:   req.StyleTags,
		HasVocals:   req.HasVocals,
		CallbackURL: callback,
	}
}

// ensureTrack creates the track row, or adopts the caller's pre-allocated
// one. Ownership of a pre-allocated row was already verified by Generate.
func (o *Orchestrator) ensureTrack(ctx context.Context, req *GenerateRequest, prov provider.Provider, trackID string, existing *model.Track, startReq *provider.StartRequest) (*model.Track, error) {
	if existing != nil {
		return existing, nil
	}

	title := req.Title
	if title == "" {
		title = deriveTitle(req.Prompt)
	}

	track := &model.Track{
		ID:             trackID,
		UserID:         req.UserID,
		Title:          title,
		Prompt:         req.Prompt,
		Lyrics:         req.Lyrics,
		StyleTags:      req.StyleTags,
		HasVocals:      req.HasVocals,
		Provider:       prov.Name(),
		Status:         model.TrackStatusPending,
		IdempotencyKey: req.IdempotencyKey,
		Metadata:       prov.BuildMetadata(startReq),
	}
	if err := o.tracks.Create(ctx, track); err != nil {
		return nil, fmt.Errorf("failed to create track: %w", err)
	}
	return track, nil
}

// markFailed records a failure on both the task and the track. The track
// write is terminal-guarded so a completion that already landed stays.
func (o *Orchestrator) markFailed(ctx context.Context, taskID, trackID, reason string) {
	if err := o.tasks.UpdateStatus(ctx, taskID, model.TrackStatusFailed, reason); err != nil {
		logger.Error("failed to mark task failed",
			logger.String("taskId", taskID),
			logger.ErrorField(err))
	}
	if _, err := o.tracks.AdvanceStatus(ctx, trackID, model.TrackStatusFailed, reason); err != nil {
		logger.Error("failed to mark track failed",
			logger.String("trackId", trackID),
			logger.ErrorField(err))
	}
}

// watch hands the task to the polling engine under supervision.
func (o *Orchestrator) watch(task *model.GenerationTask) {
	taskCopy := *task
	o.supervisor.Go("poll-"+task.ID, func(ctx context.Context) {
		if err := o.poller.Run(ctx, &taskCopy); err != nil {
			logger.Warn("poll loop exited with error",
				logger.String("taskId", taskCopy.ID),
				logger.ErrorField(err))
		}
	})
}

// ResumeWatch re-attaches the polling engine to a task whose watcher was
// lost (process restart, supervisor crash). Used by the recovery sweep.
func (o *Orchestrator) ResumeWatch(task *model.GenerationTask) error {
	if task.ProviderTaskID == "" {
		return fmt.Errorf("task %s has no provider task id to watch", task.ID)
	}
	o.watch(task)
	return nil
}

// Resubmit restarts the remote job for a failed task, moving the track back
// to processing. Callers are responsible for the resubmit budget and lease.
func (o *Orchestrator) Resubmit(ctx context.Context, task *model.GenerationTask) error {
	track, err := o.tracks.GetByID(ctx, task.TrackID)
	if err != nil {
		return fmt.Errorf("failed to load track %s: %w", task.TrackID, err)
	}
	if track == nil {
		return fmt.Errorf("track %s not found for task %s", task.TrackID, task.ID)
	}
	if track.Status == model.TrackStatusCompleted {
		return nil // a completion channel got there already
	}

	prov, err := o.providers.Get(task.Provider)
	if err != nil {
		return err
	}

	if err := o.tasks.IncrementResubmit(ctx, task.ID); err != nil {
		return fmt.Errorf("failed to increment resubmit count for task %s: %w", task.ID, err)
	}
	if err := o.tracks.UpdateStatus(ctx, track.ID, model.TrackStatusProcessing, ""); err != nil {
		return fmt.Errorf("failed to move track %s back to processing: %w", track.ID, err)
	}

	startReq := o.buildStartRequest(&GenerateRequest{
		UserID:    track.UserID,
		Prompt:    track.Prompt,
		Lyrics:    track.Lyrics,
		Title:     track.Title,
		StyleTags: track.StyleTags,
		HasVocals: track.HasVocals,
		Provider:  task.Provider,
	}, track.ID, task.ID)

	providerTaskID, err := prov.StartJob(ctx, startReq)
	if err != nil {
		reason := fmt.Sprintf("provider start failed on resubmit: %v", err)
		o.markFailed(ctx, task.ID, track.ID, reason)
		return fmt.Errorf("resubmit start failed for task %s: %w", task.ID, err)
	}

	if err := o.tasks.SetProviderTaskID(ctx, task.ID, providerTaskID); err != nil {
		reason := "failed to persist provider task id on resubmit; job is untrackable"
		o.markFailed(ctx, task.ID, track.ID, reason)
		return fmt.Errorf("%s: %w", reason, err)
	}

	task.ProviderTaskID = providerTaskID
	task.Status = model.TrackStatusProcessing
	// The new remote job polls against a fresh budget and wall clock.
	task.AttemptCount = 0
	task.StartedAt = time.Now()
	o.watch(task)

	logger.Info("generation resubmitted",
		logger.String("trackId", track.ID),
		logger.String("taskId", task.ID),
		logger.Int("resubmitCount", task.ResubmitCount+1))
	return nil
}

func deriveTitle(prompt string) string {
	trimmed := strings.TrimSpace(prompt)
	// 按字符截断，避免把多字节字符切成半个
	runes := []rune(trimmed)
	if len(runes) <= 60 {
		return trimmed
	}
	return strings.TrimSpace(string(runes[:60]))
}
