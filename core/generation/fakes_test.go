package generation

import (
	"context"
	"sync"
	"time"

	"MeloForge/core/provider"
	"MeloForge/model"

	"gorm.io/gorm"
)

// ---- in-memory track repository ----

type memTrackRepo struct {
	mu     sync.Mutex
	tracks map[string]*model.Track
}

func newMemTrackRepo() *memTrackRepo {
	return &memTrackRepo{tracks: make(map[string]*model.Track)}
}

func (r *memTrackRepo) Create(ctx context.Context, track *model.Track) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tracks[track.ID]; exists {
		return gorm.ErrDuplicatedKey
	}
	cp := *track
	r.tracks[track.ID] = &cp
	return nil
}

func (r *memTrackRepo) GetByID(ctx context.Context, id string) (*model.Track, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	track, ok := r.tracks[id]
	if !ok {
		return nil, nil
	}
	cp := *track
	return &cp, nil
}

func (r *memTrackRepo) GetAllByUserID(ctx context.Context, userID int64) ([]*model.Track, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.Track
	for _, track := range r.tracks {
		if track.UserID == userID {
			cp := *track
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *memTrackRepo) Update(ctx context.Context, track *model.Track) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *track
	r.tracks[track.ID] = &cp
	return nil
}

func (r *memTrackRepo) UpdateStatus(ctx context.Context, id string, status model.TrackStatus, failReason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if track, ok := r.tracks[id]; ok {
		track.Status = status
		track.FailReason = failReason
	}
	return nil
}

func (r *memTrackRepo) AdvanceStatus(ctx context.Context, id string, status model.TrackStatus, failReason string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	track, ok := r.tracks[id]
	if !ok {
		return false, nil
	}
	if track.Status.IsTerminal() {
		return false, nil
	}
	track.Status = status
	track.FailReason = failReason
	return true, nil
}

func (r *memTrackRepo) UpdateMedia(ctx context.Context, id, audioURL, coverURL, videoURL string, duration float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	track, ok := r.tracks[id]
	if !ok {
		return nil
	}
	if audioURL != "" {
		track.AudioURL = audioURL
	}
	if coverURL != "" {
		track.CoverURL = coverURL
	}
	if videoURL != "" {
		track.VideoURL = videoURL
	}
	if duration > 0 {
		track.Duration = duration
	}
	return nil
}

// ---- in-memory variant repository ----

type memVariantRepo struct {
	mu       sync.Mutex
	nextID   int64
	variants map[int64]*model.TrackVariant
}

func newMemVariantRepo() *memVariantRepo {
	return &memVariantRepo{nextID: 1, variants: make(map[int64]*model.TrackVariant)}
}

func (r *memVariantRepo) Upsert(ctx context.Context, variant *model.TrackVariant) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.variants {
		if existing.TrackID == variant.TrackID && existing.VariantIndex == variant.VariantIndex {
			// Conflict path refreshes content columns only; the
			// reconciliation flags are owned by SetPreferred.
			existing.Title = variant.Title
			existing.AudioURL = variant.AudioURL
			existing.CoverURL = variant.CoverURL
			existing.VideoURL = variant.VideoURL
			existing.Duration = variant.Duration
			existing.Lyrics = variant.Lyrics
			existing.Source = variant.Source
			return nil
		}
	}
	cp := *variant
	cp.ID = r.nextID
	r.nextID++
	r.variants[cp.ID] = &cp
	return nil
}

func (r *memVariantRepo) GetByID(ctx context.Context, id int64) (*model.TrackVariant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	variant, ok := r.variants[id]
	if !ok {
		return nil, nil
	}
	cp := *variant
	return &cp, nil
}

func (r *memVariantRepo) GetByTrackID(ctx context.Context, trackID string) ([]*model.TrackVariant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.TrackVariant
	for _, variant := range r.variants {
		if variant.TrackID == trackID {
			cp := *variant
			out = append(out, &cp)
		}
	}
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j].VariantIndex < out[i].VariantIndex {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	return out, nil
}

func (r *memVariantRepo) CountByTrackID(ctx context.Context, trackID string) (int64, error) {
	variants, _ := r.GetByTrackID(ctx, trackID)
	return int64(len(variants)), nil
}

func (r *memVariantRepo) HasPreferred(ctx context.Context, trackID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, variant := range r.variants {
		if variant.TrackID == trackID && variant.IsPreferred {
			return true, nil
		}
	}
	return false, nil
}

func (r *memVariantRepo) SetPreferred(ctx context.Context, trackID string, variantID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, variant := range r.variants {
		if variant.TrackID == trackID {
			variant.IsPreferred = variant.ID == variantID
		}
	}
	return nil
}

func (r *memVariantRepo) Delete(ctx context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.variants, id)
	return nil
}

// ---- in-memory task repository ----

type memTaskRepo struct {
	mu    sync.Mutex
	tasks map[string]*model.GenerationTask
}

func newMemTaskRepo() *memTaskRepo {
	return &memTaskRepo{tasks: make(map[string]*model.GenerationTask)}
}

func (r *memTaskRepo) Create(ctx context.Context, task *model.GenerationTask) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tasks[task.ID]; exists {
		return gorm.ErrDuplicatedKey
	}
	if task.IdempotencyKey != nil {
		for _, existing := range r.tasks {
			if existing.UserID == task.UserID &&
				existing.IdempotencyKey != nil &&
				*existing.IdempotencyKey == *task.IdempotencyKey {
				return gorm.ErrDuplicatedKey
			}
		}
	}
	cp := *task
	cp.UpdatedAt = time.Now()
	r.tasks[task.ID] = &cp
	return nil
}

func (r *memTaskRepo) GetByID(ctx context.Context, id string) (*model.GenerationTask, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	task, ok := r.tasks[id]
	if !ok {
		return nil, nil
	}
	cp := *task
	return &cp, nil
}

func (r *memTaskRepo) GetByTrackID(ctx context.Context, trackID string) (*model.GenerationTask, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, task := range r.tasks {
		if task.TrackID == trackID {
			cp := *task
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *memTaskRepo) GetByProviderTaskID(ctx context.Context, providerTaskID string) (*model.GenerationTask, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, task := range r.tasks {
		if task.ProviderTaskID == providerTaskID {
			cp := *task
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *memTaskRepo) GetByUserAndKey(ctx context.Context, userID int64, idempotencyKey string) (*model.GenerationTask, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, task := range r.tasks {
		if task.UserID == userID && task.IdempotencyKey != nil && *task.IdempotencyKey == idempotencyKey {
			cp := *task
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *memTaskRepo) SetProviderTaskID(ctx context.Context, id, providerTaskID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if task, ok := r.tasks[id]; ok {
		task.ProviderTaskID = providerTaskID
		task.Status = model.TrackStatusProcessing
		task.HeartbeatAt = time.Now()
		task.UpdatedAt = time.Now()
	}
	return nil
}

func (r *memTaskRepo) UpdateStatus(ctx context.Context, id string, status model.TrackStatus, failReason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if task, ok := r.tasks[id]; ok {
		task.Status = status
		task.FailReason = failReason
		task.HeartbeatAt = time.Now()
		task.UpdatedAt = time.Now()
		if status.IsTerminal() {
			now := time.Now()
			task.FinishedAt = &now
		}
	}
	return nil
}

func (r *memTaskRepo) UpdateProgress(ctx context.Context, id string, attemptCount int, lastStage string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if task, ok := r.tasks[id]; ok {
		task.AttemptCount = attemptCount
		task.HeartbeatAt = time.Now()
		task.UpdatedAt = time.Now()
		if lastStage != "" {
			task.LastStage = lastStage
		}
	}
	return nil
}

func (r *memTaskRepo) IncrementResubmit(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if task, ok := r.tasks[id]; ok {
		task.ResubmitCount++
		task.Status = model.TrackStatusProcessing
		task.FailReason = ""
		task.AttemptCount = 0
		task.StartedAt = time.Now()
		task.HeartbeatAt = time.Now()
		task.UpdatedAt = time.Now()
	}
	return nil
}

func (r *memTaskRepo) ListStale(ctx context.Context, cutoff time.Time, limit int) ([]*model.GenerationTask, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.GenerationTask
	for _, task := range r.tasks {
		if task.Status == model.TrackStatusProcessing && task.HeartbeatAt.Before(cutoff) {
			cp := *task
			out = append(out, &cp)
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (r *memTaskRepo) ListRetryable(ctx context.Context, maxResubmits int, limit int) ([]*model.GenerationTask, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.GenerationTask
	for _, task := range r.tasks {
		if task.Status == model.TrackStatusFailed && task.ResubmitCount < maxResubmits {
			cp := *task
			out = append(out, &cp)
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

// setTask overwrites fields for test setup.
func (r *memTaskRepo) setTask(task *model.GenerationTask) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *task
	r.tasks[task.ID] = &cp
}

// ---- in-memory webhook delivery ledger ----

type memWebhookRepo struct {
	mu         sync.Mutex
	deliveries map[string]*model.WebhookDelivery
}

func newMemWebhookRepo() *memWebhookRepo {
	return &memWebhookRepo{deliveries: make(map[string]*model.WebhookDelivery)}
}

func (r *memWebhookRepo) Insert(ctx context.Context, delivery *model.WebhookDelivery) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.deliveries[delivery.DeliveryID]; exists {
		return gorm.ErrDuplicatedKey
	}
	cp := *delivery
	r.deliveries[delivery.DeliveryID] = &cp
	return nil
}

func (r *memWebhookRepo) GetByDeliveryID(ctx context.Context, deliveryID string) (*model.WebhookDelivery, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delivery, ok := r.deliveries[deliveryID]
	if !ok {
		return nil, nil
	}
	cp := *delivery
	return &cp, nil
}

func (r *memWebhookRepo) MarkCompleted(ctx context.Context, deliveryID, trackID string, response model.JSONMap) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if delivery, ok := r.deliveries[deliveryID]; ok {
		delivery.Status = model.DeliveryStatusCompleted
		delivery.TrackID = trackID
		delivery.Response = response
	}
	return nil
}

func (r *memWebhookRepo) MarkFailed(ctx context.Context, deliveryID, errMsg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if delivery, ok := r.deliveries[deliveryID]; ok {
		delivery.Status = model.DeliveryStatusFailed
		delivery.Error = errMsg
	}
	return nil
}

// ---- scripted provider ----

type fakeProvider struct {
	mu          sync.Mutex
	name        string
	paramErrs   []string
	startID     string
	startErr    error
	startCalls  int
	pollResults []pollStep
	pollCalls   int
}

type pollStep struct {
	result *provider.PollResult
	err    error
}

func newFakeProvider(name string) *fakeProvider {
	return &fakeProvider{name: name, startID: "remote-" + name}
}

func (p *fakeProvider) Name() string { return p.name }

func (p *fakeProvider) ValidateParams(req *provider.StartRequest) []string {
	return p.paramErrs
}

func (p *fakeProvider) StartJob(ctx context.Context, req *provider.StartRequest) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.startCalls++
	if p.startErr != nil {
		return "", p.startErr
	}
	return p.startID, nil
}

func (p *fakeProvider) PollStatus(ctx context.Context, taskID string) (*provider.PollResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pollCalls++
	if len(p.pollResults) == 0 {
		return &provider.PollResult{Status: provider.StatusProcessing}, nil
	}
	step := p.pollResults[0]
	if len(p.pollResults) > 1 {
		p.pollResults = p.pollResults[1:]
	}
	return step.result, step.err
}

func (p *fakeProvider) BuildMetadata(req *provider.StartRequest) map[string]interface{} {
	return map[string]interface{}{"provider": p.name}
}

func (p *fakeProvider) calls() (start, poll int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.startCalls, p.pollCalls
}

// ---- reconciler collaborators ----

type noopCache struct{}

func (noopCache) Get(ctx context.Context, trackID string) ([]*model.TrackVariant, error) {
	return nil, nil
}

func (noopCache) Set(ctx context.Context, trackID string, variants []*model.TrackVariant) error {
	return nil
}

func (noopCache) Invalidate(ctx context.Context, trackID string) error { return nil }

type recordingNotifier struct {
	mu      sync.Mutex
	updates []*model.Track
}

func (n *recordingNotifier) NotifyTrackUpdate(userID int64, track *model.Track) {
	n.mu.Lock()
	defer n.mu.Unlock()
	cp := *track
	n.updates = append(n.updates, &cp)
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.updates)
}

// ---- assembled test fixture ----

type fixture struct {
	tracks     *memTrackRepo
	variants   *memVariantRepo
	tasks      *memTaskRepo
	deliveries *memWebhookRepo
	provider   *fakeProvider
	notifier   *recordingNotifier
	reconciler *Reconciler
	registry   *provider.Registry
}

func newFixture(providerName string) *fixture {
	f := &fixture{
		tracks:     newMemTrackRepo(),
		variants:   newMemVariantRepo(),
		tasks:      newMemTaskRepo(),
		deliveries: newMemWebhookRepo(),
		provider:   newFakeProvider(providerName),
		notifier:   &recordingNotifier{},
	}
	f.reconciler = NewReconciler(f.tracks, f.variants, noopCache{}, nil, f.notifier)
	f.registry = provider.NewRegistry()
	f.registry.Register(f.provider)
	return f
}
