package generation

import (
	"context"
	"fmt"
	"time"

	"MeloForge/core/provider"
	"MeloForge/logger"
	"MeloForge/model"
	"MeloForge/repository"
)

// WebhookEvent is one provider push, already decoded from the provider's
// wire format by the transport layer.
type WebhookEvent struct {
	Provider   string
	TaskID     string // provider-side job id
	Stage      string // model.StageText / StageFirst / StageComplete / StageError
	ErrorMsg   string
	Clips      []provider.Clip
	Raw        model.JSONMap // full payload, kept for the delivery ledger
	DeliveryID string        // X-Delivery-Id header, may be empty
}

// IngestResult tells the transport layer what to answer with.
type IngestResult struct {
	TrackID  string
	Stage    string
	Replayed bool          // delivery identity seen before
	Response model.JSONMap // stored response when replayed
}

// WebhookIngestor applies provider pushes exactly once per delivery
// identity. The ledger row is inserted as pending before any side
// effects, so a concurrent replay loses on the unique index instead of
// double-applying.
type WebhookIngestor struct {
	deliveries repository.WebhookDeliveryRepository
	tasks      repository.GenerationTaskRepository
	tracks     repository.TrackRepository
	reconciler *Reconciler
	notifier   Notifier
}

// NewWebhookIngestor 创建回调处理器
func NewWebhookIngestor(
	deliveries repository.WebhookDeliveryRepository,
	tasks repository.GenerationTaskRepository,
	tracks repository.TrackRepository,
	reconciler *Reconciler,
	notifier Notifier,
) *WebhookIngestor {
	return &WebhookIngestor{
		deliveries: deliveries,
		tasks:      tasks,
		tracks:     tracks,
		reconciler: reconciler,
		notifier:   notifier,
	}
}

// DeliveryIdentity derives a stable identity for one push. Providers that
// send a delivery id header get exact replay detection; for the rest the
// identity is synthesized from provider, job id, stage and the minute the
// push arrived, which collapses tight retry bursts of the same stage.
func DeliveryIdentity(event *WebhookEvent, now time.Time) string {
	if event.DeliveryID != "" {
		return event.DeliveryID
	}
	return fmt.Sprintf("%s:%s:%s:%d", event.Provider, event.TaskID, event.Stage, now.Unix()/60)
}

// Ingest processes one delivery. Replays of a completed delivery return
// the stored response verbatim; deliveries still pending or recorded as
// failed are not reprocessed.
func (w *WebhookIngestor) Ingest(ctx context.Context, event *WebhookEvent) (*IngestResult, error) {
	identity := DeliveryIdentity(event, time.Now())

	existing, err := w.deliveries.GetByDeliveryID(ctx, identity)
	if err != nil {
		return nil, fmt.Errorf("failed to check delivery ledger: %w", err)
	}
	if existing != nil {
		logger.Info("webhook delivery replayed",
			logger.String("delivery_id", identity),
			logger.String("status", existing.Status))
		return &IngestResult{
			TrackID:  existing.TrackID,
			Stage:    existing.Stage,
			Replayed: true,
			Response: existing.Response,
		}, nil
	}

	// 先占坑：pending 行是处理权的唯一凭证
	delivery := &model.WebhookDelivery{
		DeliveryID: identity,
		Provider:   event.Provider,
		TaskID:     event.TaskID,
		Stage:      event.Stage,
		Status:     model.DeliveryStatusPending,
	}
	if err := w.deliveries.Insert(ctx, delivery); err != nil {
		if repository.IsDuplicateKeyError(err) {
			logger.Info("webhook delivery raced, already being processed",
				logger.String("delivery_id", identity))
			// 输掉占坑的一方也回读台账，和晚到的重放拿到同样的答案
			raced, rerr := w.deliveries.GetByDeliveryID(ctx, identity)
			if rerr == nil && raced != nil {
				return &IngestResult{
					TrackID:  raced.TrackID,
					Stage:    raced.Stage,
					Replayed: true,
					Response: raced.Response,
				}, nil
			}
			return &IngestResult{Stage: event.Stage, Replayed: true}, nil
		}
		return nil, fmt.Errorf("failed to record delivery: %w", err)
	}

	result, err := w.process(ctx, event)
	if err != nil {
		if merr := w.deliveries.MarkFailed(ctx, identity, err.Error()); merr != nil {
			logger.Warn("failed to mark delivery failed",
				logger.String("delivery_id", identity), logger.ErrorField(merr))
		}
		return nil, err
	}

	if merr := w.deliveries.MarkCompleted(ctx, identity, result.TrackID, result.Response); merr != nil {
		logger.Warn("failed to mark delivery completed",
			logger.String("delivery_id", identity), logger.ErrorField(merr))
	}
	return result, nil
}

func (w *WebhookIngestor) process(ctx context.Context, event *WebhookEvent) (*IngestResult, error) {
	task, err := w.tasks.GetByProviderTaskID(ctx, event.TaskID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve task: %w", err)
	}
	if task == nil {
		return nil, fmt.Errorf("no task for provider job %s", event.TaskID)
	}

	track, err := w.tracks.GetByID(ctx, task.TrackID)
	if err != nil {
		return nil, fmt.Errorf("failed to load track %s: %w", task.TrackID, err)
	}
	if track == nil {
		return nil, fmt.Errorf("task %s references missing track %s", task.ID, task.TrackID)
	}

	response := model.JSONMap{"trackId": track.ID, "stage": event.Stage}
	result := &IngestResult{TrackID: track.ID, Stage: event.Stage, Response: response}

	if event.Stage == model.StageError {
		reason := event.ErrorMsg
		if reason == "" {
			reason = "provider reported failure"
		}
		w.markFailed(ctx, task, track, reason)
		response["status"] = string(model.TrackStatusFailed)
		return result, nil
	}

	// 阶段只进不退：晚到的早期阶段直接忽略
	if model.StageRank(event.Stage) <= model.StageRank(task.LastStage) {
		logger.Info("stale webhook stage ignored",
			logger.String("task_id", task.ID),
			logger.String("stage", event.Stage),
			logger.String("last_stage", task.LastStage))
		response["ignored"] = true
		return result, nil
	}

	switch event.Stage {
	case model.StageText, model.StageFirst:
		if err := w.tasks.UpdateProgress(ctx, task.ID, task.AttemptCount, event.Stage); err != nil {
			return nil, fmt.Errorf("failed to record stage %s: %w", event.Stage, err)
		}
		if len(event.Clips) > 0 {
			if err := w.reconciler.UpsertPartial(ctx, track, event.Clips); err != nil {
				logger.Warn("failed to store streaming clips",
					logger.String("track_id", track.ID), logger.ErrorField(err))
			}
		}
		if w.notifier != nil {
			w.notifier.NotifyTrackUpdate(track.UserID, track)
		}
	case model.StageComplete:
		if len(event.Clips) == 0 {
			return nil, fmt.Errorf("complete stage for track %s carried no clips", track.ID)
		}
		if err := w.reconciler.Finalize(ctx, track, event.Clips); err != nil {
			return nil, fmt.Errorf("failed to finalize track %s: %w", track.ID, err)
		}
		if err := w.tasks.UpdateStatus(ctx, task.ID, model.TrackStatusCompleted, ""); err != nil {
			logger.Warn("failed to mark task completed",
				logger.String("task_id", task.ID), logger.ErrorField(err))
		}
		response["status"] = string(model.TrackStatusCompleted)
	default:
		return nil, fmt.Errorf("unknown webhook stage: %s", event.Stage)
	}

	return result, nil
}

func (w *WebhookIngestor) markFailed(ctx context.Context, task *model.GenerationTask, track *model.Track, reason string) {
	if err := w.tasks.UpdateStatus(ctx, task.ID, model.TrackStatusFailed, reason); err != nil {
		logger.Warn("failed to mark task failed",
			logger.String("task_id", task.ID), logger.ErrorField(err))
	}
	won, err := w.tracks.AdvanceStatus(ctx, track.ID, model.TrackStatusFailed, reason)
	if err != nil {
		logger.Error("failed to mark track failed",
			logger.String("track_id", track.ID), logger.ErrorField(err))
		return
	}
	if won && w.notifier != nil {
		track.Status = model.TrackStatusFailed
		track.FailReason = reason
		w.notifier.NotifyTrackUpdate(track.UserID, track)
	}
}
