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

// PollerConfig 轮询引擎配置
type PollerConfig struct {
	Interval    time.Duration // 轮询间隔
	MaxAttempts int           // 最大轮询次数
	Timeout     time.Duration // 整体超时（墙钟）
}

// Poller watches one remote job until a terminal outcome. It is the
// active completion channel; webhooks are the passive one, and whichever
// lands first wins the terminal write on the track.
type Poller struct {
	providers  *provider.Registry
	tracks     repository.TrackRepository
	tasks      repository.GenerationTaskRepository
	reconciler *Reconciler
	cfg        PollerConfig
}

// NewPoller 创建轮询引擎
func NewPoller(
	providers *provider.Registry,
	tracks repository.TrackRepository,
	tasks repository.GenerationTaskRepository,
	reconciler *Reconciler,
	cfg PollerConfig,
) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 60
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Minute
	}
	return &Poller{
		providers:  providers,
		tracks:     tracks,
		tasks:      tasks,
		reconciler: reconciler,
		cfg:        cfg,
	}
}

// Run polls the task's remote job until it completes, fails, times out,
// or exhausts the attempt budget. Both the attempt counter and the wall
// clock resume from the task row, so a watcher re-attached after a
// restart gets neither a fresh budget nor a fresh deadline. Transient
// provider errors consume an attempt like any other cycle.
func (p *Poller) Run(ctx context.Context, task *model.GenerationTask) error {
	if task.ProviderTaskID == "" {
		return fmt.Errorf("task %s has no provider task id", task.ID)
	}
	prov, err := p.providers.Get(task.Provider)
	if err != nil {
		p.fail(ctx, task, err.Error())
		return err
	}

	// 墙钟从任务提交时刻起算：重挂的观察者不会拿到新的十分钟
	start := task.StartedAt
	if start.IsZero() {
		start = time.Now()
	}
	deadline := start.Add(p.cfg.Timeout)
	attempts := task.AttemptCount

	logger.Info("poller started",
		logger.String("task_id", task.ID),
		logger.String("track_id", task.TrackID),
		logger.String("provider", task.Provider),
		logger.Int("resumed_attempts", attempts))

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// 服务关闭，任务由恢复扫描接管
			logger.Info("poller stopped by shutdown", logger.String("task_id", task.ID))
			return ctx.Err()
		case <-ticker.C:
		}

		// 另一个完成通道（webhook）可能已经落定
		current, err := p.tasks.GetByID(ctx, task.ID)
		if err != nil {
			logger.Warn("poller failed to reload task",
				logger.String("task_id", task.ID), logger.ErrorField(err))
		} else if current == nil {
			logger.Warn("poller task row vanished", logger.String("task_id", task.ID))
			return nil
		} else if current.Status.IsTerminal() {
			logger.Info("poller yielding, task already terminal",
				logger.String("task_id", task.ID),
				logger.String("status", string(current.Status)))
			return nil
		}

		attempts++

		// 先判墙钟，再判次数：两种失败原因必须可区分
		if time.Now().After(deadline) {
			reason := fmt.Sprintf("generation timed out after %s", p.cfg.Timeout)
			p.fail(ctx, task, reason)
			return nil
		}
		if attempts > p.cfg.MaxAttempts {
			reason := fmt.Sprintf("polling attempts exhausted (%d)", p.cfg.MaxAttempts)
			p.fail(ctx, task, reason)
			return nil
		}

		result, err := prov.PollStatus(ctx, task.ProviderTaskID)
		if err != nil {
			// 瞬时错误同样消耗一次尝试
			logger.Warn("poll attempt failed",
				logger.String("task_id", task.ID),
				logger.Int("attempt", attempts),
				logger.ErrorField(err))
			if uerr := p.tasks.UpdateProgress(ctx, task.ID, attempts, ""); uerr != nil {
				logger.Warn("failed to record poll progress",
					logger.String("task_id", task.ID), logger.ErrorField(uerr))
			}
			continue
		}

		if uerr := p.tasks.UpdateProgress(ctx, task.ID, attempts, ""); uerr != nil {
			logger.Warn("failed to record poll progress",
				logger.String("task_id", task.ID), logger.ErrorField(uerr))
		}

		switch result.Status {
		case provider.StatusCompleted:
			p.complete(ctx, task, result)
			return nil
		case provider.StatusFailed:
			reason := result.FailReason
			if reason == "" {
				reason = "provider reported failure"
			}
			p.fail(ctx, task, reason)
			return nil
		default:
			// still processing, keep waiting
		}
	}
}

func (p *Poller) complete(ctx context.Context, task *model.GenerationTask, result *provider.PollResult) {
	track, err := p.tracks.GetByID(ctx, task.TrackID)
	if err != nil || track == nil {
		logger.Error("poller cannot load track for finalize",
			logger.String("task_id", task.ID),
			logger.String("track_id", task.TrackID),
			logger.ErrorField(err))
		return
	}
	if err := p.reconciler.Finalize(ctx, track, result.Clips); err != nil {
		logger.Error("poller finalize failed",
			logger.String("track_id", track.ID), logger.ErrorField(err))
		p.fail(ctx, task, fmt.Sprintf("finalize failed: %v", err))
		return
	}
	if err := p.tasks.UpdateStatus(ctx, task.ID, model.TrackStatusCompleted, ""); err != nil {
		logger.Warn("failed to mark task completed",
			logger.String("task_id", task.ID), logger.ErrorField(err))
	}
	logger.Info("generation completed via polling",
		logger.String("task_id", task.ID),
		logger.String("track_id", task.TrackID),
		logger.Int("clips", len(result.Clips)))
}

// fail records the failure on the task and attempts the guarded terminal
// write on the track. Losing the track write means a webhook already
// completed it; the task record still keeps the poller's verdict.
func (p *Poller) fail(ctx context.Context, task *model.GenerationTask, reason string) {
	if err := p.tasks.UpdateStatus(ctx, task.ID, model.TrackStatusFailed, reason); err != nil {
		logger.Warn("failed to mark task failed",
			logger.String("task_id", task.ID), logger.ErrorField(err))
	}
	won, err := p.tracks.AdvanceStatus(ctx, task.TrackID, model.TrackStatusFailed, reason)
	if err != nil {
		logger.Error("failed to mark track failed",
			logger.String("track_id", task.TrackID), logger.ErrorField(err))
		return
	}
	if !won {
		logger.Info("track already terminal, poll failure not applied",
			logger.String("track_id", task.TrackID))
		return
	}
	logger.Warn("generation failed",
		logger.String("task_id", task.ID),
		logger.String("track_id", task.TrackID),
		logger.String("reason", reason))
}
