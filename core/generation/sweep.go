package generation

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"MeloForge/logger"
	"MeloForge/model"
	"MeloForge/repository"

	"github.com/google/uuid"
)

// SweepConfig 恢复扫描配置
type SweepConfig struct {
	Interval     time.Duration // 扫描间隔
	MaxResubmits int           // 每个任务的最大重交次数
	BackoffBase  time.Duration // 重交退避基数
	StaleAfter   time.Duration // 心跳超过该时长视为失联
	BatchLimit   int           // 单轮处理上限
}

// Lease guards a track against concurrent recovery work. The Redis-backed
// implementation lives in the cache package.
type Lease interface {
	Acquire(ctx context.Context, trackID, holder string) (bool, error)
	Release(ctx context.Context, trackID, holder string) error
}

// SweepService re-attaches watchers to tasks whose poller died with the
// process, and resubmits failed tasks within a bounded budget. Each track
// is taken under a lease first so two sweep workers (or a sweep and a
// live orchestrator) never act on the same track at once.
type SweepService struct {
	tasks        repository.GenerationTaskRepository
	tracks       repository.TrackRepository
	orchestrator *Orchestrator
	lease        Lease
	cfg          SweepConfig

	holder   string // lease holder identity of this process
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewSweepService 创建恢复扫描服务
func NewSweepService(
	tasks repository.GenerationTaskRepository,
	tracks repository.TrackRepository,
	orchestrator *Orchestrator,
	lease Lease,
	cfg SweepConfig,
) *SweepService {
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Minute
	}
	if cfg.MaxResubmits <= 0 {
		cfg.MaxResubmits = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Minute
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 15 * time.Minute
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = 50
	}
	return &SweepService{
		tasks:        tasks,
		tracks:       tracks,
		orchestrator: orchestrator,
		lease:        lease,
		cfg:          cfg,
		holder:       "sweep-" + uuid.New().String(),
		stopChan:     make(chan struct{}),
	}
}

// Start 启动恢复扫描
func (s *SweepService) Start() {
	logger.Info("恢复扫描服务启动",
		logger.Duration("interval", s.cfg.Interval),
		logger.Int("max_resubmits", s.cfg.MaxResubmits))

	s.wg.Add(1)
	go s.loop()
}

// Stop 停止恢复扫描
func (s *SweepService) Stop() {
	logger.Info("恢复扫描服务停止中...")
	close(s.stopChan)
	s.wg.Wait()
	logger.Info("恢复扫描服务已停止")
}

func (s *SweepService) loop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.RunOnce(context.Background())
		}
	}
}

// RunOnce performs a single sweep pass. Exposed so the sweep can run as a
// one-shot maintenance command.
func (s *SweepService) RunOnce(ctx context.Context) {
	s.reattachStale(ctx)
	s.resubmitFailed(ctx)
}

// reattachStale finds processing tasks whose heartbeat stopped and hands
// them back to the poller. The remote job may well still be running; the
// re-attached watcher resumes from the recorded attempt count.
func (s *SweepService) reattachStale(ctx context.Context) {
	cutoff := time.Now().Add(-s.cfg.StaleAfter)
	stale, err := s.tasks.ListStale(ctx, cutoff, s.cfg.BatchLimit)
	if err != nil {
		logger.Error("sweep failed to list stale tasks", logger.ErrorField(err))
		return
	}

	for _, task := range stale {
		if !s.withLease(ctx, task.TrackID, func() {
			if task.ProviderTaskID == "" {
				// 作业从未启动成功，按可重交失败处理
				s.markUntracked(ctx, task)
				return
			}
			if err := s.orchestrator.ResumeWatch(task); err != nil {
				logger.Warn("sweep failed to re-attach watcher",
					logger.String("task_id", task.ID), logger.ErrorField(err))
				return
			}
			logger.Info("sweep re-attached watcher",
				logger.String("task_id", task.ID),
				logger.String("track_id", task.TrackID),
				logger.Int("attempts", task.AttemptCount))
		}) {
			continue
		}
	}
}

// resubmitFailed retries failed tasks still inside the resubmit budget,
// spaced by exponential backoff from the last state change.
func (s *SweepService) resubmitFailed(ctx context.Context) {
	retryable, err := s.tasks.ListRetryable(ctx, s.cfg.MaxResubmits, s.cfg.BatchLimit)
	if err != nil {
		logger.Error("sweep failed to list retryable tasks", logger.ErrorField(err))
		return
	}

	now := time.Now()
	for _, task := range retryable {
		wait := s.backoff(task.ResubmitCount)
		if now.Before(task.UpdatedAt.Add(wait)) {
			continue // not due yet
		}
		if !s.withLease(ctx, task.TrackID, func() {
			if err := s.orchestrator.Resubmit(ctx, task); err != nil {
				logger.Warn("sweep resubmit failed",
					logger.String("task_id", task.ID),
					logger.Int("resubmit_count", task.ResubmitCount),
					logger.ErrorField(err))
				return
			}
			logger.Info("sweep resubmitted task",
				logger.String("task_id", task.ID),
				logger.String("track_id", task.TrackID),
				logger.Int("resubmit_count", task.ResubmitCount+1))
		}) {
			continue
		}
	}
}

// withLease runs fn with the track lease held. Returns false when the
// lease was contended.
func (s *SweepService) withLease(ctx context.Context, trackID string, fn func()) bool {
	ok, err := s.lease.Acquire(ctx, trackID, s.holder)
	if err != nil {
		logger.Warn("sweep lease acquire failed",
			logger.String("track_id", trackID), logger.ErrorField(err))
		return false
	}
	if !ok {
		return false
	}
	defer func() {
		if err := s.lease.Release(ctx, trackID, s.holder); err != nil {
			logger.Warn("sweep lease release failed",
				logger.String("track_id", trackID), logger.ErrorField(err))
		}
	}()
	fn()
	return true
}

func (s *SweepService) backoff(resubmits int) time.Duration {
	if resubmits < 0 {
		resubmits = 0
	}
	factor := math.Pow(2, float64(resubmits))
	return time.Duration(float64(s.cfg.BackoffBase) * factor)
}

// markUntracked fails a stale task whose remote job id was never
// persisted. The failed row becomes eligible for resubmission on a later
// pass, which keeps the retry budget authoritative.
func (s *SweepService) markUntracked(ctx context.Context, task *model.GenerationTask) {
	reason := fmt.Sprintf("task %s lost before the provider job id was recorded", task.ID)
	if err := s.tasks.UpdateStatus(ctx, task.ID, model.TrackStatusFailed, reason); err != nil {
		logger.Warn("sweep failed to fail untracked task",
			logger.String("task_id", task.ID), logger.ErrorField(err))
		return
	}
	if _, err := s.tracks.AdvanceStatus(ctx, task.TrackID, model.TrackStatusFailed, reason); err != nil {
		logger.Warn("sweep failed to fail untracked track",
			logger.String("track_id", task.TrackID), logger.ErrorField(err))
	}
}
