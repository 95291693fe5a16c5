package cmd

import (
	"context"
	"log"

	"MeloForge/cache"
	"MeloForge/config"
	"MeloForge/core/feed"
	"MeloForge/core/generation"
	"MeloForge/core/lyrics"
	"MeloForge/core/provider"
	"MeloForge/db"
	"MeloForge/logger"
	"MeloForge/repository"
	"MeloForge/storage"

	"github.com/spf13/cobra"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "执行一次恢复扫描",
	Long: `对失联任务重新挂载观察者，并在重交预算内重试失败任务。
服务进程会周期性执行同样的扫描；该命令用于运维时手动触发一轮。`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := config.Load()

		logger.Init(logger.Config{
			Level:      logger.InfoLevel,
			OutputPath: "logs/meloforge-sweep.log",
			MaxSize:    50,
			MaxBackups: 3,
			MaxAge:     14,
		})

		if err := storage.InitMinio(cfg); err != nil {
			log.Fatalf("无法连接到MinIO: %v", err)
		}
		if err := db.ConnectGormDB(cfg); err != nil {
			log.Fatalf("无法连接数据库: %v", err)
		}
		defer db.CloseGormDB()
		if err := cache.ConnectRedis(cfg); err != nil {
			log.Fatalf("无法连接Redis: %v", err)
		}
		defer cache.CloseRedis()

		trackRepo := repository.NewGormTrackRepository(db.GormDB)
		variantRepo := repository.NewGormVariantRepository(db.GormDB)
		taskRepo := repository.NewGormTaskRepository(db.GormDB)

		variantCache := cache.NewVariantCache(cache.RedisClient, cfg.VariantCacheTTL)
		lease := cache.NewTrackLease(cache.RedisClient, cfg.SweepLeaseTTL)
		archiver := storage.NewMediaArchiver(cfg)

		// 一次性扫描没有常驻推送连接，hub 仅作为空的通知出口
		hub := feed.NewHub()
		go hub.Run()
		defer hub.Stop()

		reconciler := generation.NewReconciler(trackRepo, variantRepo, variantCache, archiver, hub)

		lyricWriter := lyrics.NewWriter(&lyrics.WriterConfig{
			APIBaseURL: cfg.LyricsAPIBaseURL,
			APIKey:     cfg.LyricsAPIKey,
			Model:      cfg.LyricsModel,
			MaxTokens:  cfg.LyricsMaxTokens,
		})
		providers := provider.NewRegistry()
		providers.Register(provider.NewSunoAPIClient(cfg.SunoAPIBaseURL, cfg.SunoAPIKey))
		providers.Register(provider.NewMurekaClient(cfg.MurekaBaseURL, cfg.MurekaAPIKey, lyricWriter))

		poller := generation.NewPoller(providers, trackRepo, taskRepo, reconciler, generation.PollerConfig{
			Interval:    cfg.PollInterval,
			MaxAttempts: cfg.PollMaxAttempts,
			Timeout:     cfg.PollTimeout,
		})
		supervisor := generation.NewSupervisor()
		orchestrator := generation.NewOrchestrator(
			providers, trackRepo, taskRepo, reconciler, poller, supervisor, hub, cfg.CallbackURL)

		sweep := generation.NewSweepService(taskRepo, trackRepo, orchestrator, lease, generation.SweepConfig{
			Interval:     cfg.SweepInterval,
			MaxResubmits: cfg.SweepMaxResubmits,
			BackoffBase:  cfg.SweepBackoffBase,
			StaleAfter:   cfg.SweepStaleAfter,
		})

		sweep.RunOnce(context.Background())

		// 重新挂载的观察者跑到各自任务落定为止
		supervisor.Wait(cfg.PollTimeout)
	},
}

func init() {
	rootCmd.AddCommand(sweepCmd)
}
