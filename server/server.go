package server

import (
	"context"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"MeloForge/cache"
	"MeloForge/config"
	"MeloForge/core/auth"
	"MeloForge/core/feed"
	"MeloForge/core/generation"
	"MeloForge/core/lyrics"
	"MeloForge/core/provider"
	"MeloForge/db"
	"MeloForge/logger"
	"MeloForge/model"
	"MeloForge/repository"
	"MeloForge/storage"

	"github.com/gorilla/mux"
	"github.com/minio/minio-go/v7"
)

// Start initializes and starts the HTTP server.
func Start() {
	cfg := config.Load()

	logger.Init(logger.Config{
		Level:      logger.InfoLevel,
		OutputPath: "logs/meloforge.log",
		MaxSize:    100,
		MaxBackups: 5,
		MaxAge:     30,
		Compress:   true,
	})

	auth.Init(cfg.JWTSecret, cfg.JWTTokenTTL)

	// 设置服务器超时
	server := &http.Server{
		Addr:         cfg.ServerAddr,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// 初始化 MinIO 客户端
	if err := storage.InitMinio(cfg); err != nil {
		logger.Fatal("Failed to initialize MinIO", logger.ErrorField(err))
	}

	// Connect to the database
	if err := db.ConnectDB(cfg); err != nil {
		logger.Fatal("Failed to connect to database", logger.ErrorField(err))
	}
	defer db.DB.Close()

	if err := db.ConnectGormDB(cfg); err != nil {
		logger.Fatal("Failed to connect GORM", logger.ErrorField(err))
	}
	defer db.CloseGormDB()

	// Connect to Redis
	if err := cache.ConnectRedis(cfg); err != nil {
		logger.Fatal("Failed to connect to Redis", logger.ErrorField(err))
	}
	defer cache.CloseRedis()

	// Initialize database schema
	if err := db.InitDB(); err != nil {
		logger.Fatal("Failed to initialize database", logger.ErrorField(err))
	}
	if err := db.AutoMigrateModels(
		&model.Track{},
		&model.TrackVariant{},
		&model.GenerationTask{},
		&model.WebhookDelivery{},
	); err != nil {
		logger.Fatal("Failed to migrate models", logger.ErrorField(err))
	}

	// 初始化仓储
	trackRepo := repository.NewGormTrackRepository(db.GormDB)
	variantRepo := repository.NewGormVariantRepository(db.GormDB)
	taskRepo := repository.NewGormTaskRepository(db.GormDB)
	webhookRepo := repository.NewGormWebhookRepository(db.GormDB)
	userRepo := repository.NewMySQLUserRepository(db.DB)

	// WebSocket 推送中心
	hub := feed.NewHub()
	go hub.Run()

	// 生成管线装配
	variantCache := cache.NewVariantCache(cache.RedisClient, cfg.VariantCacheTTL)
	lease := cache.NewTrackLease(cache.RedisClient, cfg.SweepLeaseTTL)
	archiver := storage.NewMediaArchiver(cfg)
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
	ingestor := generation.NewWebhookIngestor(webhookRepo, taskRepo, trackRepo, reconciler, hub)

	sweep := generation.NewSweepService(taskRepo, trackRepo, orchestrator, lease, generation.SweepConfig{
		Interval:     cfg.SweepInterval,
		MaxResubmits: cfg.SweepMaxResubmits,
		BackoffBase:  cfg.SweepBackoffBase,
		StaleAfter:   cfg.SweepStaleAfter,
	})
	sweep.Start()

	// 初始化处理器
	apiHandler := NewAPIHandler(trackRepo, variantRepo, taskRepo, userRepo, orchestrator, reconciler, ingestor, hub, cfg)

	// 使用 gorilla/mux 创建路由器
	router := mux.NewRouter()

	// 添加 CORS 中间件
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS, HEAD")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Delivery-Id")
			w.Header().Set("Access-Control-Max-Age", "86400") // 24 hours

			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}

			next.ServeHTTP(w, r)
		})
	})

	// 用户认证相关的API端点
	router.HandleFunc("/api/auth/login", apiHandler.LoginHandler).Methods(http.MethodPost)
	router.HandleFunc("/api/auth/register", apiHandler.RegisterHandler).Methods(http.MethodPost)

	// 生成相关的API端点
	router.HandleFunc("/api/generate", apiHandler.AuthMiddleware(apiHandler.GenerateHandler)).Methods(http.MethodPost)
	router.HandleFunc("/api/tracks", apiHandler.AuthMiddleware(apiHandler.GetTracksHandler)).Methods(http.MethodGet)
	router.HandleFunc("/api/tracks/{id}", apiHandler.AuthMiddleware(apiHandler.GetTrackHandler)).Methods(http.MethodGet)
	router.HandleFunc("/api/tracks/{id}/variants", apiHandler.AuthMiddleware(apiHandler.GetVariantsHandler)).Methods(http.MethodGet)
	router.HandleFunc("/api/tracks/{id}/variants/{variant_id}/rollback", apiHandler.AuthMiddleware(apiHandler.RollbackVariantHandler)).Methods(http.MethodPost)
	router.HandleFunc("/api/tracks/{id}/variants/{variant_id}", apiHandler.AuthMiddleware(apiHandler.DeleteVariantHandler)).Methods(http.MethodDelete)
	router.HandleFunc("/api/tasks/{id}", apiHandler.AuthMiddleware(apiHandler.GetTaskHandler)).Methods(http.MethodGet)

	// 供应商回调端点（无鉴权，按投递凭证判重）
	router.HandleFunc("/api/webhooks/{provider}", apiHandler.WebhookHandler).Methods(http.MethodPost)

	// WebSocket 推送
	router.HandleFunc("/api/feed", apiHandler.FeedHandler).Methods(http.MethodGet)

	// 媒体文件服务路由（MinIO 转发）
	router.PathPrefix("/media/").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		objectPath := strings.TrimPrefix(r.URL.Path, "/media/")
		client := storage.GetMinioClient()
		if client == nil {
			http.Error(w, "MinIO client not available", http.StatusInternalServerError)
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		object, err := client.GetObject(ctx, cfg.MinioBucket, objectPath, minio.GetObjectOptions{})
		if err != nil {
			http.Error(w, "File not found", http.StatusNotFound)
			return
		}
		defer object.Close()

		var contentType string
		if strings.HasSuffix(objectPath, ".mp3") {
			contentType = "audio/mpeg"
		} else if strings.HasSuffix(objectPath, ".mp4") {
			contentType = "video/mp4"
		} else if strings.HasSuffix(objectPath, ".jpg") || strings.HasSuffix(objectPath, ".jpeg") {
			contentType = "image/jpeg"
		} else if strings.HasSuffix(objectPath, ".png") {
			contentType = "image/png"
		} else {
			contentType = "application/octet-stream"
		}

		w.Header().Set("Content-Type", contentType)
		w.Header().Set("Cache-Control", "public, max-age=31536000") // 缓存一年

		if _, err := io.Copy(w, object); err != nil {
			logger.Warn("Error serving file from MinIO", logger.ErrorField(err))
		}
	})

	server.Handler = router

	// 创建一个通道来接收操作系统信号
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	// 在goroutine中启动服务器
	go func() {
		logger.Info("Server starting", logger.String("addr", cfg.ServerAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", logger.ErrorField(err))
		}
	}()

	// 等待中断信号
	<-stop
	logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown error", logger.ErrorField(err))
	}

	// 停止后台服务：先停接收新任务，再等在途任务收尾
	sweep.Stop()
	supervisor.Shutdown(30 * time.Second)
	hub.Stop()

	logger.Info("Server stopped")
}
