package server

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"echofm/cache"
	"echofm/config"
	"echofm/core/auth"
	"echofm/core/backup"
	"echofm/core/library"
	"echofm/core/storagehealth"
	"echofm/core/upload"
	"echofm/core/utils"
	"echofm/db"
	"echofm/logger"
	"echofm/repository"

	"github.com/gorilla/mux"
)

const sessionCleanupInterval = time.Hour

// Start initializes all engine components and runs the HTTP server until
// an interrupt arrives.
func Start() {
	cfg := config.Load()

	logger.Init(logger.Config{
		Level:      logger.LogLevel(cfg.LogLevel),
		OutputPath: cfg.LogFile,
		MaxSize:    100,
		MaxBackups: 3,
		MaxAge:     28,
		Compress:   true,
	})

	auth.SetSecret(cfg.JWTSecret)

	if err := db.ConnectDB(cfg); err != nil {
		logger.Fatal("failed to connect to database", logger.ErrorField(err))
	}
	defer db.DB.Close()

	if err := db.InitDB(cfg); err != nil {
		logger.Fatal("failed to initialize database schema", logger.ErrorField(err))
	}

	// Redis only backs read mirrors; the engine runs without it.
	var statusCache *cache.StatusCache
	var uploadCache *cache.UploadCache
	if err := cache.ConnectRedis(cfg); err != nil {
		logger.Warn("redis unavailable, running without status and progress mirrors",
			logger.ErrorField(err))
	} else {
		defer cache.CloseRedis()
		statusCache = cache.NewStatusCache(cache.RedisClient)
		uploadCache = cache.NewUploadCache(cache.RedisClient)
	}

	for _, dir := range []string{cfg.PrimaryDir, cfg.StagingDir, cfg.FallbackDir} {
		if err := utils.EnsureDir(dir); err != nil {
			logger.Warn("could not create directory, tier may be unmounted",
				logger.String("dir", dir), logger.ErrorField(err))
		}
	}

	songRepo := repository.NewMySQLSongRepository()
	sessionRepo := repository.NewMySQLUploadSessionRepository()
	syncLogRepo := repository.NewMySQLSyncLogRepository()
	statusRepo := repository.NewMySQLStorageStatusRepository()
	userRepo := repository.NewMySQLUserRepository(db.DB)

	var statusMirror storagehealth.StatusMirror
	if statusCache != nil {
		statusMirror = statusCache
	}
	var progressMirror upload.ProgressMirror
	if uploadCache != nil {
		progressMirror = uploadCache
	}

	monitor := storagehealth.NewMonitor(cfg, statusRepo, statusMirror)
	uploadManager := upload.NewManager(cfg, sessionRepo, songRepo, statusRepo, progressMirror)
	resolver := library.NewResolver(cfg, songRepo, statusRepo)
	reconciler := backup.NewReconciler(cfg, songRepo, syncLogRepo, statusRepo)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go monitor.Run(ctx)
	go reconciler.Start(ctx)
	go func() {
		ticker := time.NewTicker(sessionCleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := uploadManager.CleanupExpired(ctx); err != nil {
					logger.Error("session cleanup failed", logger.ErrorField(err))
				}
			}
		}
	}()

	apiHandler := NewAPIHandler(uploadManager, resolver, reconciler,
		songRepo, userRepo, syncLogRepo, statusRepo, cfg)

	router := NewRouter(apiHandler)

	server := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      router,
		ReadTimeout:  5 * time.Minute, // chunk uploads from slow clients
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	go func() {
		logger.Info("server starting", logger.String("addr", cfg.ListenAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("failed to start server", logger.ErrorField(err))
		}
	}()

	<-stop
	logger.Info("shutting down server")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Fatal("server forced to shutdown", logger.ErrorField(err))
	}

	logger.Info("server stopped")
}

// NewRouter builds the HTTP routing table.
func NewRouter(h *APIHandler) *mux.Router {
	router := mux.NewRouter()

	router.Use(corsMiddleware)

	// Auth
	router.HandleFunc("/api/auth/login", h.LoginHandler).Methods(http.MethodPost)
	router.HandleFunc("/api/auth/register", h.RegisterHandler).Methods(http.MethodPost)

	// Chunked uploads
	router.HandleFunc("/api/upload/sessions", h.AuthMiddleware(h.StartUploadHandler)).Methods(http.MethodPost)
	router.HandleFunc("/api/upload/sessions/{session_id}", h.AuthMiddleware(h.UploadProgressHandler)).Methods(http.MethodGet)
	router.HandleFunc("/api/upload/sessions/{session_id}", h.AuthMiddleware(h.AbortUploadHandler)).Methods(http.MethodDelete)
	router.HandleFunc("/api/upload/sessions/{session_id}/chunks", h.AuthMiddleware(h.UploadChunkHandler)).Methods(http.MethodPut)
	router.HandleFunc("/api/upload/sessions/{session_id}/finalize", h.AuthMiddleware(h.FinalizeUploadHandler)).Methods(http.MethodPost)

	// Library
	router.HandleFunc("/api/songs", h.AuthMiddleware(h.GetSongsHandler)).Methods(http.MethodGet)
	router.HandleFunc("/api/songs/random", h.AuthMiddleware(h.RandomSongHandler)).Methods(http.MethodGet)
	router.HandleFunc("/api/songs/{song_id}/resolve", h.AuthMiddleware(h.ResolveSongHandler)).Methods(http.MethodGet)
	router.HandleFunc("/stream/{song_id}", h.StreamSongHandler).Methods(http.MethodGet)

	// Storage and sync
	router.HandleFunc("/api/storage/status", h.AuthMiddleware(h.StorageStatusHandler)).Methods(http.MethodGet)
	router.HandleFunc("/api/storage/events", h.AuthMiddleware(h.StorageEventsHandler)).Methods(http.MethodGet)
	router.HandleFunc("/api/sync/run", h.AuthMiddleware(h.TriggerSyncHandler)).Methods(http.MethodPost)
	router.HandleFunc("/api/sync/log", h.AuthMiddleware(h.SyncLogHandler)).Methods(http.MethodGet)

	return router
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS, HEAD")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Range, X-Upload-Offset")
		w.Header().Set("Access-Control-Expose-Headers", "Content-Length, Content-Range")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
