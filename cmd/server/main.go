package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/hibiken/asynq"
	"github.com/lmittmann/tint"
	"github.com/redis/go-redis/v9"

	"github.com/sheetarchiver/api/internal/archiver"
	"github.com/sheetarchiver/api/internal/auth"
	"github.com/sheetarchiver/api/internal/backoff"
	"github.com/sheetarchiver/api/internal/batch"
	"github.com/sheetarchiver/api/internal/client"
	"github.com/sheetarchiver/api/internal/config"
	"github.com/sheetarchiver/api/internal/handler"
	"github.com/sheetarchiver/api/internal/middleware"
	"github.com/sheetarchiver/api/internal/model"
	"github.com/sheetarchiver/api/internal/monitor"
	"github.com/sheetarchiver/api/internal/registry"
	"github.com/sheetarchiver/api/internal/runner"
	"github.com/sheetarchiver/api/internal/service"
	"github.com/sheetarchiver/api/internal/worker"
	ws "github.com/sheetarchiver/api/internal/websocket"
	"github.com/sheetarchiver/api/pkg/response"
)

// SetupLogger installs a tint handler as the default slog logger
func SetupLogger(level string) *slog.Logger {
	logger := slog.New(
		tint.NewHandler(os.Stderr, &tint.Options{
			Level:      parseLevel(level),
			TimeFormat: time.DateTime,
			ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
				if err, ok := a.Value.Any().(error); ok {
					aErr := tint.Err(err)
					aErr.Key = a.Key
					return aErr
				}
				return a
			},
		}),
	)
	slog.SetDefault(logger)
	return logger
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func asynqLevel(level string) asynq.LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return asynq.DebugLevel
	case "warn", "warning":
		return asynq.WarnLevel
	case "error":
		return asynq.ErrorLevel
	default:
		return asynq.InfoLevel
	}
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}
	log := SetupLogger(cfg.Server.LogLevel)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Warn("Redis not available, rate limiting disabled", "error", err)
	}

	validate := validator.New()

	jobs := registry.New()
	hub := ws.NewHub(log)
	jobs.Subscribe(hub.Observe)
	go hub.Run(ctx)

	// Upstream clients
	wayback := client.NewWaybackClient(&cfg.Wayback)
	sheets := client.NewSheetsClient(&cfg.Sheets)
	containers := client.NewContainerClient(&cfg.Container)
	logAnalytics := client.NewLogAnalyticsClient(&cfg.LogAnalytics)

	var artifacts client.ArtifactStore
	if cfg.R2.BucketName != "" {
		r2, err := client.NewR2Client(&cfg.R2)
		if err != nil {
			log.Warn("Artifact storage disabled", "error", err)
		} else {
			artifacts = r2
		}
	}

	// Item archiving
	policy := backoff.Policy{
		MaxAttempts: cfg.Archive.MaxAttempts,
		Cap:         time.Duration(cfg.Archive.BackoffCapSeconds) * time.Second,
		Budget:      time.Duration(cfg.Archive.MaxWaitBudgetSeconds) * time.Second,
	}
	procOpts := []archiver.Option{
		archiver.WithPolicy(policy),
		archiver.WithBaseURL(cfg.Wayback.BaseURL),
		archiver.WithProbeTimeout(time.Duration(cfg.Archive.ProbeTimeoutSeconds) * time.Second),
		archiver.WithLogger(log),
	}
	processor := archiver.NewProcessor(wayback, procOpts...)
	validating := archiver.NewProcessor(wayback, append(procOpts, archiver.WithProber(wayback))...)
	scheduler := batch.NewScheduler(cfg.Archive.BatchSize, cfg.Archive.MaxConcurrency)
	scheduler.Logger = log

	// Remote execution
	remoteTimeout := time.Duration(cfg.Remote.TimeoutMinutes) * time.Minute
	var remoteMonitor service.RemoteMonitor
	if containers.IsConfigured() {
		var logs monitor.LogFetcher
		if logAnalytics.IsConfigured() {
			logs = logAnalytics
		}
		remoteMonitor = monitor.New(containers, logs, jobs, monitor.Config{
			PollInterval: time.Duration(cfg.Remote.PollIntervalSeconds) * time.Second,
			LogGrace:     time.Duration(cfg.Remote.LogGraceSeconds) * time.Second,
			Timeout:      remoteTimeout,
		}, log)
	}

	// Dispatch
	var dispatcher service.Dispatcher
	var inline *worker.Inline
	var queueClient *asynq.Client
	if cfg.Dispatch.Mode == "asynq" {
		queueClient = asynq.NewClient(redisOpt)
		defer queueClient.Close()
		dispatcher = worker.NewQueue(queueClient, remoteTimeout+10*time.Minute, log)
	} else {
		inline = worker.NewInline(log)
		dispatcher = inline
	}

	batchService := service.NewBatchService(service.BatchDeps{
		Jobs:         jobs,
		Sheets:       sheets,
		Processor:    processor,
		Validating:   validating,
		Scheduler:    scheduler,
		Artifacts:    artifacts,
		Dispatcher:   dispatcher,
		ReportPrefix: cfg.Archive.ReportPrefix,
		Logger:       log,
	})
	remoteService := service.NewRemoteService(service.RemoteDeps{
		Jobs:    jobs,
		Sheets:  sheets,
		Monitor: remoteMonitor,
		Runner:  runner.New(jobs, log),
		Install: runner.Install{
			Mode:        model.InstallMode(cfg.AutoArchiver.InstallMode),
			PythonPath:  cfg.AutoArchiver.PythonPath,
			ArchiverDir: cfg.AutoArchiver.Path,
			ConfigPath:  cfg.AutoArchiver.ConfigPath,
			Image:       cfg.AutoArchiver.Image,
			WorkDir:     cfg.AutoArchiver.WorkDir,
		},
		Container: service.ContainerSettings{
			Image:        cfg.Remote.Image,
			CPU:          cfg.Remote.CPU,
			MemoryGB:     cfg.Remote.MemoryGB,
			PullOverhead: time.Duration(cfg.Remote.PullOverheadSeconds) * time.Second,
			Timeout:      remoteTimeout,
		},
		Artifacts:  artifacts,
		Dispatcher: dispatcher,
		Logger:     log,
	})
	jobService := service.NewJobService(jobs)

	handlers := map[string]worker.HandlerFunc{
		service.TaskTypeBatch:  batchService.HandleTask,
		service.TaskTypeRemote: remoteService.HandleTask,
	}

	var queueServer *asynq.Server
	if inline != nil {
		for taskType, h := range handlers {
			inline.Handle(taskType, h)
		}
	} else {
		srvCfg := worker.ServerConfig(cfg.Dispatch.Concurrency, log)
		srvCfg.LogLevel = asynqLevel(cfg.Server.LogLevel)
		queueServer = asynq.NewServer(redisOpt, srvCfg)
		if err := queueServer.Start(worker.NewServeMux(handlers)); err != nil {
			log.Error("Asynq worker error", "error", err)
			os.Exit(1)
		}
	}

	// Handlers
	archiveHandler := handler.NewArchiveHandler(batchService, remoteService, validate)
	jobHandler := handler.NewJobHandler(jobService)

	var authHandler fiber.Handler
	switch {
	case cfg.Gateway.Enabled:
		authHandler = middleware.GatewayAuthMiddleware()
	case cfg.OIDC.Issuer != "":
		verifier, err := auth.NewJWKSVerifier(ctx, &cfg.OIDC)
		if err != nil {
			log.Error("Failed to initialise OIDC verifier", "issuer", cfg.OIDC.Issuer, "error", err)
			os.Exit(1)
		}
		authHandler = middleware.NewVerifierAuthMiddleware(verifier).Authenticate()
	default:
		authHandler = middleware.NewAuthMiddleware(cfg.JWT.Secret).Authenticate()
	}
	rateLimiter := middleware.NewRateLimiter(redisClient, log)

	app := fiber.New(fiber.Config{
		ErrorHandler: customErrorHandler,
		BodyLimit:    1 * 1024 * 1024,
	})

	app.Use(recover.New())
	app.Use(logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization",
	}))

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":      "ok",
			"dispatch":    dispatchMode(inline),
			"installMode": remoteService.InstallMode(),
			"jobs":        len(jobs.List()),
			"collaborators": fiber.Map{
				"sheets":       sheets.IsConfigured(),
				"container":    containers.IsConfigured(),
				"logAnalytics": logAnalytics.IsConfigured(),
				"artifacts":    artifacts != nil,
			},
		})
	})

	api := app.Group("/api", authHandler)

	archive := api.Group("/archive")
	archive.Post("/batch", rateLimiter.ArchiveLimit(cfg.RateLimit.ArchivePerHour), archiveHandler.Batch)
	archive.Post("/remote", rateLimiter.RemoteLimit(cfg.RateLimit.RemotePerHour), archiveHandler.Remote)

	api.Get("/jobs", jobHandler.List)
	api.Get("/jobs/:jobId", jobHandler.Status)

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	app.Get("/ws/jobs/:jobId", func(c *fiber.Ctx) error {
		if _, err := jobs.Get(c.Params("jobId")); err != nil {
			return response.NotFound(c, "Job not found")
		}
		return c.Next()
	}, websocket.New(func(c *websocket.Conn) {
		jobID := c.Params("jobId")
		var initial *model.Job
		if job, err := jobs.Get(jobID); err == nil {
			initial = &job
		}
		hub.HandleConnection(c, jobID, initial)
	}))

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Info("Shutting down server...")
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			log.Error("Server shutdown error", "error", err)
		}
	}()

	addr := ":" + cfg.Server.Port
	log.Info("Server starting", "addr", addr, "dispatch", dispatchMode(inline), "install_mode", remoteService.InstallMode())
	if err := app.Listen(addr); err != nil {
		log.Error("Server error", "error", err)
	}

	// running jobs are cancelled; remote containers are cleaned up on the way out
	shutdownCtx, cancel := context.WithTimeout(context.Background(), monitor.DefaultDeleteTimeout)
	defer cancel()
	if inline != nil {
		if err := inline.Shutdown(shutdownCtx); err != nil {
			log.Warn("Jobs still running at shutdown", "error", err)
		}
	}
	if queueServer != nil {
		queueServer.Shutdown()
	}
	stop()
}

func dispatchMode(inline *worker.Inline) string {
	if inline != nil {
		return "inline"
	}
	return "asynq"
}

func customErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	var e *fiber.Error
	if errors.As(err, &e) {
		code = e.Code
		message = e.Message
	}

	return response.Error(c, code, response.CodeServiceError, message, nil)
}
