package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"clipwatch/internal/annotate"
	"clipwatch/internal/auth"
	"clipwatch/internal/classifier"
	"clipwatch/internal/config"
	"clipwatch/internal/database"
	"clipwatch/internal/middleware"
	"clipwatch/internal/pipeline"
	"clipwatch/internal/services"
	"clipwatch/internal/source"
	"clipwatch/internal/stream"
	"clipwatch/internal/telegram"
	"clipwatch/internal/ws"
)

func main() {
	// Define command line flags. Everything else is read from the
	// environment, see internal/config.
	var (
		hostF     = flag.String("host", "localhost", "Server host (valid values: localhost, 0.0.0.0)")
		httpPortF = flag.String("http-port", "8080", "HTTP port")
		modelF    = flag.String("model", "", "Model server address (overrides CLIPWATCH_MODEL_ENDPOINT)")
		dbgF      = flag.Bool("debug", false, "Log request and response bodies")
	)
	flag.Parse()

	var (
		logger *log.Logger
	)
	{
		logger = log.New(os.Stderr, "[clipwatch] ", log.Ltime)
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("invalid configuration: %v", err)
	}
	if *modelF != "" {
		cfg.ModelEndpoint = *modelF
	}

	// Run history and the model config of the last run.
	db, err := database.New(cfg.DBPath, logger)
	if err != nil {
		logger.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		logger.Fatalf("failed to migrate database: %v", err)
	}
	modelCfg := cfg.Model
	if saved, ok, err := db.GetModelConfig(); err != nil {
		logger.Printf("failed to read saved model config: %v", err)
	} else if ok && saved.Validate() == nil {
		logger.Printf("restored model config %+v", saved)
		modelCfg = saved
	}

	labels := classifier.DefaultLabels
	if cfg.LabelsFile != "" {
		if labels, err = classifier.LoadLabels(cfg.LabelsFile); err != nil {
			logger.Fatalf("%v", err)
		}
	}

	// Classifier: remote model server when configured, local motion model otherwise.
	var (
		model       classifier.Model
		modelHealth services.HealthChecker
	)
	{
		if cfg.ModelEndpoint != "" {
			remote, err := classifier.NewGRPCModel(classifier.GRPCModelConfig{
				Endpoint: cfg.ModelEndpoint,
				Timeout:  cfg.ModelTimeout,
				Logger:   logger,
			})
			if err != nil {
				logger.Fatalf("%v", err)
			}
			model, modelHealth = remote, remote
		} else {
			logger.Printf("no model endpoint configured, using the local motion model")
			model = classifier.NewMotionModel()
		}
	}
	loadCtx, cancelLoad := context.WithTimeout(context.Background(), 2*time.Minute)
	cls, err := classifier.New(loadCtx, model, labels, modelCfg, logger)
	cancelLoad()
	if err != nil {
		logger.Fatalf("failed to initialize classifier: %v", err)
	}
	defer cls.Close()

	controller := pipeline.NewController(cls, pipeline.ControllerOptions{
		Open: source.NewOpener(source.Options{
			FFmpegPath: cfg.FFmpegPath,
			Logger:     logger,
		}),
		Recorder: database.NewRecorder(db),
		Annotate: annotate.NewAnnotator(annotate.Options{
			Width:  cfg.OutputWidth,
			Height: cfg.OutputHeight,
		}),
		TargetFPS:     cfg.TargetFPS,
		WarmupSamples: cfg.Warmup,
		DelayHorizon:  cfg.DelayHorizon,
		Logger:        logger,
	})
	defer controller.End()

	authenticator, err := auth.NewAuthenticator(cfg.Auth)
	if err != nil {
		logger.Fatalf("failed to initialize auth: %v", err)
	}
	if authenticator.IsEnabled() {
		logger.Printf("authentication enabled for user %q", cfg.Auth.Username)
	}

	broadcaster := stream.NewBroadcaster(cfg.JPEGQuality, logger)
	frameSocket := stream.NewFrameSocket(logger)
	broadcaster.AddFrameListener(frameSocket.OnFrame)
	hub := ws.NewMetricsHub(logger)

	// Initialize the services.
	var (
		server *services.HTTPServer
	)
	{
		server = &services.HTTPServer{
			Pipeline: services.NewPipelineService(controller, broadcaster, cfg.UploadDir, logger),
			Runs:     services.NewRunsService(db),
			Auth:     services.NewAuthService(authenticator),
			Health:   services.NewHealthService(db, modelHealth),
			Stream:   broadcaster,
			Snapshot: stream.NewSnapshotHandler(broadcaster),
			Frames:   frameSocket,
			Metrics:  ws.NewHandler(hub),
			Protect:  middleware.AuthMiddleware(authenticator),
			Logger:   logger,
		}
	}

	// Create channel used by both the signal handler and server goroutines
	// to notify the main goroutine when to stop the server.
	errc := make(chan error)

	// Setup interrupt handler. This optional step configures the process so
	// that SIGINT and SIGTERM signals cause the services to stop gracefully.
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	var wg sync.WaitGroup
	ctx, cancel := context.WithCancel(context.Background())

	wg.Add(1)
	go func() {
		defer wg.Done()
		hub.Run(ctx, controller, cfg.MetricsInterval)
	}()

	// Label alerts are sent for the frames viewers actually see.
	if cfg.Telegram.Enabled {
		tcfg := telegram.Config{
			Enabled:  true,
			BotToken: cfg.Telegram.BotToken,
			ChatID:   cfg.Telegram.ChatID,
			Cooldown: cfg.Telegram.Cooldown,
		}
		if err := tcfg.Validate(); err != nil {
			logger.Fatalf("invalid telegram configuration: %v", err)
		}
		alerter := telegram.NewAlerter(telegram.NewBot(tcfg), logger)
		broadcaster.AddFrameListener(alerter.OnFrame)
		wg.Add(1)
		go func() {
			defer wg.Done()
			alerter.Run(ctx)
		}()
		logger.Printf("telegram alerts enabled for chat %s", cfg.Telegram.ChatID)
	}

	switch *hostF {
	case "localhost", "0.0.0.0":
		u := &url.URL{Scheme: "http", Host: net.JoinHostPort(*hostF, *httpPortF)}
		handleHTTPServer(ctx, u, server, &wg, errc, logger, *dbgF)
	default:
		logger.Fatalf("invalid host argument: %q (valid hosts: localhost|0.0.0.0)\n", *hostF)
	}

	// Wait for signal.
	logger.Printf("exiting (%v)", <-errc)

	// Send cancellation signal to the goroutines.
	cancel()

	wg.Wait()
	logger.Println("exited")
}
