// main package for the avatar-service
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/book-expert/avatar-service/internal/chat"
	"github.com/book-expert/avatar-service/internal/config"
	"github.com/book-expert/avatar-service/internal/core"
	"github.com/book-expert/avatar-service/internal/lipsync"
	"github.com/book-expert/avatar-service/internal/notify"
	"github.com/book-expert/avatar-service/internal/objectstore"
	"github.com/book-expert/avatar-service/internal/pipeline"
	"github.com/book-expert/avatar-service/internal/server"
	"github.com/book-expert/avatar-service/internal/staging"
	"github.com/book-expert/avatar-service/internal/voice"
	"github.com/book-expert/avatar-service/internal/whisper"
	"github.com/book-expert/avatar-service/internal/worker"
	"github.com/book-expert/logger"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"
)

const readHeaderTimeout = 10 * time.Second

var errNATSStagingUnconfigured = errors.New("nats staging backend requires nats.url to be configured")

const (
	flagConfig     = "config"
	flagConfigDesc = "Path to a TOML configuration file (defaults to the central configurator)"
)

const (
	logBootstrapCreated   = "Bootstrap logger created."
	logNoDotEnv           = "No .env file loaded: %v"
	logConfigLoaded       = "Configuration loaded successfully."
	logMissingCredential  = "Credential %s is not configured; the endpoints that need it will fail"
	logMissingEndpoint    = "Provider endpoint %s is not configured; the endpoints that need it will fail"
	logNATSConnected      = "Connected to NATS at %s"
	logStagingBackend     = "Staging audio with the %s backend"
	logListening          = "Avatar-Service listening on %s"
	logShuttingDown       = "Shutting down Avatar-Service"
	logWorkerStopped      = "NATS worker stopped with error: %v"
	logShutdownIncomplete = "HTTP server shutdown incomplete: %v"
)

// services holds what run must tear down on exit.
type services struct {
	natsConnection *nats.Conn
	worker         *worker.NatsWorker
	handler        http.Handler
}

func setupLogger(logPath, fileName string) (*logger.Logger, error) {
	log, err := logger.New(logPath, fileName)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	return log, nil
}

func loadConfig(path string, log *logger.Logger) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}

	return config.Load(log)
}

func run() error {
	configPath := flag.String(flagConfig, "", flagConfigDesc)
	flag.Parse()

	// 1. Create a temporary logger for the bootstrap process
	bootstrapLog, err := setupLogger(os.TempDir(), "avatar-service-bootstrap.log")
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: Failed to create bootstrap logger: %v\n", err)

		return err
	}
	defer bootstrapLog.Close()

	bootstrapLog.Info(logBootstrapCreated)

	dotEnvErr := godotenv.Load()
	if dotEnvErr != nil {
		bootstrapLog.Warn(logNoDotEnv, dotEnvErr)
	}

	// 2. Load configuration
	cfg, err := loadConfig(*configPath, bootstrapLog)
	if err != nil {
		bootstrapLog.Error("Failed to load configuration: %v", err)

		return fmt.Errorf("failed to load configuration: %w", err)
	}

	bootstrapLog.Info(logConfigLoaded)

	// 3. Initialize the final logger based on the loaded configuration
	finalLog, err := setupLogger(cfg.Paths.BaseLogsDir, "avatar-service.log")
	if err != nil {
		bootstrapLog.Error("Failed to create final logger: %v", err)

		return fmt.Errorf("failed to create final logger: %w", err)
	}

	defer func() {
		closeErr := finalLog.Close()
		if closeErr != nil {
			fmt.Fprintf(os.Stderr, "error closing final logger: %v\n", closeErr)
		}
	}()

	for _, name := range cfg.MissingCredentials() {
		finalLog.Warn(logMissingCredential, name)
	}

	for _, name := range cfg.MissingEndpoints() {
		finalLog.Warn(logMissingEndpoint, name)
	}

	// 4. Wire the providers, staging and transport
	svc, err := buildServices(cfg, finalLog)
	if err != nil {
		finalLog.Error("Failed to initialize services: %v", err)

		return err
	}

	if svc.natsConnection != nil {
		defer svc.natsConnection.Close()
	}

	return serve(cfg, svc, finalLog)
}

func buildServices(cfg *config.Config, log *logger.Logger) (*services, error) {
	svc := &services{}

	var jetstreamContext nats.JetStreamContext

	publisher := core.JobEventPublisher(notify.Nop{})

	if cfg.NATS.Enabled() {
		natsConnection, err := nats.Connect(cfg.NATS.URL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.NATS.URL, err)
		}

		log.Info(logNATSConnected, cfg.NATS.URL)
		svc.natsConnection = natsConnection

		jetstreamContext, err = natsConnection.JetStream()
		if err != nil {
			natsConnection.Close()

			return nil, fmt.Errorf("failed to get JetStream context: %w", err)
		}

		natsPublisher, err := notify.NewNatsPublisher(natsConnection, cfg.NATS.JobEventsSubject, log)
		if err != nil {
			natsConnection.Close()

			return nil, err
		}

		publisher = natsPublisher
	}

	stager, err := newStager(cfg, jetstreamContext, log)
	if err != nil {
		svc.closeNATS()

		return nil, err
	}

	faces, err := staging.NewFaceVideos(cfg.Assets.BackendDir, cfg.Assets.FrontendDir, log)
	if err != nil {
		svc.closeNATS()

		return nil, err
	}

	lipSyncClient, err := lipsync.NewClient(cfg.LipSync, log)
	if err != nil {
		svc.closeNATS()

		return nil, err
	}

	voices := voice.NewClient(cfg.Voice, log)
	orchestrator := lipsync.NewOrchestrator(lipSyncClient, lipsync.OptionsFromConfig(cfg.LipSync), publisher, log)
	generator := pipeline.New(voices, faces, stager, orchestrator, log)

	svc.handler = server.NewRouter(cfg.Server, server.Dependencies{
		Voices:      voices,
		Chat:        chat.NewClient(cfg.Chat, log),
		Transcriber: whisper.NewClient(cfg.Transcription, log),
		Generator:   generator,
		Faces:       faces,
	}, log)

	if svc.natsConnection != nil {
		svc.worker = worker.NewNatsWorker(svc.natsConnection, cfg.NATS.GenerateSubject, generator,
			cfg.NATS.HandleTimeout(), cfg.NATS.MaxConcurrentJobs, log)
	}

	return svc, nil
}

func (s *services) closeNATS() {
	if s.natsConnection != nil {
		s.natsConnection.Close()
	}
}

func newStager(cfg *config.Config, jetstreamContext nats.JetStreamContext, log *logger.Logger) (core.Stager, error) {
	log.Info(logStagingBackend, cfg.Assets.StagingBackend)

	if cfg.Assets.StagingBackend == config.StagingNATS {
		if jetstreamContext == nil {
			return nil, errNATSStagingUnconfigured
		}

		return objectstore.New(jetstreamContext, cfg.NATS.StagingBucket, cfg.Assets.StagingTTL())
	}

	return staging.NewLocalStager(cfg.Assets.StagingDir, log)
}

func serve(cfg *config.Config, svc *services, log *logger.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	workerDone := make(chan error, 1)

	if svc.worker != nil {
		go func() { workerDone <- svc.worker.Run(ctx) }()
	} else {
		close(workerDone)
	}

	httpServer := &http.Server{
		Addr:              cfg.Server.Address(),
		Handler:           svc.handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	serveErr := make(chan error, 1)

	go func() {
		log.System(logListening, httpServer.Addr)

		listenErr := httpServer.ListenAndServe()
		if listenErr != nil && !errors.Is(listenErr, http.ErrServerClosed) {
			serveErr <- listenErr
		}

		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		stop()

		return fmt.Errorf("http server failed: %w", err)
	}

	log.System(logShuttingDown)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout())
	defer cancel()

	shutdownErr := httpServer.Shutdown(shutdownCtx)
	if shutdownErr != nil {
		log.Warn(logShutdownIncomplete, shutdownErr)
	}

	workerErr := <-workerDone
	if workerErr != nil {
		log.Error(logWorkerStopped, workerErr)
	}

	return nil
}

func main() {
	gin.SetMode(gin.ReleaseMode)

	err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Service exited with error: %v\n", err)
		os.Exit(1)
	}
}
