// Command lipsync-client submits a local face video and audio track to the
// lip-sync provider and prints the resulting video URL.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/book-expert/avatar-service/internal/config"
	"github.com/book-expert/avatar-service/internal/core"
	"github.com/book-expert/avatar-service/internal/lipsync"
	"github.com/book-expert/logger"
	"github.com/joho/godotenv"
)

// Flag descriptions.
const (
	flagVideoDesc   = "Face video file (.mp4)"
	flagAudioDesc   = "Audio file to lip-sync onto the face video"
	flagConfigDesc  = "Path to a TOML configuration file (defaults to the central configurator)"
	flagTimeoutDesc = "Overall time limit for the job (0 uses the configured poll timeout)"
	flagVerboseDesc = "Enable verbose logging"
)

// Flag names.
const (
	flagVideo   = "video"
	flagAudio   = "audio"
	flagConfig  = "config"
	flagTimeout = "timeout"
	flagVerbose = "verbose"
)

// Error messages.
const (
	errVideoRequired      = "--video must be provided"
	errAudioRequired      = "--audio must be provided"
	errFmtLoadConfig      = "failed to load configuration: %w"
	errFmtInitLogger      = "failed to initialize logger: %w"
	errFmtInputNotFound   = "input file %s: %w"
	errFmtLipSyncFailed   = "lip-sync failed: %w"
	errFmtNegativeTimeout = "--timeout must not be negative, got %s"
)

// Log messages.
const (
	logSubmitting  = "Submitting %s and %s"
	logResolved    = "Resolved %s in %s mode after %d polls"
	logFileDefault = "lipsync-client.log"
	logFileVerbose = "lipsync-client-verbose.log"
)

// appFlags holds the parsed command-line flag values.
type appFlags struct {
	video   string
	audio   string
	config  string
	timeout time.Duration
	verbose bool
}

func main() {
	err := run()
	if err != nil {
		// A logger might not be initialized yet, so use the standard log package.
		log.Fatalf("Error: %v", err)
	}
}

func run() error {
	flags, err := parseFlags(flag.CommandLine, os.Args[1:])
	if err != nil {
		return err
	}

	err = validateFlags(flags)
	if err != nil {
		flag.Usage()

		return err
	}

	_ = godotenv.Load()

	cfg, appLog, err := setup(flags)
	if err != nil {
		return err
	}
	defer appLog.Close()

	videoURL, err := submit(flags, cfg, appLog)
	if err != nil {
		return err
	}

	fmt.Println(videoURL)

	return nil
}

// parseFlags defines and parses the command-line flags on fs.
func parseFlags(fs *flag.FlagSet, args []string) (appFlags, error) {
	var flags appFlags

	fs.StringVar(&flags.video, flagVideo, "", flagVideoDesc)
	fs.StringVar(&flags.audio, flagAudio, "", flagAudioDesc)
	fs.StringVar(&flags.config, flagConfig, "", flagConfigDesc)
	fs.DurationVar(&flags.timeout, flagTimeout, 0, flagTimeoutDesc)
	fs.BoolVar(&flags.verbose, flagVerbose, false, flagVerboseDesc)

	err := fs.Parse(args)
	if err != nil {
		return appFlags{}, fmt.Errorf("failed to parse flags: %w", err)
	}

	return flags, nil
}

// validateFlags checks required and malformed arguments.
func validateFlags(flags appFlags) error {
	if flags.video == "" {
		return errors.New(errVideoRequired)
	}

	if flags.audio == "" {
		return errors.New(errAudioRequired)
	}

	if flags.timeout < 0 {
		return fmt.Errorf(errFmtNegativeTimeout, flags.timeout)
	}

	for _, path := range []string{flags.video, flags.audio} {
		_, statErr := os.Stat(path)
		if statErr != nil {
			return fmt.Errorf(errFmtInputNotFound, path, statErr)
		}
	}

	return nil
}

// setup loads configuration and opens the client logger.
func setup(flags appFlags) (*config.Config, *logger.Logger, error) {
	logFileName := logFileDefault
	if flags.verbose {
		logFileName = logFileVerbose
	}

	bootstrapLog, err := logger.New(os.TempDir(), logFileName)
	if err != nil {
		return nil, nil, fmt.Errorf(errFmtInitLogger, err)
	}

	var cfg *config.Config
	if flags.config != "" {
		cfg, err = config.LoadFile(flags.config)
	} else {
		cfg, err = config.Load(bootstrapLog)
	}

	if err != nil {
		_ = bootstrapLog.Close()

		return nil, nil, fmt.Errorf(errFmtLoadConfig, err)
	}

	if cfg.Paths.BaseLogsDir == "" {
		return cfg, bootstrapLog, nil
	}

	appLog, err := logger.New(cfg.Paths.BaseLogsDir, logFileName)

	_ = bootstrapLog.Close()

	if err != nil {
		return nil, nil, fmt.Errorf(errFmtInitLogger, err)
	}

	return cfg, appLog, nil
}

func fileUpload(path string) core.Upload {
	return core.Upload{
		Name: filepath.Base(path),
		Open: func() (io.ReadCloser, error) { return os.Open(path) },
	}
}

// submit runs one job against the provider.
func submit(flags appFlags, cfg *config.Config, appLog *logger.Logger) (string, error) {
	client, err := lipsync.NewClient(cfg.LipSync, appLog)
	if err != nil {
		return "", err
	}

	opts := lipsync.OptionsFromConfig(cfg.LipSync)

	ctx := context.Background()

	if flags.timeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, flags.timeout)
		defer cancel()
	}

	appLog.Info(logSubmitting, flags.video, flags.audio)

	result, err := lipsync.NewOrchestrator(client, opts, nil, appLog).
		SubmitAndResolve(ctx, fileUpload(flags.video), fileUpload(flags.audio))
	if err != nil {
		appLog.Error("Lip-sync failed: %v", err)

		return "", fmt.Errorf(errFmtLipSyncFailed, err)
	}

	appLog.Info(logResolved, result.VideoURL, result.Mode, result.Polls)

	return result.VideoURL, nil
}
