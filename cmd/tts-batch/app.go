package main

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/book-expert/logger"
	"github.com/book-expert/tts-batch/internal/config"
	"github.com/book-expert/tts-batch/internal/core"
	"github.com/book-expert/tts-batch/internal/keyring"
	"github.com/book-expert/tts-batch/internal/tts"
)

const (
	bootstrapLogFile = "tts-batch-bootstrap.log"
	logFile          = "tts-batch.log"
	logDirPermission = 0o750
)

// app holds what every command needs once configuration is loaded.
type app struct {
	cfg    *config.Config
	log    *logger.Logger
	ring   *keyring.Keyring
	client *tts.Client
	out    *syncWriter
}

func setupLogger(logPath, fileName string) (*logger.Logger, error) {
	dirErr := os.MkdirAll(logPath, logDirPermission)
	if dirErr != nil {
		return nil, fmt.Errorf("failed to create log directory %s: %w", logPath, dirErr)
	}

	log, err := logger.New(logPath, fileName)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger in %s: %w", logPath, err)
	}

	return log, nil
}

// newApp follows the bootstrap sequence: a temporary logger, then the
// configuration, then the final logger in the configured directory.
func newApp(opts *rootOptions, out io.Writer) (*app, error) {
	bootstrapLog, err := setupLogger(os.TempDir(), bootstrapLogFile)
	if err != nil {
		return nil, err
	}

	defer func() { _ = bootstrapLog.Close() }()

	cfg, err := loadConfig(opts.configPath, bootstrapLog)
	if err != nil {
		bootstrapLog.Error("Failed to load configuration: %v", err)

		return nil, err
	}

	if opts.keyringPath != "" {
		cfg.Paths.KeyringFile = opts.keyringPath
	}

	finalLog, err := setupLogger(cfg.Paths.BaseLogsDir, logFile)
	if err != nil {
		bootstrapLog.Error("Failed to create final logger: %v", err)

		return nil, err
	}

	ring, err := keyring.Load(cfg.Paths.KeyringFile)
	if err != nil {
		_ = finalLog.Close()

		return nil, fmt.Errorf("failed to load keyring: %w", err)
	}

	finalLog.System("tts-batch initialized with %d credentials and %d voices",
		len(ring.Credentials()), len(ring.Voices()))

	return &app{
		cfg:    cfg,
		log:    finalLog,
		ring:   ring,
		client: tts.NewClient(cfg.TTS.BaseURL, cfg.TTS.Timeout(), finalLog),
		out:    &syncWriter{w: out},
	}, nil
}

func loadConfig(path string, log *logger.Logger) (*config.Config, error) {
	if path != "" {
		cfg, err := config.LoadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load configuration: %w", err)
		}

		return cfg, nil
	}

	cfg, err := config.Load(log)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	return cfg, nil
}

func (a *app) close() {
	closeErr := a.log.Close()
	if closeErr != nil {
		fmt.Fprintf(os.Stderr, "error closing logger: %v\n", closeErr)
	}
}

// saveKeyring persists quota changes, logging instead of failing the command.
func (a *app) saveKeyring() {
	saveErr := a.ring.Save()
	if saveErr != nil {
		a.log.Error("Failed to save keyring: %v", saveErr)
		a.out.printf("warning: keyring not saved: %v\n", saveErr)
	}
}

// proxyFor returns the usable proxy assigned to cred, if any.
func proxyFor(proxies []core.ProxyBinding, cred core.Credential) *core.ProxyBinding {
	for i := range proxies {
		if proxies[i].ID == cred.ProxyID && proxies[i].Usable() {
			return &proxies[i]
		}
	}

	return nil
}

// syncWriter serializes output from engine callbacks running on workers.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) printf(format string, args ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, _ = fmt.Fprintf(s.w, format, args...)
}
