package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/book-expert/tts-batch/internal/batch"
	"github.com/book-expert/tts-batch/internal/core"
	"github.com/book-expert/tts-batch/internal/credentials"
	"github.com/book-expert/tts-batch/internal/engine"
	"github.com/book-expert/tts-batch/internal/notify"
	"github.com/book-expert/tts-batch/internal/objectstore"
	"github.com/dustin/go-humanize"
	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
)

const resultsFileName = "results.json"

// Console messages.
const (
	msgFmtItemDone     = "[%d/%d] item %d done (%.1fs, %s)\n"
	msgFmtItemFailed   = "[%d/%d] item %d failed: %s\n"
	msgFmtLoopStarted  = "Starting %s pass\n"
	msgFmtEvicted      = "Credential %s removed: %s\n"
	msgFmtScheduled    = "Processing %d items with %d workers\n"
	msgFmtSummary      = "Done: %d  Failed: %d  Pending: %d  Audio: %.1f min  Characters: %s\n"
	msgFmtResults      = "Results written to %s\n"
	msgFmtNATSWorkflow = "Publishing to NATS as workflow %s\n"
	msgNothingToDo     = "Nothing to process: every item is already done"
	msgStopping        = "Stopping after in-flight items finish..."
)

type runOptions struct {
	workers   int
	voiceID   string
	outputDir string
	loop      bool
	loopCount int
	resume    bool
	normalize bool
	verbose   bool
}

func newRunCmd(root *rootOptions) *cobra.Command {
	opts := &runOptions{}

	cmd := &cobra.Command{
		Use:   "run <batch-file>",
		Short: "Synthesize every item of a batch file",
		Long: "Synthesize every item of a text (one item per line) or JSON batch file.\n" +
			"A results.json file written by a previous run can be passed back with --resume.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(root, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer a.close()

			applyRunFlags(cmd, a, opts)

			return a.runBatch(cmd.Context(), args[0], opts)
		},
	}

	flags := cmd.Flags()
	flags.IntVar(&opts.workers, flagWorkers, 0, "Number of concurrent workers (overrides engine.workers)")
	flags.StringVar(&opts.voiceID, flagVoice, "", "Voice for items without one (overrides engine.default_voice_id)")
	flags.StringVar(&opts.outputDir, flagOutput, "", "Output directory (overrides engine.output_dir)")
	flags.BoolVar(&opts.loop, flagLoop, false, "Replay the batch after it finishes")
	flags.IntVar(&opts.loopCount, flagLoopCount, 0, "Number of passes in loop mode, 0 loops until stopped")
	flags.BoolVar(&opts.resume, flagResume, false, "Keep Done and Error states found in a JSON batch")
	flags.BoolVar(&opts.normalize, flagNormalize, false, "Clean up text before synthesis")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "Print engine log lines")

	return cmd
}

// applyRunFlags lets explicitly set flags override the configuration.
func applyRunFlags(cmd *cobra.Command, a *app, opts *runOptions) {
	flags := cmd.Flags()

	if flags.Changed(flagWorkers) {
		a.cfg.Engine.Workers = opts.workers
	}

	if flags.Changed(flagVoice) {
		a.cfg.Engine.DefaultVoiceID = opts.voiceID
	}

	if flags.Changed(flagOutput) {
		a.cfg.Engine.OutputDir = opts.outputDir
	}

	if flags.Changed(flagLoop) {
		a.cfg.Engine.LoopEnabled = opts.loop
	}

	if flags.Changed(flagLoopCount) {
		a.cfg.Engine.LoopCount = opts.loopCount
	}

	if flags.Changed(flagNormalize) {
		a.cfg.Engine.NormalizeText = opts.normalize
	}
}

func (a *app) engineOptions() engine.Options {
	engineCfg := a.cfg.Engine

	return engine.Options{
		Workers:           engineCfg.Workers,
		MaxRetries:        engineCfg.Retries(),
		DefaultVoiceID:    engineCfg.DefaultVoiceID,
		OutputDir:         engineCfg.OutputDir,
		FileNameFormat:    engineCfg.FileNameFormat,
		RateLimitCooldown: engineCfg.RateLimitCooldown(),
		MaxBackoff:        engineCfg.MaxBackoff(),
		RequestDelay:      engineCfg.RequestDelay(),
	}
}

func (a *app) loadItems(path string, resume bool) ([]*core.WorkItem, error) {
	items, err := batch.Load(path, batch.LoadOptions{
		VoiceID:    a.cfg.Engine.DefaultVoiceID,
		Normalize:  a.cfg.Engine.NormalizeText,
		KeepStatus: resume,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load batch: %w", err)
	}

	for _, item := range items {
		if item.VoiceName == "" {
			item.VoiceName = a.ring.VoiceName(item.VoiceID)
		}
	}

	return items, nil
}

// consoleObserver prints item results and records evicted credentials in the
// keyring. Evicted credentials leave the pool, so the final snapshot in
// finishRun no longer carries them.
func (a *app) consoleObserver(verbose bool, charactersUsed *atomic.Int64) engine.Observer {
	var (
		mu       sync.Mutex
		loop     int
		total    int
		finished int
	)

	return engine.Observer{
		OnProgress: func(stats engine.Stats) {
			mu.Lock()
			defer mu.Unlock()

			if stats.CurrentLoop != loop {
				if loop > 0 {
					a.out.printf(msgFmtLoopStarted, humanize.Ordinal(stats.CurrentLoop))
				}

				loop = stats.CurrentLoop
				finished = 0
			}

			total = stats.Total
		},
		OnItemUpdate: func(item core.WorkItem) {
			mu.Lock()
			defer mu.Unlock()

			switch item.Status {
			case core.StatusDone:
				finished++
				a.out.printf(msgFmtItemDone, finished, total, item.Index+1, item.AudioDuration, item.ModelUsed)
			case core.StatusError:
				finished++
				a.out.printf(msgFmtItemFailed, finished, total, item.Index+1, item.ErrorMessage)
			case core.StatusPending, core.StatusProcessing:
			}
		},
		OnLog: func(message string) {
			if verbose {
				a.out.printf("%s\n", message)
			}
		},
		OnCreditUsed: func(cred core.Credential, characters int) {
			charactersUsed.Add(int64(characters))
			a.log.Info("Credential %s used %d characters, %d remaining", cred.DisplayName(), characters, cred.Remaining())
		},
		OnCredentialEvicted: func(cred core.Credential, reason string) {
			a.out.printf(msgFmtEvicted, cred.DisplayName(), reason)
			a.ring.UpdateCredential(cred)
		},
	}
}

func (a *app) runBatch(ctx context.Context, batchPath string, opts *runOptions) error {
	items, err := a.loadItems(batchPath, opts.resume)
	if err != nil {
		return err
	}

	var charactersUsed atomic.Int64

	observer := a.consoleObserver(opts.verbose, &charactersUsed)

	bridge, err := a.connectNATS(len(items))
	if err != nil {
		return err
	}

	if bridge != nil {
		observer = bridge.publisher.Observer(observer)
		a.out.printf(msgFmtNATSWorkflow, bridge.publisher.WorkflowID())
	}

	pool := credentials.NewPool(a.ring.Credentials(), a.cfg.Engine.MinCreditThreshold)
	eng := engine.New(pool, a.client, a.ring, a.ring.Proxies(), a.engineOptions(), observer, a.log)
	eng.SetLoopMode(a.cfg.Engine.LoopEnabled, a.cfg.Engine.LoopCount, a.cfg.Engine.LoopDelay())

	if bridge != nil {
		bridge.start(ctx, eng)
	}

	scheduled, err := eng.Start(ctx, items)
	if err != nil {
		bridge.stop()

		return fmt.Errorf("failed to start engine: %w", err)
	}

	if scheduled == 0 {
		a.out.printf("%s\n", msgNothingToDo)
	} else {
		a.out.printf(msgFmtScheduled, scheduled, a.cfg.Engine.Workers)
	}

	a.waitForEngine(ctx, eng)
	bridge.stop()

	for _, cred := range pool.Snapshot() {
		a.ring.UpdateCredential(cred)
	}

	return a.finishRun(items, charactersUsed.Load())
}

// waitForEngine blocks until the run ends. An interrupt stops the engine and
// waits for items in flight.
func (a *app) waitForEngine(ctx context.Context, eng *engine.Engine) {
	signalCtx, stopSignals := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	select {
	case <-eng.Done():
	case <-signalCtx.Done():
		a.out.printf("%s\n", msgStopping)
		eng.Stop()
		<-eng.Done()
	}
}

func (a *app) finishRun(items []*core.WorkItem, charactersUsed int64) error {
	a.saveKeyring()

	resultsPath := filepath.Join(a.cfg.Engine.OutputDir, resultsFileName)

	err := batch.SaveResults(resultsPath, items)
	if err != nil {
		return fmt.Errorf("failed to save results: %w", err)
	}

	const secondsPerMinute = 60

	summary := batch.Summarize(items)
	a.out.printf(msgFmtSummary, summary.Done, summary.Failed, summary.Pending,
		summary.Duration/secondsPerMinute, humanize.Comma(charactersUsed))
	a.out.printf(msgFmtResults, resultsPath)
	a.log.Info("Run finished: %d done, %d failed, %d pending", summary.Done, summary.Failed, summary.Pending)

	return nil
}

// natsBridge runs the publisher and the remote controller of one run.
type natsBridge struct {
	conn       *nats.Conn
	publisher  *notify.Publisher
	controller *notify.Controller
	subject    string
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	app        *app
}

// connectNATS returns nil when NATS is disabled.
func (a *app) connectNATS(totalItems int) (*natsBridge, error) {
	natsCfg := a.cfg.NATS
	if !natsCfg.Enabled {
		return nil, nil
	}

	conn, err := nats.Connect(natsCfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	jetstreamContext, err := conn.JetStream()
	if err != nil {
		conn.Close()

		return nil, fmt.Errorf("failed to get JetStream context: %w", err)
	}

	archive, err := objectstore.New(jetstreamContext, natsCfg.AudioObjectStoreBucket)
	if err != nil {
		conn.Close()

		return nil, fmt.Errorf("failed to open audio archive: %w", err)
	}

	publisher := notify.NewPublisher(conn, archive, notify.Options{
		Subjects: notify.Subjects{
			Progress:     natsCfg.ProgressSubject,
			Item:         natsCfg.ItemSubject,
			AudioCreated: natsCfg.AudioChunkCreatedSubject,
		},
		WorkflowID: natsCfg.WorkflowID,
		TotalItems: totalItems,
	}, a.log)

	return &natsBridge{conn: conn, publisher: publisher, subject: natsCfg.ControlSubject, app: a}, nil
}

func (b *natsBridge) start(ctx context.Context, eng *engine.Engine) {
	b.controller = notify.NewController(b.conn, b.subject, b.publisher.WorkflowID(), eng, b.app.log)

	controlCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel

	b.wg.Add(2)

	go func() {
		defer b.wg.Done()

		runErr := b.publisher.Run(ctx)
		if runErr != nil {
			b.app.log.Error("Publisher stopped: %v", runErr)
		}
	}()

	go func() {
		defer b.wg.Done()

		runErr := b.controller.Run(controlCtx)
		if runErr != nil {
			b.app.log.Error("Controller stopped: %v", runErr)
		}
	}()
}

// stop flushes pending events and closes the connection. It is a no-op on a
// nil bridge.
func (b *natsBridge) stop() {
	if b == nil {
		return
	}

	b.publisher.Close()

	if b.cancel != nil {
		b.cancel()
	}

	b.wg.Wait()
	b.conn.Close()
}
