// Package engine turns a batch of work items into audio files using a bounded
// pool of workers, a shared credential pool and a retry policy, with
// cooperative pause, stop and loop replay.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/tts-batch/internal/core"
	"github.com/book-expert/tts-batch/internal/credentials"
	"golang.org/x/time/rate"
)

// Worker bounds and defaults.
const (
	MinWorkers = 1
	MaxWorkers = 50

	DefaultMaxRetries        = 3
	DefaultFileNameFormat    = "%05d.mp3"
	DefaultRateLimitCooldown = 60 * time.Second
	DefaultBackoffUnit       = time.Second
	DefaultMaxBackoff        = 30 * time.Second
	DefaultLoopDelay         = 5 * time.Second

	// MinUnboundedLoopDelay is the shortest pause between passes when looping
	// until stopped.
	MinUnboundedLoopDelay = time.Second

	dirPermissions = 0o750
)

var (
	// ErrAlreadyRunning is returned when Start is called during a run.
	ErrAlreadyRunning = errors.New("engine is already running")
	// ErrNoCredentials is returned when the credential pool is empty at Start.
	ErrNoCredentials = errors.New("no credentials configured")
	// ErrOutputDirEmpty indicates that no output directory was configured.
	ErrOutputDirEmpty = errors.New("output directory cannot be empty")
)

// Log formats.
const (
	logFmtStarting        = "Starting processing of %d items with %d workers"
	logFmtNoCredential    = "No available credentials for item %d"
	logFmtNoVoice         = "No voice assigned for item %d"
	logFmtVoiceLookup     = "Voice %s not found in catalog, using default settings: %v"
	logFmtProcessing      = "Processing item %d with model %s"
	logFmtRetry           = "Retry %d/%d for item %d"
	logFmtRateLimited     = "Rate limit hit on credential %s, rotating"
	logFmtAuthInvalid     = "Credential %s rejected by the service, rotating"
	logFmtFatal           = "Item %d failed permanently: %s"
	logFmtCompleted       = "Item %d completed with model %s"
	logFmtFailed          = "Item %d failed: %s"
	logFmtCredentialEvict = "Credential %s removed: %s"
	logFmtLoopComplete    = "Loop %d complete. Starting loop %d in %s"
	logFmtNothingToReplay = "Loop %d complete. Nothing left to replay"
	logFmtSkipTransition  = "Skipping item %d: %v"
	logFmtBadFinish       = "Item %d finished from an unexpected state: %v"
	logAllExhausted       = "All credentials exhausted"
	logNoRotation         = "No other credential available"
	logPaused             = "Processing paused"
	logResumed            = "Processing resumed"
	logStopRequested      = "Stop requested, waiting for current tasks to complete"
	logComplete           = "Processing complete"

	msgNoVoice = "no voice assigned"
	msgStopped = "processing stopped before a successful attempt"
)

// Options configures an Engine. Zero values fall back to the package defaults.
type Options struct {
	Workers           int
	MaxRetries        int
	DefaultVoiceID    string
	OutputDir         string
	FileNameFormat    string
	RateLimitCooldown time.Duration
	// BackoffUnit is multiplied by 2^attempt between transient retries.
	BackoffUnit  time.Duration
	MaxBackoff   time.Duration
	RequestDelay time.Duration
}

func (o Options) withDefaults() Options {
	o.Workers = min(max(o.Workers, MinWorkers), MaxWorkers)

	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}

	if o.FileNameFormat == "" {
		o.FileNameFormat = DefaultFileNameFormat
	}

	if o.RateLimitCooldown <= 0 {
		o.RateLimitCooldown = DefaultRateLimitCooldown
	}

	if o.BackoffUnit <= 0 {
		o.BackoffUnit = DefaultBackoffUnit
	}

	if o.MaxBackoff <= 0 {
		o.MaxBackoff = DefaultMaxBackoff
	}

	return o
}

// Observer receives progress from the engine. Callbacks may be invoked from
// any worker goroutine, never while an engine lock is held; implementations
// must be safe for concurrent use or dispatch internally.
type Observer struct {
	OnProgress          func(stats Stats)
	OnItemUpdate        func(item core.WorkItem)
	OnLog               func(message string)
	OnCreditUsed        func(cred core.Credential, charactersUsed int)
	OnCredentialEvicted func(cred core.Credential, reason string)
}

// Engine is the batch processing engine.
type Engine struct {
	pool     *credentials.Pool
	synth    core.Synthesizer
	voices   core.VoiceCatalog
	proxies  map[string]core.ProxyBinding
	opts     Options
	observer Observer
	log      *logger.Logger
	limiter  *rate.Limiter
	gate     *gate

	mu          sync.Mutex
	stats       Stats
	running     bool
	paused      bool
	stopped     bool
	cancel      context.CancelFunc
	done        chan struct{}
	loopEnabled bool
	loopCount   int
	loopDelay   time.Duration
}

// New creates an engine. voices and log may be nil. The engine installs
// itself as the pool's eviction handler.
func New(
	pool *credentials.Pool,
	synth core.Synthesizer,
	voices core.VoiceCatalog,
	proxies []core.ProxyBinding,
	opts Options,
	observer Observer,
	log *logger.Logger,
) *Engine {
	opts = opts.withDefaults()

	proxyMap := make(map[string]core.ProxyBinding, len(proxies))
	for _, proxy := range proxies {
		proxyMap[proxy.ID] = proxy
	}

	done := make(chan struct{})
	close(done)

	engine := &Engine{
		pool:      pool,
		synth:     synth,
		voices:    voices,
		proxies:   proxyMap,
		opts:      opts,
		observer:  observer,
		log:       log,
		gate:      newGate(),
		done:      done,
		loopDelay: DefaultLoopDelay,
	}

	if opts.RequestDelay > 0 {
		engine.limiter = rate.NewLimiter(rate.Every(opts.RequestDelay), 1)
	}

	pool.SetEvictionHandler(engine.handleEvicted)

	return engine
}

// Start filters items to those Pending or Error, resets Error items to
// Pending and processes them asynchronously. It returns the number of items
// scheduled. The item slice must not be modified by the caller until Done is
// closed; the engine mutates the items in place.
func (e *Engine) Start(ctx context.Context, items []*core.WorkItem) (int, error) {
	if e.opts.OutputDir == "" {
		return 0, ErrOutputDirEmpty
	}

	if e.pool.Len() == 0 {
		return 0, ErrNoCredentials
	}

	dirErr := os.MkdirAll(e.opts.OutputDir, dirPermissions)
	if dirErr != nil {
		return 0, fmt.Errorf("failed to create output directory: %w", dirErr)
	}

	e.mu.Lock()

	if e.running {
		e.mu.Unlock()

		return 0, ErrAlreadyRunning
	}

	batch := make([]*core.WorkItem, 0, len(items))
	resets := make([]core.WorkItem, 0)

	for _, item := range items {
		switch item.Status {
		case core.StatusPending:
			batch = append(batch, item)
		case core.StatusError:
			if err := item.Transition(core.StatusPending); err != nil {
				continue
			}

			item.ErrorMessage = ""
			batch = append(batch, item)
			resets = append(resets, *item)
		case core.StatusProcessing, core.StatusDone:
		}
	}

	runCtx, cancel := context.WithCancel(ctx)

	e.stats = Stats{
		Total:       len(batch),
		CurrentLoop: 1,
		StartTime:   time.Now(),
		Workers:     e.idleWorkers(),
	}
	e.running = true
	e.paused = false
	e.stopped = false
	e.cancel = cancel
	e.done = make(chan struct{})
	e.gate.open()
	stats := e.stats.clone()
	done := e.done

	e.mu.Unlock()

	for _, item := range resets {
		e.emitItem(item)
	}

	e.emitProgress(stats)
	e.logf(logFmtStarting, len(batch), e.opts.Workers)

	go e.run(runCtx, batch, done)

	return len(batch), nil
}

// Pause stops workers from starting new attempts. Attempts in flight finish.
func (e *Engine) Pause() {
	e.mu.Lock()

	if !e.running || e.paused || e.stopped {
		e.mu.Unlock()

		return
	}

	e.paused = true
	e.gate.close()
	e.mu.Unlock()

	e.logf(logPaused)
}

// Resume releases workers blocked by Pause.
func (e *Engine) Resume() {
	e.mu.Lock()

	if !e.running || !e.paused {
		e.mu.Unlock()

		return
	}

	e.paused = false
	e.gate.open()
	e.mu.Unlock()

	e.logf(logResumed)
}

// Stop prevents new work pickup and new retries. In-flight synthesis calls are
// not aborted; use Done or Wait to observe the end of the run.
func (e *Engine) Stop() {
	e.mu.Lock()

	if !e.running || e.stopped {
		e.mu.Unlock()

		return
	}

	e.stopped = true
	e.paused = false
	e.gate.open()
	e.cancel()
	e.mu.Unlock()

	e.logf(logStopRequested)
}

// SetLoopMode configures replay of the batch. count 0 loops until stopped,
// waiting at least MinUnboundedLoopDelay between passes. A run ends early once
// every item is Done. It may be called during a run; the settings are read at
// each loop boundary.
func (e *Engine) SetLoopMode(enabled bool, count int, delay time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.loopEnabled = enabled
	e.loopCount = max(count, 0)
	e.loopDelay = max(delay, 0)
}

// IsRunning reports whether a run is in progress.
func (e *Engine) IsRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.running
}

// IsPaused reports whether the engine is paused.
func (e *Engine) IsPaused() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.paused
}

// Stats returns a snapshot of the current progress.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.stats.clone()
}

// Done returns a channel closed when the current run ends.
func (e *Engine) Done() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.done
}

// Wait blocks until the current run ends or ctx is done.
func (e *Engine) Wait(ctx context.Context) error {
	select {
	case <-e.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) run(ctx context.Context, batch []*core.WorkItem, done chan struct{}) {
	defer func() {
		e.mu.Lock()
		e.running = false
		e.paused = false
		e.cancel()
		stats := e.stats.clone()
		e.mu.Unlock()

		e.logf(logComplete)
		e.emitProgress(stats)
		close(done)
	}()

	for loop := 1; ; loop++ {
		pending, resets, stats := e.prepareLoop(loop, batch)

		for _, item := range resets {
			e.emitItem(item)
		}

		e.emitProgress(stats)
		e.runPass(ctx, pending)

		if ctx.Err() != nil {
			return
		}

		enabled, count, delay := e.loopSettings()
		if !enabled || (count > 0 && loop >= count) {
			return
		}

		if !e.hasReplayable(batch) {
			e.logf(logFmtNothingToReplay, loop)

			return
		}

		if e.pool.Len() == 0 {
			e.warnf(logAllExhausted)

			return
		}

		if count == 0 {
			delay = max(delay, MinUnboundedLoopDelay)
		}

		e.logf(logFmtLoopComplete, loop, loop+1, delay)

		if !sleepContext(ctx, delay) {
			return
		}

		e.mu.Lock()
		e.stats.Completed = 0
		e.stats.Failed = 0
		e.mu.Unlock()
	}
}

// prepareLoop sets the loop counter, resets Error items on replays and
// returns the items to process in this pass.
func (e *Engine) prepareLoop(loop int, batch []*core.WorkItem) ([]*core.WorkItem, []core.WorkItem, Stats) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.stats.CurrentLoop = loop
	e.stats.Workers = e.idleWorkers()

	var resets []core.WorkItem

	pending := make([]*core.WorkItem, 0, len(batch))

	for _, item := range batch {
		if loop > 1 && item.Status == core.StatusError {
			if err := item.Transition(core.StatusPending); err == nil {
				resets = append(resets, *item)
			}
		}

		if item.Status == core.StatusPending {
			pending = append(pending, item)
		}
	}

	return pending, resets, e.stats.clone()
}

// runPass drains one pass of the batch with the configured number of workers.
func (e *Engine) runPass(ctx context.Context, pending []*core.WorkItem) {
	queue := make(chan *core.WorkItem, len(pending))
	for _, item := range pending {
		queue <- item
	}

	close(queue)

	var waitGroup sync.WaitGroup

	for workerID := range e.opts.Workers {
		waitGroup.Add(1)

		go func(id int) {
			defer waitGroup.Done()

			for item := range queue {
				if ctx.Err() != nil {
					return
				}

				e.processItem(ctx, id, item)
			}
		}(workerID)
	}

	waitGroup.Wait()
}

// hasReplayable reports whether another pass would have any item to process.
func (e *Engine) hasReplayable(batch []*core.WorkItem) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, item := range batch {
		if item.Status == core.StatusPending || item.Status == core.StatusError {
			return true
		}
	}

	return false
}

func (e *Engine) loopSettings() (bool, int, time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.loopEnabled, e.loopCount, e.loopDelay
}

func (e *Engine) idleWorkers() map[int]WorkerInfo {
	workers := make(map[int]WorkerInfo, e.opts.Workers)
	for id := range e.opts.Workers {
		workers[id] = WorkerInfo{ID: id, Status: WorkerIdle}
	}

	return workers
}

func (e *Engine) handleEvicted(cred core.Credential, reason string) {
	e.logf(logFmtCredentialEvict, cred.DisplayName(), reason)

	if e.observer.OnCredentialEvicted != nil {
		e.observer.OnCredentialEvicted(cred, reason)
	}
}

func (e *Engine) logf(format string, args ...any) {
	message := fmt.Sprintf(format, args...)

	if e.log != nil {
		e.log.Info("%s", message)
	}

	if e.observer.OnLog != nil {
		e.observer.OnLog(message)
	}
}

func (e *Engine) warnf(format string, args ...any) {
	message := fmt.Sprintf(format, args...)

	if e.log != nil {
		e.log.Warn("%s", message)
	}

	if e.observer.OnLog != nil {
		e.observer.OnLog(message)
	}
}

func (e *Engine) emitItem(item core.WorkItem) {
	if e.observer.OnItemUpdate != nil {
		e.observer.OnItemUpdate(item)
	}
}

func (e *Engine) emitProgress(stats Stats) {
	if e.observer.OnProgress != nil {
		e.observer.OnProgress(stats)
	}
}

func (e *Engine) outputPath(item *core.WorkItem) string {
	return filepath.Join(e.opts.OutputDir, fmt.Sprintf(e.opts.FileNameFormat, item.Index+1))
}

func sleepContext(ctx context.Context, delay time.Duration) bool {
	if delay <= 0 {
		return ctx.Err() == nil
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
