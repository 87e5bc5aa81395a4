package engine

import (
	"context"
	"time"

	"github.com/book-expert/tts-batch/internal/core"
)

// attemptOutcome is the result of the retry loop for one item.
type attemptOutcome struct {
	result     core.SynthesisResult
	credential core.Credential
	lastError  string
	succeeded  bool
}

// processItem runs the full lifecycle of one item on one worker.
func (e *Engine) processItem(ctx context.Context, workerID int, item *core.WorkItem) {
	if ctx.Err() != nil {
		return
	}

	e.setWorker(workerID, WorkerWorking, item.ID)
	defer e.setWorker(workerID, WorkerIdle, "")

	if e.waitGate(ctx, workerID) != nil {
		return
	}

	cred, ok := e.pool.NextAvailable()
	if !ok {
		e.warnf(logFmtNoCredential, item.Index+1)

		return
	}

	voiceID := item.VoiceID
	if voiceID == "" {
		voiceID = e.opts.DefaultVoiceID
	}

	if voiceID == "" {
		e.warnf(logFmtNoVoice, item.Index+1)

		if e.beginProcessing(ctx, workerID, item) {
			e.finish(workerID, item, attemptOutcome{lastError: msgNoVoice}, "")
		}

		return
	}

	settings := e.resolveSettings(voiceID)

	if !e.beginProcessing(ctx, workerID, item) {
		return
	}

	e.logf(logFmtProcessing, item.Index+1, settings.Model)

	outcome := e.attemptSynthesis(ctx, workerID, item, cred, core.SynthesisRequest{
		Text:       item.Text,
		VoiceID:    voiceID,
		Settings:   settings,
		OutputPath: e.outputPath(item),
	})

	e.finish(workerID, item, outcome, settings.Model)

	if outcome.succeeded {
		e.recordCredit(outcome.credential, item.Characters())
	}
}

// beginProcessing moves the item to Processing once the gate is open. It
// reports false if the run was stopped first, leaving the item Pending.
func (e *Engine) beginProcessing(ctx context.Context, workerID int, item *core.WorkItem) bool {
	for {
		if e.waitGate(ctx, workerID) != nil {
			return false
		}

		e.mu.Lock()

		if e.stopped || ctx.Err() != nil {
			e.mu.Unlock()

			return false
		}

		// Paused again between the gate opening and taking the lock.
		if e.paused {
			e.mu.Unlock()

			continue
		}

		err := item.Transition(core.StatusProcessing)
		if err != nil {
			e.mu.Unlock()
			e.warnf(logFmtSkipTransition, item.Index+1, err)

			return false
		}

		e.stats.Processing++
		e.touchWorkerLocked(workerID, WorkerWorking, item.ID)
		snapshot := *item
		e.mu.Unlock()

		e.emitItem(snapshot)

		return true
	}
}

// attemptSynthesis calls the synthesizer up to MaxRetries+1 times, rotating
// credentials on rate limits and rejections and backing off on transient
// failures.
func (e *Engine) attemptSynthesis(
	ctx context.Context,
	workerID int,
	item *core.WorkItem,
	cred core.Credential,
	req core.SynthesisRequest,
) attemptOutcome {
	outcome := attemptOutcome{credential: cred}
	rotated := false

	for attempt := 0; attempt <= e.opts.MaxRetries; attempt++ {
		if ctx.Err() != nil {
			break
		}

		if attempt > 0 {
			e.logf(logFmtRetry, attempt, e.opts.MaxRetries, item.Index+1)

			if !rotated {
				e.setWorkerStatus(workerID, WorkerWaiting)

				if !sleepContext(ctx, e.backoff(attempt)) {
					break
				}
			}
		}

		rotated = false

		if e.waitGate(ctx, workerID) != nil {
			break
		}

		if e.limiter != nil {
			if err := e.limiter.Wait(ctx); err != nil {
				break
			}
		}

		e.setWorkerStatus(workerID, WorkerWorking)

		req.Credential = outcome.credential
		req.Proxy = e.proxyFor(outcome.credential)

		// Stop must not abort a call already on the wire.
		result, err := e.synth.Synthesize(context.WithoutCancel(ctx), req)
		if err == nil {
			outcome.result = result
			outcome.succeeded = true

			return outcome
		}

		outcome.lastError = err.Error()

		switch core.KindOf(err) {
		case core.FailureRateLimited:
			e.logf(logFmtRateLimited, outcome.credential.DisplayName())
			e.pool.MarkRateLimited(outcome.credential.ID, e.opts.RateLimitCooldown)

			if !e.rotate(&outcome) {
				return outcome
			}

			rotated = true
		case core.FailureAuthInvalid:
			e.logf(logFmtAuthInvalid, outcome.credential.DisplayName())
			e.pool.MarkInvalid(outcome.credential.ID)

			if !e.rotate(&outcome) {
				return outcome
			}

			rotated = true
		case core.FailureFatal:
			e.warnf(logFmtFatal, item.Index+1, outcome.lastError)

			return outcome
		case core.FailureTransient:
		}

		if e.pool.AllExhausted() {
			e.warnf(logAllExhausted)

			return outcome
		}
	}

	if outcome.lastError == "" {
		outcome.lastError = msgStopped
	}

	return outcome
}

func (e *Engine) rotate(outcome *attemptOutcome) bool {
	next, ok := e.pool.NextAvailable()
	if !ok {
		e.warnf(logNoRotation)

		return false
	}

	outcome.credential = next

	return true
}

// finish records the terminal status of an item and releases the worker.
func (e *Engine) finish(workerID int, item *core.WorkItem, outcome attemptOutcome, model string) {
	e.mu.Lock()

	e.stats.Processing--

	var transitionErr error

	if outcome.succeeded {
		transitionErr = item.Transition(core.StatusDone)
		item.OutputPath = e.outputPath(item)
		item.AudioDuration = outcome.result.DurationSeconds
		item.ErrorMessage = ""

		item.ModelUsed = outcome.result.Model
		if item.ModelUsed == "" {
			item.ModelUsed = model
		}

		e.stats.Completed++
	} else {
		transitionErr = item.Transition(core.StatusError)
		item.ErrorMessage = outcome.lastError
		item.RetryCount++
		e.stats.Failed++
	}

	info := e.stats.Workers[workerID]
	info.Processed++
	e.stats.Workers[workerID] = info
	e.touchWorkerLocked(workerID, WorkerIdle, "")

	snapshot := *item
	stats := e.stats.clone()
	e.mu.Unlock()

	if transitionErr != nil {
		e.warnf(logFmtBadFinish, snapshot.Index+1, transitionErr)
	}

	if outcome.succeeded {
		e.logf(logFmtCompleted, snapshot.Index+1, snapshot.ModelUsed)
	} else {
		e.warnf(logFmtFailed, snapshot.Index+1, snapshot.ErrorMessage)
	}

	e.emitItem(snapshot)
	e.emitProgress(stats)
}

func (e *Engine) recordCredit(cred core.Credential, characters int) {
	updated, ok := e.pool.RecordUsage(cred.ID, characters)
	if !ok {
		updated = cred
		updated.Used += characters
	}

	if e.observer.OnCreditUsed != nil {
		e.observer.OnCreditUsed(updated, characters)
	}
}

func (e *Engine) resolveSettings(voiceID string) core.VoiceSettings {
	if e.voices == nil {
		return core.DefaultVoiceSettings()
	}

	settings, err := e.voices.Voice(voiceID)
	if err != nil {
		e.warnf(logFmtVoiceLookup, voiceID, err)

		return core.DefaultVoiceSettings()
	}

	return settings
}

func (e *Engine) proxyFor(cred core.Credential) *core.ProxyBinding {
	if cred.ProxyID == "" {
		return nil
	}

	proxy, ok := e.proxies[cred.ProxyID]
	if !ok || !proxy.Usable() {
		return nil
	}

	return &proxy
}

// backoff returns min(2^attempt, MaxBackoff/BackoffUnit) units.
func (e *Engine) backoff(attempt int) time.Duration {
	const maxShift = 30
	if attempt >= maxShift {
		return e.opts.MaxBackoff
	}

	return min(e.opts.BackoffUnit*time.Duration(1<<attempt), e.opts.MaxBackoff)
}

// waitGate blocks while paused, marking the worker as waiting.
func (e *Engine) waitGate(ctx context.Context, workerID int) error {
	if e.gate.opened() {
		return ctx.Err()
	}

	e.setWorkerStatus(workerID, WorkerWaiting)

	err := e.gate.wait(ctx)
	if err == nil {
		e.setWorkerStatus(workerID, WorkerWorking)
	}

	return err
}

func (e *Engine) setWorker(workerID int, status WorkerStatus, itemID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.touchWorkerLocked(workerID, status, itemID)
}

func (e *Engine) setWorkerStatus(workerID int, status WorkerStatus) {
	e.mu.Lock()
	defer e.mu.Unlock()

	info := e.stats.Workers[workerID]
	info.Status = status
	info.LastActivity = time.Now()
	e.stats.Workers[workerID] = info
}

func (e *Engine) touchWorkerLocked(workerID int, status WorkerStatus, itemID string) {
	info := e.stats.Workers[workerID]
	info.ID = workerID
	info.Status = status
	info.CurrentItemID = itemID
	info.LastActivity = time.Now()
	e.stats.Workers[workerID] = info
}
