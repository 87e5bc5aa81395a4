// Package notify bridges the batch engine to NATS: it publishes progress,
// item updates and audio-created events, archives finished audio, and
// accepts remote control commands.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/book-expert/events"
	"github.com/book-expert/logger"
	"github.com/book-expert/tts-batch/internal/core"
	"github.com/book-expert/tts-batch/internal/engine"
	"github.com/book-expert/tts-batch/internal/objectstore"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

const (
	defaultBufferSize = 256
	flushTimeout      = 5 * time.Second
)

// Log formats.
const (
	logFmtPublishFailed  = "Failed to publish to %s: %v"
	logFmtArchiveFailed  = "Failed to archive audio for item %d: %v"
	logFmtArchived       = "Archived item %d as %s"
	logFmtCredentialGone = "Credential %s evicted: %s"
	logFmtDropped        = "Dropped %d progress snapshots while NATS was busy"
)

type eventKind int

const (
	eventProgress eventKind = iota
	eventItem
)

type event struct {
	kind  eventKind
	stats engine.Stats
	item  core.WorkItem
}

// Subjects are the NATS subjects the publisher writes to.
type Subjects struct {
	Progress     string
	Item         string
	AudioCreated string
}

// Options configures a Publisher.
type Options struct {
	Subjects   Subjects
	WorkflowID string
	// TotalItems is reported as TotalPages in audio-created events.
	TotalItems int
	BufferSize int
}

// ProgressMessage is the payload published on the progress subject.
type ProgressMessage struct {
	WorkflowID     string                    `json:"workflowId"`
	Loop           int                       `json:"loop"`
	Total          int                       `json:"total"`
	Completed      int                       `json:"completed"`
	Failed         int                       `json:"failed"`
	Processing     int                       `json:"processing"`
	Pending        int                       `json:"pending"`
	Percent        float64                   `json:"percent"`
	ActiveWorkers  int                       `json:"activeWorkers"`
	ElapsedSeconds float64                   `json:"elapsedSeconds"`
	Workers        map[int]engine.WorkerInfo `json:"workers,omitempty"`
}

// ItemMessage is the payload published on the item subject.
type ItemMessage struct {
	WorkflowID string        `json:"workflowId"`
	Item       core.WorkItem `json:"item"`
}

// NewProgressMessage converts an engine snapshot into its wire form.
func NewProgressMessage(workflowID string, stats engine.Stats, now time.Time) ProgressMessage {
	return ProgressMessage{
		WorkflowID:     workflowID,
		Loop:           stats.CurrentLoop,
		Total:          stats.Total,
		Completed:      stats.Completed,
		Failed:         stats.Failed,
		Processing:     stats.Processing,
		Pending:        stats.Pending(),
		Percent:        stats.ProgressPercent(),
		ActiveWorkers:  stats.ActiveWorkers(),
		ElapsedSeconds: stats.Elapsed(now).Seconds(),
		Workers:        stats.Workers,
	}
}

// Publisher forwards engine callbacks to NATS from its own goroutine so
// workers never wait on the network. Run must be running while the engine
// emits events.
type Publisher struct {
	conn    *nats.Conn
	archive core.ObjectStore
	opts    Options
	log     *logger.Logger

	events    chan event
	done      chan struct{}
	closeOnce sync.Once
	dropped   atomic.Int64
}

// NewPublisher creates a publisher. archive and log may be nil; without an
// archive the audio-created event carries the local output path as its key.
func NewPublisher(conn *nats.Conn, archive core.ObjectStore, opts Options, log *logger.Logger) *Publisher {
	if opts.BufferSize <= 0 {
		opts.BufferSize = defaultBufferSize
	}

	if opts.WorkflowID == "" {
		opts.WorkflowID = uuid.NewString()
	}

	return &Publisher{
		conn:    conn,
		archive: archive,
		opts:    opts,
		log:     log,
		events:  make(chan event, opts.BufferSize),
		done:    make(chan struct{}),
	}
}

// WorkflowID returns the id stamped on every published message.
func (p *Publisher) WorkflowID() string {
	return p.opts.WorkflowID
}

// Observer returns engine callbacks that enqueue events for publishing and
// then call the matching callback of next, if set.
func (p *Publisher) Observer(next engine.Observer) engine.Observer {
	return engine.Observer{
		OnProgress: func(stats engine.Stats) {
			p.enqueue(event{kind: eventProgress, stats: stats}, true)

			if next.OnProgress != nil {
				next.OnProgress(stats)
			}
		},
		OnItemUpdate: func(item core.WorkItem) {
			p.enqueue(event{kind: eventItem, item: item}, false)

			if next.OnItemUpdate != nil {
				next.OnItemUpdate(item)
			}
		},
		OnLog:        next.OnLog,
		OnCreditUsed: next.OnCreditUsed,
		OnCredentialEvicted: func(cred core.Credential, reason string) {
			p.warnf(logFmtCredentialGone, cred.DisplayName(), reason)

			if next.OnCredentialEvicted != nil {
				next.OnCredentialEvicted(cred, reason)
			}
		},
	}
}

// Run publishes queued events until Close is called or ctx is done, then
// publishes whatever is still buffered and flushes the connection.
func (p *Publisher) Run(ctx context.Context) error {
	for {
		select {
		case ev := <-p.events:
			p.handle(ctx, ev)
		case <-p.done:
			return p.finish(ctx)
		case <-ctx.Done():
			p.Close()

			return p.finish(context.WithoutCancel(ctx))
		}
	}
}

// Close stops accepting events. Events already queued are still published
// by Run.
func (p *Publisher) Close() {
	p.closeOnce.Do(func() { close(p.done) })
}

// Dropped returns how many progress snapshots were discarded because the
// queue was full.
func (p *Publisher) Dropped() int64 {
	return p.dropped.Load()
}

// Progress snapshots are superseded by the next one, so they are dropped
// rather than blocking a worker when the queue is full.
func (p *Publisher) enqueue(ev event, mayDrop bool) {
	if mayDrop {
		select {
		case p.events <- ev:
		case <-p.done:
		default:
			p.dropped.Add(1)
		}

		return
	}

	select {
	case p.events <- ev:
	case <-p.done:
	}
}

func (p *Publisher) finish(ctx context.Context) error {
	for {
		select {
		case ev := <-p.events:
			p.handle(ctx, ev)
		default:
			if dropped := p.dropped.Load(); dropped > 0 {
				p.warnf(logFmtDropped, dropped)
			}

			flushErr := p.conn.FlushTimeout(flushTimeout)
			if flushErr != nil {
				return fmt.Errorf("failed to flush NATS connection: %w", flushErr)
			}

			return nil
		}
	}
}

func (p *Publisher) handle(ctx context.Context, ev event) {
	switch ev.kind {
	case eventProgress:
		p.publishJSON(p.opts.Subjects.Progress, NewProgressMessage(p.opts.WorkflowID, ev.stats, time.Now()))
	case eventItem:
		p.publishJSON(p.opts.Subjects.Item, ItemMessage{WorkflowID: p.opts.WorkflowID, Item: ev.item})

		if ev.item.Status == core.StatusDone {
			p.publishAudioCreated(ctx, ev.item)
		}
	}
}

func (p *Publisher) publishAudioCreated(ctx context.Context, item core.WorkItem) {
	audioKey := item.OutputPath

	if p.archive != nil {
		key := objectstore.AudioKey(p.opts.WorkflowID, item.Index)

		err := p.archive.UploadFile(ctx, key, item.OutputPath, map[string]string{
			"item_id":  item.ID,
			"voice_id": item.VoiceID,
			"model":    item.ModelUsed,
			"duration": strconv.FormatFloat(item.AudioDuration, 'f', 2, 64),
		})
		if err != nil {
			p.errorf(logFmtArchiveFailed, item.Index+1, err)

			return
		}

		p.infof(logFmtArchived, item.Index+1, key)
		audioKey = key
	}

	p.publishJSON(p.opts.Subjects.AudioCreated, &events.AudioChunkCreatedEvent{
		Header: events.EventHeader{
			Timestamp:  time.Now(),
			WorkflowID: p.opts.WorkflowID,
			EventID:    uuid.NewString(),
		},
		AudioKey:   audioKey,
		PageNumber: item.Index + 1,
		TotalPages: p.opts.TotalItems,
	})
}

func (p *Publisher) publishJSON(subject string, payload any) {
	if subject == "" {
		return
	}

	data, err := json.Marshal(payload)
	if err != nil {
		p.errorf(logFmtPublishFailed, subject, err)

		return
	}

	err = p.conn.Publish(subject, data)
	if err != nil {
		p.errorf(logFmtPublishFailed, subject, err)
	}
}

func (p *Publisher) infof(format string, args ...any) {
	if p.log != nil {
		p.log.Info(format, args...)
	}
}

func (p *Publisher) warnf(format string, args ...any) {
	if p.log != nil {
		p.log.Warn(format, args...)
	}
}

func (p *Publisher) errorf(format string, args ...any) {
	if p.log != nil {
		p.log.Error(format, args...)
	}
}
