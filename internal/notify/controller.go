package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/tts-batch/internal/engine"
	"github.com/nats-io/nats.go"
)

// Control commands.
const (
	CommandPause  = "pause"
	CommandResume = "resume"
	CommandStop   = "stop"
	CommandStatus = "status"
)

// ErrUnknownCommand is reported for commands the controller does not know.
var ErrUnknownCommand = errors.New("unknown command")

// Controllable is the part of the engine a remote controller may drive.
type Controllable interface {
	Pause()
	Resume()
	Stop()
	Stats() engine.Stats
	IsRunning() bool
	IsPaused() bool
}

// ControlRequest is the payload accepted on the control subject.
type ControlRequest struct {
	Command string `json:"command"`
}

// ControlReply answers every control request.
type ControlReply struct {
	OK       bool            `json:"ok"`
	Command  string          `json:"command"`
	Error    string          `json:"error,omitempty"`
	Running  bool            `json:"running"`
	Paused   bool            `json:"paused"`
	Progress ProgressMessage `json:"progress"`
}

// Controller serves pause, resume, stop and status requests on a NATS
// subject and replies with the resulting engine state.
type Controller struct {
	conn       *nats.Conn
	subject    string
	workflowID string
	target     Controllable
	log        *logger.Logger
}

// NewController creates a controller for target.
func NewController(conn *nats.Conn, subject, workflowID string, target Controllable, log *logger.Logger) *Controller {
	return &Controller{
		conn:       conn,
		subject:    subject,
		workflowID: workflowID,
		target:     target,
		log:        log,
	}
}

// Run listens for commands until ctx is done.
func (c *Controller) Run(ctx context.Context) error {
	sub, err := c.conn.Subscribe(c.subject, c.handleMessage)
	if err != nil {
		return fmt.Errorf("failed to subscribe to subject %s: %w", c.subject, err)
	}

	<-ctx.Done()

	drainErr := sub.Drain()
	if drainErr != nil {
		return fmt.Errorf("failed to drain subscription: %w", drainErr)
	}

	return nil
}

func (c *Controller) handleMessage(msg *nats.Msg) {
	var request ControlRequest

	err := json.Unmarshal(msg.Data, &request)
	if err != nil {
		c.reply(msg, ControlReply{Error: fmt.Sprintf("failed to unmarshal command: %v", err)})

		return
	}

	command := strings.ToLower(strings.TrimSpace(request.Command))

	err = c.apply(command)
	if err != nil {
		c.reply(msg, ControlReply{Command: command, Error: err.Error()})

		return
	}

	if c.log != nil {
		c.log.Info("Remote command %q applied", command)
	}

	c.reply(msg, ControlReply{OK: true, Command: command})
}

func (c *Controller) apply(command string) error {
	switch command {
	case CommandPause:
		c.target.Pause()
	case CommandResume:
		c.target.Resume()
	case CommandStop:
		c.target.Stop()
	case CommandStatus:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownCommand, command)
	}

	return nil
}

func (c *Controller) reply(msg *nats.Msg, reply ControlReply) {
	if msg.Reply == "" {
		return
	}

	reply.Running = c.target.IsRunning()
	reply.Paused = c.target.IsPaused()
	reply.Progress = NewProgressMessage(c.workflowID, c.target.Stats(), time.Now())

	data, err := json.Marshal(reply)
	if err != nil {
		if c.log != nil {
			c.log.Error("Failed to marshal control reply: %v", err)
		}

		return
	}

	err = msg.Respond(data)
	if err != nil && c.log != nil {
		c.log.Error("Failed to respond to control request: %v", err)
	}
}
