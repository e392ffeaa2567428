package live

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/lingzhi-ai/lingzhi-live/pkg/live/protocol"
)

// Swipe-to-cancel gesture geometry, in device-independent units.
const (
	CancelThreshold = 80
	dragClampMax    = CancelThreshold + 40
)

// State is the turn controller's single state value.
type State int

const (
	StateIdle State = iota
	StateRequesting
	StateRecording
	StateCancelling
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRequesting:
		return "requesting"
	case StateRecording:
		return "recording"
	case StateCancelling:
		return "cancelling"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// pendingAction remembers a release that happened while microphone
// acquisition was still in flight; it is applied the moment recording
// starts.
type pendingAction int

const (
	pendingNone pendingAction = iota
	pendingStop
	pendingCancel
)

// Recorder is the microphone capture device. Start blocks until the device
// is acquired, then delivers frames on onFrame until Stop.
type Recorder interface {
	Start(ctx context.Context, onFrame func(frame []byte)) error
	Stop() error
}

// ControlSender is the wire half the controller talks to.
type ControlSender interface {
	SendAudioFrame(frame []byte) error
	SendControl(msgType string) error
}

// Controller is the press-to-talk state machine. It owns one state value and
// one pending action, mutated only via its methods under one mutex.
type Controller struct {
	mu      sync.Mutex
	state   State
	pending pendingAction
	turnID  string
	drag    float64

	recorder   Recorder
	sender     ControlSender
	scheduler  *Scheduler
	correlator *Correlator

	newID  func() string
	logger *slog.Logger
}

func NewController(recorder Recorder, sender ControlSender, scheduler *Scheduler, correlator *Correlator, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		recorder:   recorder,
		sender:     sender,
		scheduler:  scheduler,
		correlator: correlator,
		newID:      uuid.NewString,
		logger:     logger,
	}
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Press begins a new user turn. If assistant audio is still playing this is
// a barge-in: playback is flushed, the open assistant turn is force-finalized
// as interrupted, and user_interruption is signalled upstream before any new
// frames.
func (c *Controller) Press(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return fmt.Errorf("press in state %s", c.state)
	}
	c.state = StateRequesting
	c.pending = pendingNone
	c.drag = 0
	c.turnID = c.newID()
	turnID := c.turnID
	c.mu.Unlock()

	if c.scheduler.Playing() {
		c.scheduler.CancelAll()
		// Chunks and deltas from the interrupted response are still in
		// flight; drop them until this turn ends.
		c.scheduler.SetSuppressed(true)
		c.correlator.SetSuppressed(true)
		c.correlator.InterruptAssistant()
		if err := c.sender.SendControl(protocol.TypeUserInterruption); err != nil {
			c.logger.Warn("send interruption", "err", err)
		}
	}

	c.correlator.StartUserTurn(turnID)

	go c.acquire(ctx, turnID)
	return nil
}

// acquire runs microphone acquisition off the gesture path.
func (c *Controller) acquire(ctx context.Context, turnID string) {
	err := c.recorder.Start(ctx, func(frame []byte) {
		c.emitFrame(turnID, frame)
	})

	c.mu.Lock()
	if c.turnID != turnID || c.state != StateRequesting {
		c.mu.Unlock()
		if err == nil {
			_ = c.recorder.Stop()
		}
		return
	}
	if err != nil {
		c.state = StateIdle
		c.pending = pendingNone
		c.mu.Unlock()
		c.logger.Error("microphone acquisition failed", "err", err)
		c.unsuppress()
		c.correlator.CancelUserTurn(turnID)
		return
	}
	c.state = StateRecording
	if c.drag >= CancelThreshold {
		c.state = StateCancelling
	}
	pending := c.pending
	c.pending = pendingNone
	c.mu.Unlock()

	// A release that raced the acquisition is applied now.
	switch pending {
	case pendingStop:
		c.stop(turnID)
	case pendingCancel:
		c.cancel(turnID)
	}
}

// Drag updates the horizontal cancel-swipe distance from the press point.
// Only the backward direction counts; distance is clamped to the gesture
// range.
func (c *Controller) Drag(distance float64) {
	if distance < 0 {
		distance = 0
	}
	if distance > dragClampMax {
		distance = dragClampMax
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.drag = distance
	switch c.state {
	case StateRecording:
		if distance >= CancelThreshold {
			c.state = StateCancelling
		}
	case StateCancelling:
		if distance < CancelThreshold {
			c.state = StateRecording
		}
	}
}

// Cancelling reports whether the gesture is currently past the cancel
// threshold.
func (c *Controller) Cancelling() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateCancelling || (c.state == StateRequesting && c.drag >= CancelThreshold)
}

// Release ends the gesture. Past the threshold the turn is cancelled,
// otherwise stopped. A release while acquisition is still in flight is
// remembered and applied when recording starts.
func (c *Controller) Release() {
	c.mu.Lock()
	switch c.state {
	case StateRequesting:
		if c.drag >= CancelThreshold {
			c.pending = pendingCancel
		} else {
			c.pending = pendingStop
		}
		c.mu.Unlock()
		return
	case StateRecording:
		turnID := c.turnID
		c.mu.Unlock()
		c.stop(turnID)
		return
	case StateCancelling:
		turnID := c.turnID
		c.mu.Unlock()
		c.cancel(turnID)
		return
	default:
		c.mu.Unlock()
	}
}

// stop ends the turn normally: the turn stays in the transcript and the
// backend is told the utterance is complete.
func (c *Controller) stop(turnID string) {
	c.mu.Lock()
	if c.turnID != turnID {
		c.mu.Unlock()
		return
	}
	c.state = StateIdle
	c.mu.Unlock()

	if err := c.recorder.Stop(); err != nil {
		c.logger.Warn("stop recorder", "err", err)
	}
	c.unsuppress()
	if err := c.sender.SendControl(protocol.TypeUserAudioEnded); err != nil {
		c.logger.Warn("send audio_ended", "err", err)
	}
	c.correlator.FinalizeUserTurn(turnID)
}

// cancel discards the turn: no transcript entry survives and the backend is
// told to drop the audio already received.
func (c *Controller) cancel(turnID string) {
	c.mu.Lock()
	if c.turnID != turnID {
		c.mu.Unlock()
		return
	}
	c.state = StateIdle
	c.mu.Unlock()

	if err := c.recorder.Stop(); err != nil {
		c.logger.Warn("stop recorder", "err", err)
	}
	c.unsuppress()
	if err := c.sender.SendControl(protocol.TypeUserAudioCancelled); err != nil {
		c.logger.Warn("send audio_cancelled", "err", err)
	}
	c.correlator.CancelUserTurn(turnID)
}

// unsuppress re-enables inbound playback and deltas at the end of a turn.
func (c *Controller) unsuppress() {
	c.scheduler.SetSuppressed(false)
	c.correlator.SetSuppressed(false)
}

// emitFrame forwards one capture frame while its turn is still live. Frames
// for an ended or cancelled turn are suppressed here rather than at the
// device.
func (c *Controller) emitFrame(turnID string, frame []byte) {
	c.mu.Lock()
	live := c.turnID == turnID && (c.state == StateRecording || c.state == StateCancelling)
	c.mu.Unlock()
	if !live {
		return
	}
	if err := c.sender.SendAudioFrame(frame); err != nil {
		c.logger.Warn("send audio frame", "err", err)
	}
}
