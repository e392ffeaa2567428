package live

import (
	"context"
	"fmt"
	"sync"
)

// Role identifies who produced a Turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Turn is one logical utterance in the conversation, possibly assembled from
// several streamed deltas.
type Turn struct {
	ID          string
	Role        Role
	Content     string
	Final       bool
	Interrupted bool
	ResponseID  string
	AudioURL    string
	Speaker     string
}

// Task is one goal-store task snapshot used for completion diffing.
type Task struct {
	ID        string
	Title     string
	Completed bool
}

// GoalStore is the external collaborator holding the scenario's task list.
type GoalStore interface {
	Tasks(ctx context.Context) ([]Task, error)
}

// Correlator reassembles streamed deltas and metadata events into Turns. It
// holds the transcript; all mutation goes through its methods under one lock.
type Correlator struct {
	mu    sync.Mutex
	turns []*Turn

	activeRecordingID string
	speaker           string
	suppressed        bool

	goals          GoalStore
	knownCompleted map[string]bool
	notify         func(message string)
}

// NewCorrelator returns a Correlator. goals and notify may be nil when task
// tracking is not in play.
func NewCorrelator(goals GoalStore, notify func(message string)) *Correlator {
	return &Correlator{
		goals:          goals,
		knownCompleted: make(map[string]bool),
		notify:         notify,
	}
}

// Turns returns a snapshot of the transcript.
func (c *Correlator) Turns() []Turn {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Turn, len(c.turns))
	for i, t := range c.turns {
		out[i] = *t
	}
	return out
}

// SetSuppressed toggles dropping of assistant deltas, set for the span of a
// barge-in so late deltas from the interrupted response cannot reopen the
// turn.
func (c *Correlator) SetSuppressed(on bool) {
	c.mu.Lock()
	c.suppressed = on
	c.mu.Unlock()
}

// AppendDelta applies one assistant content delta. Matching priority: the
// most recent non-final assistant turn with the same responseId; else the
// most recent turn if it is assistant, non-final, and has no responseId yet
// (which then adopts the event's); else a fresh assistant turn.
func (c *Correlator) AppendDelta(responseID, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.suppressed {
		return
	}

	if responseID != "" {
		for i := len(c.turns) - 1; i >= 0; i-- {
			t := c.turns[i]
			if t.Role == RoleAssistant && !t.Final && t.ResponseID == responseID {
				t.Content += text
				return
			}
		}
	}
	if n := len(c.turns); n > 0 {
		t := c.turns[n-1]
		if t.Role == RoleAssistant && !t.Final && t.ResponseID == "" {
			t.Content += text
			t.ResponseID = responseID
			return
		}
	}
	c.turns = append(c.turns, &Turn{
		Role:       RoleAssistant,
		Content:    text,
		ResponseID: responseID,
		Speaker:    c.speaker,
	})
}

// FinalizeAssistant marks the most recent non-final assistant turn final.
func (c *Correlator) FinalizeAssistant() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.turns) - 1; i >= 0; i-- {
		t := c.turns[i]
		if t.Role == RoleAssistant && !t.Final {
			t.Final = true
			return
		}
	}
}

// InterruptAssistant force-finalizes any open assistant turn and marks it
// interrupted. It reports whether a turn was actually open.
func (c *Correlator) InterruptAssistant() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	interrupted := false
	for i := len(c.turns) - 1; i >= 0; i-- {
		t := c.turns[i]
		if t.Role == RoleAssistant && !t.Final {
			t.Final = true
			t.Interrupted = true
			interrupted = true
		}
	}
	return interrupted
}

// AttachAudioURL attaches a playable clip URL. Assistant clips match by
// responseId, falling back to the most recent assistant turn without a URL;
// user clips attach to the currently active recording's turn.
func (c *Correlator) AttachAudioURL(responseID string, role Role, url string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if role == RoleUser {
		if c.activeRecordingID == "" {
			return
		}
		for i := len(c.turns) - 1; i >= 0; i-- {
			if t := c.turns[i]; t.ID == c.activeRecordingID {
				t.AudioURL = url
				return
			}
		}
		return
	}

	if responseID != "" {
		for i := len(c.turns) - 1; i >= 0; i-- {
			t := c.turns[i]
			if t.Role == RoleAssistant && t.ResponseID == responseID {
				t.AudioURL = url
				return
			}
		}
	}
	for i := len(c.turns) - 1; i >= 0; i-- {
		t := c.turns[i]
		if t.Role == RoleAssistant && t.AudioURL == "" {
			t.AudioURL = url
			return
		}
	}
}

// StartUserTurn opens a new user turn for a recording. At most one user turn
// is open at a time; an existing open one is finalized first.
func (c *Correlator) StartUserTurn(turnID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range c.turns {
		if t.Role == RoleUser && !t.Final {
			t.Final = true
		}
	}
	c.turns = append(c.turns, &Turn{ID: turnID, Role: RoleUser})
	c.activeRecordingID = turnID
}

// FinalizeUserTurn closes the user turn for turnID, keeping it in the
// transcript.
func (c *Correlator) FinalizeUserTurn(turnID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.turns) - 1; i >= 0; i-- {
		if t := c.turns[i]; t.ID == turnID {
			t.Final = true
			break
		}
	}
	if c.activeRecordingID == turnID {
		c.activeRecordingID = ""
	}
}

// CancelUserTurn removes the turn for turnID from the transcript entirely.
func (c *Correlator) CancelUserTurn(turnID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.turns) - 1; i >= 0; i-- {
		if c.turns[i].ID == turnID {
			c.turns = append(c.turns[:i], c.turns[i+1:]...)
			break
		}
	}
	if c.activeRecordingID == turnID {
		c.activeRecordingID = ""
	}
}

// Transcription applies a speech-to-text update for the user's current
// recording. Interim deltas accumulate; the final update carries the whole
// utterance and replaces them. Updates for anything other than the active
// recording are dropped so they cannot corrupt an unrelated turn.
func (c *Correlator) Transcription(text string, isFinal bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.activeRecordingID == "" {
		return
	}
	for i := len(c.turns) - 1; i >= 0; i-- {
		if t := c.turns[i]; t.ID == c.activeRecordingID {
			if isFinal {
				t.Content = text
				t.Final = true
			} else {
				t.Content += text
			}
			return
		}
	}
}

// SwitchSpeaker changes the assistant speaker label applied to subsequent
// assistant turns.
func (c *Correlator) SwitchSpeaker(role string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.speaker = role
}

// TaskCompleted resynchronizes against the goal store: it fetches the
// authoritative task list, diffs completion against the last known snapshot,
// and surfaces each newly completed task through the notify callback. No
// task state is kept beyond the snapshot.
func (c *Correlator) TaskCompleted(ctx context.Context) error {
	if c.goals == nil {
		return nil
	}
	tasks, err := c.goals.Tasks(ctx)
	if err != nil {
		return fmt.Errorf("fetch tasks: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, task := range tasks {
		if task.Completed && !c.knownCompleted[task.ID] && c.notify != nil {
			c.notify(task.Title)
		}
	}
	c.knownCompleted = make(map[string]bool, len(tasks))
	for _, task := range tasks {
		if task.Completed {
			c.knownCompleted[task.ID] = true
		}
	}
	return nil
}

func (c *Correlator) activeRecording() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeRecordingID
}
