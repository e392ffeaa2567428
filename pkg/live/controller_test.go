package live

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/lingzhi-ai/lingzhi-live/pkg/live/protocol"
)

type fakeRecorder struct {
	mu      sync.Mutex
	onFrame func([]byte)
	gate    chan struct{}
	startEr error
	starts  int
	stops   int
}

func (r *fakeRecorder) Start(ctx context.Context, onFrame func([]byte)) error {
	if r.gate != nil {
		<-r.gate
	}
	if r.startEr != nil {
		return r.startEr
	}
	r.mu.Lock()
	r.onFrame = onFrame
	r.starts++
	r.mu.Unlock()
	return nil
}

func (r *fakeRecorder) Stop() error {
	r.mu.Lock()
	r.stops++
	r.mu.Unlock()
	return nil
}

func (r *fakeRecorder) emit(frame []byte) {
	r.mu.Lock()
	f := r.onFrame
	r.mu.Unlock()
	if f != nil {
		f(frame)
	}
}

type fakeSender struct {
	mu       sync.Mutex
	controls []string
	frames   [][]byte
}

func (s *fakeSender) SendAudioFrame(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, frame)
	return nil
}

func (s *fakeSender) SendControl(msgType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.controls = append(s.controls, msgType)
	return nil
}

func (s *fakeSender) sentControls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.controls...)
}

func (s *fakeSender) frameCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

func newTestController(t *testing.T, rec *fakeRecorder, sender *fakeSender) (*Controller, *Scheduler, *Correlator, *fakeClock, *fakeSink) {
	t.Helper()
	clock := &fakeClock{}
	sink := &fakeSink{}
	correlator := NewCorrelator(nil, nil)
	scheduler := NewScheduler(clock, sink, nil, discardLogger())
	c := NewController(rec, sender, scheduler, correlator, discardLogger())
	return c, scheduler, correlator, clock, sink
}

func waitState(t *testing.T, c *Controller, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for c.State() != want {
		if time.Now().After(deadline) {
			t.Fatalf("state = %v, want %v", c.State(), want)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestControllerStopPathBelowThreshold(t *testing.T) {
	rec := &fakeRecorder{}
	sender := &fakeSender{}
	c, _, correlator, _, _ := newTestController(t, rec, sender)

	if err := c.Press(context.Background()); err != nil {
		t.Fatalf("press: %v", err)
	}
	waitState(t, c, StateRecording)

	c.Drag(30)
	if c.Cancelling() {
		t.Fatal("30 units is below the cancel threshold")
	}
	c.Release()

	controls := sender.sentControls()
	if len(controls) != 1 || controls[0] != protocol.TypeUserAudioEnded {
		t.Fatalf("controls = %v", controls)
	}
	turns := correlator.Turns()
	if len(turns) != 1 || !turns[0].Final || turns[0].Role != RoleUser {
		t.Fatalf("turns = %+v", turns)
	}
	if c.State() != StateIdle {
		t.Fatalf("state = %v", c.State())
	}
}

func TestControllerCancelPathPastThreshold(t *testing.T) {
	rec := &fakeRecorder{}
	sender := &fakeSender{}
	c, _, correlator, _, _ := newTestController(t, rec, sender)

	if err := c.Press(context.Background()); err != nil {
		t.Fatalf("press: %v", err)
	}
	waitState(t, c, StateRecording)

	c.Drag(95)
	if !c.Cancelling() {
		t.Fatal("95 units should cross the cancel threshold")
	}
	c.Release()

	controls := sender.sentControls()
	if len(controls) != 1 || controls[0] != protocol.TypeUserAudioCancelled {
		t.Fatalf("controls = %v", controls)
	}
	if turns := correlator.Turns(); len(turns) != 0 {
		t.Fatalf("cancelled turn should be removed, turns = %+v", turns)
	}

	// Straggler frames after cancel are suppressed.
	rec.emit([]byte("late"))
	if sender.frameCount() != 0 {
		t.Fatalf("frames = %d, want 0", sender.frameCount())
	}
}

func TestControllerDragReturnsBelowThreshold(t *testing.T) {
	rec := &fakeRecorder{}
	sender := &fakeSender{}
	c, _, _, _, _ := newTestController(t, rec, sender)

	if err := c.Press(context.Background()); err != nil {
		t.Fatalf("press: %v", err)
	}
	waitState(t, c, StateRecording)

	c.Drag(100)
	if c.State() != StateCancelling {
		t.Fatalf("state = %v", c.State())
	}
	c.Drag(40)
	if c.State() != StateRecording {
		t.Fatalf("state = %v", c.State())
	}
	c.Release()

	controls := sender.sentControls()
	if len(controls) != 1 || controls[0] != protocol.TypeUserAudioEnded {
		t.Fatalf("controls = %v", controls)
	}
}

func TestControllerBargeInFlushesPlaybackAndSignals(t *testing.T) {
	rec := &fakeRecorder{}
	sender := &fakeSender{}
	c, scheduler, correlator, _, sink := newTestController(t, rec, sender)

	// Assistant mid-utterance with audio queued.
	correlator.AppendDelta("r1", "partial answer")
	scheduler.Enqueue(pcmChunk(500 * time.Millisecond))

	if err := c.Press(context.Background()); err != nil {
		t.Fatalf("press: %v", err)
	}
	waitState(t, c, StateRecording)

	if scheduler.Playing() {
		t.Fatal("playback should have been flushed")
	}
	if !sink.calls()[0].voice.isStopped() {
		t.Fatal("queued voice should be stopped")
	}

	turns := correlator.Turns()
	if !turns[0].Final || !turns[0].Interrupted {
		t.Fatalf("assistant turn = %+v", turns[0])
	}
	if turns[1].Role != RoleUser || turns[1].Final {
		t.Fatalf("new user turn = %+v", turns[1])
	}

	controls := sender.sentControls()
	if len(controls) != 1 || controls[0] != protocol.TypeUserInterruption {
		t.Fatalf("controls = %v", controls)
	}
}

func TestControllerBargeInSuppressesInFlightAssistantAudio(t *testing.T) {
	rec := &fakeRecorder{}
	sender := &fakeSender{}
	c, scheduler, correlator, _, sink := newTestController(t, rec, sender)

	correlator.AppendDelta("r1", "partial")
	scheduler.Enqueue(pcmChunk(500 * time.Millisecond))

	if err := c.Press(context.Background()); err != nil {
		t.Fatalf("press: %v", err)
	}
	waitState(t, c, StateRecording)

	// Chunks and deltas from the interrupted response are still arriving;
	// none of them may sound or reopen the turn.
	scheduler.Enqueue(pcmChunk(100 * time.Millisecond))
	correlator.AppendDelta("r1", " straggler")

	if got := len(sink.calls()); got != 1 {
		t.Fatalf("plays = %d, want 1", got)
	}
	if got := correlator.Turns()[0].Content; got != "partial" {
		t.Fatalf("content = %q, straggler delta applied", got)
	}

	c.Release()

	// The next response plays and correlates normally.
	scheduler.Enqueue(pcmChunk(100 * time.Millisecond))
	correlator.AppendDelta("r2", "fresh answer")
	if got := len(sink.calls()); got != 2 {
		t.Fatalf("plays = %d, want 2 after turn end", got)
	}
	turns := correlator.Turns()
	last := turns[len(turns)-1]
	if last.Role != RoleAssistant || last.Content != "fresh answer" {
		t.Fatalf("last turn = %+v", last)
	}
}

func TestControllerCancelAlsoLiftsBargeInSuppression(t *testing.T) {
	rec := &fakeRecorder{}
	sender := &fakeSender{}
	c, scheduler, _, _, sink := newTestController(t, rec, sender)

	scheduler.Enqueue(pcmChunk(500 * time.Millisecond))
	if err := c.Press(context.Background()); err != nil {
		t.Fatalf("press: %v", err)
	}
	waitState(t, c, StateRecording)

	c.Drag(95)
	c.Release()
	waitState(t, c, StateIdle)

	scheduler.Enqueue(pcmChunk(100 * time.Millisecond))
	if got := len(sink.calls()); got != 2 {
		t.Fatalf("plays = %d, want 2 after cancelled turn", got)
	}
}

func TestControllerPlainTurnSendsNoInterruption(t *testing.T) {
	rec := &fakeRecorder{}
	sender := &fakeSender{}
	c, _, _, _, _ := newTestController(t, rec, sender)

	if err := c.Press(context.Background()); err != nil {
		t.Fatalf("press: %v", err)
	}
	waitState(t, c, StateRecording)
	c.Release()

	for _, ctl := range sender.sentControls() {
		if ctl == protocol.TypeUserInterruption {
			t.Fatal("no interruption expected without assistant audio")
		}
	}
}

func TestControllerReleaseWhileRequestingAppliesAfterAcquisition(t *testing.T) {
	rec := &fakeRecorder{gate: make(chan struct{})}
	sender := &fakeSender{}
	c, _, correlator, _, _ := newTestController(t, rec, sender)

	if err := c.Press(context.Background()); err != nil {
		t.Fatalf("press: %v", err)
	}
	if c.State() != StateRequesting {
		t.Fatalf("state = %v", c.State())
	}

	// Release before the microphone is acquired.
	c.Release()
	if got := sender.sentControls(); len(got) != 0 {
		t.Fatalf("nothing should be sent yet, got %v", got)
	}

	close(rec.gate)
	waitState(t, c, StateIdle)

	controls := sender.sentControls()
	if len(controls) != 1 || controls[0] != protocol.TypeUserAudioEnded {
		t.Fatalf("controls = %v", controls)
	}
	if turns := correlator.Turns(); len(turns) != 1 || !turns[0].Final {
		t.Fatalf("turns = %+v", turns)
	}
}

func TestControllerCancelWhileRequesting(t *testing.T) {
	rec := &fakeRecorder{gate: make(chan struct{})}
	sender := &fakeSender{}
	c, _, correlator, _, _ := newTestController(t, rec, sender)

	if err := c.Press(context.Background()); err != nil {
		t.Fatalf("press: %v", err)
	}
	c.Drag(100)
	c.Release()
	close(rec.gate)
	waitState(t, c, StateIdle)

	controls := sender.sentControls()
	if len(controls) != 1 || controls[0] != protocol.TypeUserAudioCancelled {
		t.Fatalf("controls = %v", controls)
	}
	if turns := correlator.Turns(); len(turns) != 0 {
		t.Fatalf("turns = %+v", turns)
	}
}

func TestControllerFramesFlowWhileRecording(t *testing.T) {
	rec := &fakeRecorder{}
	sender := &fakeSender{}
	c, _, _, _, _ := newTestController(t, rec, sender)

	if err := c.Press(context.Background()); err != nil {
		t.Fatalf("press: %v", err)
	}
	waitState(t, c, StateRecording)

	rec.emit([]byte("f1"))
	rec.emit([]byte("f2"))
	if sender.frameCount() != 2 {
		t.Fatalf("frames = %d, want 2", sender.frameCount())
	}

	c.Release()
	rec.emit([]byte("after-stop"))
	if sender.frameCount() != 2 {
		t.Fatalf("frames after stop = %d, want 2", sender.frameCount())
	}
}

func TestControllerAcquisitionFailureReturnsToIdle(t *testing.T) {
	rec := &fakeRecorder{startEr: context.DeadlineExceeded}
	sender := &fakeSender{}
	c, _, correlator, _, _ := newTestController(t, rec, sender)

	if err := c.Press(context.Background()); err != nil {
		t.Fatalf("press: %v", err)
	}
	waitState(t, c, StateIdle)

	if turns := correlator.Turns(); len(turns) != 0 {
		t.Fatalf("failed turn should be discarded, turns = %+v", turns)
	}
	if err := c.Press(context.Background()); err != nil {
		t.Fatalf("press should work again: %v", err)
	}
}

func TestControllerPressWhileBusyRejected(t *testing.T) {
	rec := &fakeRecorder{}
	sender := &fakeSender{}
	c, _, _, _, _ := newTestController(t, rec, sender)

	if err := c.Press(context.Background()); err != nil {
		t.Fatalf("press: %v", err)
	}
	waitState(t, c, StateRecording)
	if err := c.Press(context.Background()); err == nil {
		t.Fatal("second press should be rejected")
	}
}
