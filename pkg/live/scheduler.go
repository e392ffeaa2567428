package live

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/hajimehoshi/go-mp3"

	"github.com/lingzhi-ai/lingzhi-live/pkg/live/protocol"
)

// PlaybackRate is the backend's fixed output format: signed 16-bit
// little-endian mono PCM at 24 kHz.
const PlaybackRate = 24000

// Clock is the playback timeline. Implementations must be monotonic.
type Clock interface {
	Now() time.Duration
}

// Voice is the handle for one playing buffer.
type Voice interface {
	Stop()
}

// Sink turns PCM into audible output. Play begins playback of s16le mono PCM
// after delay and returns a stoppable handle.
type Sink interface {
	Play(pcm []byte, delay time.Duration) (Voice, error)
}

type scheduledUnit struct {
	voice Voice
	start time.Duration
	end   time.Duration
}

// Scheduler plays streamed audio chunks gaplessly on a virtual timeline and
// supports synchronous cancellation of everything in flight.
type Scheduler struct {
	mu        sync.Mutex
	clock     Clock
	sink      Sink
	nextStart time.Duration
	active    []*scheduledUnit

	// suppress discards inbound chunks entirely; set for the span of a
	// barge-in so late chunks from the interrupted response stay silent.
	suppress bool

	// clip is the independent full-clip replay handle, stopped by CancelAll
	// alongside the streaming queue.
	clip Voice

	// recovered receives control messages that arrived on the binary
	// channel. See Enqueue.
	recovered func(data []byte)

	logger *slog.Logger
}

func NewScheduler(clock Clock, sink Sink, recovered func(data []byte), logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		clock:     clock,
		sink:      sink,
		recovered: recovered,
		logger:    logger,
	}
}

// SetRecovered installs the callback that receives control messages found on
// the binary channel. It is safe to call while the read loop is already
// feeding Enqueue.
func (s *Scheduler) SetRecovered(fn func(data []byte)) {
	s.mu.Lock()
	s.recovered = fn
	s.mu.Unlock()
}

// SetSuppressed toggles dropping of inbound chunks. While suppressed nothing
// is decoded, recovered, or scheduled.
func (s *Scheduler) SetSuppressed(on bool) {
	s.mu.Lock()
	s.suppress = on
	s.mu.Unlock()
}

// Enqueue decodes one inbound chunk and schedules it. The fallback order is
// fixed: container decode, then JSON recovery, then raw PCM. The upstream
// sometimes delivers control JSON on the audio channel; stage two routes
// those to the recovered callback and schedules nothing.
func (s *Scheduler) Enqueue(chunk []byte) {
	s.mu.Lock()
	suppressed, recovered := s.suppress, s.recovered
	s.mu.Unlock()
	if suppressed {
		return
	}

	if pcm, err := decodeContainer(chunk); err == nil {
		s.schedule(pcm)
		return
	}

	if protocol.SniffJSON(chunk) {
		if recovered != nil {
			recovered(chunk)
		}
		return
	}

	pcm := normalizePCM(chunk)
	if len(pcm) == 0 {
		s.logger.Warn("dropping undecodable audio chunk", "bytes", len(chunk))
		return
	}
	s.schedule(pcm)
}

func (s *Scheduler) schedule(pcm []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	s.pruneLocked(now)

	start := now
	if s.nextStart > start {
		start = s.nextStart
	}
	dur := pcmDuration(len(pcm))

	voice, err := s.sink.Play(pcm, start-now)
	if err != nil {
		s.logger.Warn("sink rejected buffer", "err", err)
		return
	}
	s.active = append(s.active, &scheduledUnit{voice: voice, start: start, end: start + dur})
	s.nextStart = start + dur
}

// PlayClip plays a complete standalone clip (replay-by-URL) outside the
// streaming queue. A clip already playing is stopped first.
func (s *Scheduler) PlayClip(data []byte) error {
	pcm, err := decodeContainer(data)
	if err != nil {
		pcm = normalizePCM(data)
	}
	if len(pcm) == 0 {
		return fmt.Errorf("undecodable clip")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.clip != nil {
		s.clip.Stop()
		s.clip = nil
	}
	voice, err := s.sink.Play(pcm, 0)
	if err != nil {
		return fmt.Errorf("play clip: %w", err)
	}
	s.clip = voice
	return nil
}

// CancelAll halts every scheduled unit and the full-clip handle, clears the
// active set, and resets the timeline to now. It returns with the set empty;
// nothing scheduled before the call will sound afterwards.
func (s *Scheduler) CancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.active {
		u.voice.Stop()
	}
	s.active = nil
	if s.clip != nil {
		s.clip.Stop()
		s.clip = nil
	}
	s.nextStart = s.clock.Now()
}

// Playing reports whether any scheduled audio is still audible at the current
// clock time.
func (s *Scheduler) Playing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked(s.clock.Now())
	return len(s.active) > 0 || s.clip != nil
}

// NextStart exposes the timeline cursor for inspection.
func (s *Scheduler) NextStart() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextStart
}

// pruneLocked drops units that have finished playing.
func (s *Scheduler) pruneLocked(now time.Duration) {
	kept := s.active[:0]
	for _, u := range s.active {
		if u.end > now {
			kept = append(kept, u)
		}
	}
	s.active = kept
}

func pcmDuration(nbytes int) time.Duration {
	samples := nbytes / 2
	return time.Duration(samples) * time.Second / PlaybackRate
}

// decodeContainer attempts an MP3 decode and downmixes the decoder's stereo
// output to mono.
func decodeContainer(chunk []byte) ([]byte, error) {
	dec, err := mp3.NewDecoder(bytes.NewReader(chunk))
	if err != nil {
		return nil, fmt.Errorf("mp3 decode: %w", err)
	}
	stereo, err := io.ReadAll(dec)
	if err != nil {
		return nil, fmt.Errorf("mp3 read: %w", err)
	}
	return downmixStereo(stereo), nil
}

// downmixStereo averages interleaved s16le stereo frames into mono.
func downmixStereo(stereo []byte) []byte {
	frames := len(stereo) / 4
	mono := make([]byte, frames*2)
	for i := 0; i < frames; i++ {
		l := int16(uint16(stereo[i*4]) | uint16(stereo[i*4+1])<<8)
		r := int16(uint16(stereo[i*4+2]) | uint16(stereo[i*4+3])<<8)
		m := int16((int32(l) + int32(r)) / 2)
		mono[i*2] = byte(m)
		mono[i*2+1] = byte(uint16(m) >> 8)
	}
	return mono
}

// normalizePCM trims a trailing odd byte so the buffer holds whole s16
// samples.
func normalizePCM(chunk []byte) []byte {
	if len(chunk)%2 == 1 {
		chunk = chunk[:len(chunk)-1]
	}
	return chunk
}

type realClock struct {
	epoch time.Time
}

// NewClock returns a monotonic playback clock.
func NewClock() Clock {
	return &realClock{epoch: time.Now()}
}

func (c *realClock) Now() time.Duration {
	return time.Since(c.epoch)
}
