package live

import (
	"bytes"
	"fmt"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"
)

// SpeakerSink plays scheduled PCM through the system speaker via oto. It
// implements Sink.
type SpeakerSink struct {
	ctx *oto.Context
}

// NewSpeakerSink initializes the speaker at the backend's playback format.
func NewSpeakerSink() (*SpeakerSink, error) {
	opts := &oto.NewContextOptions{
		SampleRate:   PlaybackRate,
		ChannelCount: 1,
		Format:       oto.FormatSignedInt16LE,
		// ~100ms buffer for low latency.
		BufferSize: 4800,
	}
	ctx, ready, err := oto.NewContext(opts)
	if err != nil {
		return nil, fmt.Errorf("init speaker: %w", err)
	}
	<-ready
	return &SpeakerSink{ctx: ctx}, nil
}

// Play schedules pcm to start after delay and returns a stoppable handle.
func (s *SpeakerSink) Play(pcm []byte, delay time.Duration) (Voice, error) {
	v := &speakerVoice{}
	player := s.ctx.NewPlayer(bytes.NewReader(pcm))
	v.player = player
	if delay <= 0 {
		player.Play()
	} else {
		v.timer = time.AfterFunc(delay, func() {
			v.mu.Lock()
			defer v.mu.Unlock()
			if !v.stopped {
				player.Play()
			}
		})
	}
	return v, nil
}

type speakerVoice struct {
	mu      sync.Mutex
	player  *oto.Player
	timer   *time.Timer
	stopped bool
}

func (v *speakerVoice) Stop() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.stopped {
		return
	}
	v.stopped = true
	if v.timer != nil {
		v.timer.Stop()
	}
	v.player.Pause()
	_ = v.player.Close()
}
