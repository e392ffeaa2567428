package live

import (
	"context"
	"fmt"
	"sync"

	"github.com/gen2brain/malgo"
)

// Capture format sent upstream: signed 16-bit mono PCM at 16 kHz.
const (
	CaptureRate     = 16000
	captureChannels = 1
)

// MicRecorder captures microphone audio through malgo. It implements
// Recorder; a fresh device is initialized per Start so each turn owns its
// own handle.
type MicRecorder struct {
	ctx malgo.Context

	mu     sync.Mutex
	device *malgo.Device
}

// NewMicRecorder initializes the audio backend. The returned cleanup must be
// called when no more recordings will happen.
func NewMicRecorder() (*MicRecorder, func(), error) {
	cfg := malgo.ContextConfig{}
	cfg.ThreadPriority = malgo.ThreadPriorityRealtime

	allocated, err := malgo.InitContext(nil, cfg, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("init audio context: %w", err)
	}
	r := &MicRecorder{ctx: allocated.Context}
	cleanup := func() {
		_ = r.Stop()
		_ = allocated.Uninit()
	}
	return r, cleanup, nil
}

// Start acquires the capture device and begins delivering frames. It blocks
// until the device is running.
func (r *MicRecorder) Start(ctx context.Context, onFrame func(frame []byte)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.device != nil {
		return fmt.Errorf("capture already running")
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = captureChannels
	deviceConfig.SampleRate = CaptureRate
	deviceConfig.PeriodSizeInMilliseconds = 20

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, samples []byte, _ uint32) {
			frame := make([]byte, len(samples))
			copy(frame, samples)
			onFrame(frame)
		},
	}

	device, err := malgo.InitDevice(r.ctx, deviceConfig, callbacks)
	if err != nil {
		return fmt.Errorf("init microphone: %w", err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		return fmt.Errorf("start microphone: %w", err)
	}
	r.device = device
	return nil
}

// Stop releases the capture device. Stopping an idle recorder is a no-op.
func (r *MicRecorder) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.device == nil {
		return nil
	}
	device := r.device
	r.device = nil
	if err := device.Stop(); err != nil {
		device.Uninit()
		return fmt.Errorf("stop microphone: %w", err)
	}
	device.Uninit()
	return nil
}
