// Command lingzhi-voice is a terminal voice client for conversation
// practice: hold-to-talk is mapped onto toggle keys, audio plays through the
// system speaker, and the transcript streams to stdout.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"golang.org/x/term"

	"github.com/lingzhi-ai/lingzhi-live/pkg/live"
)

func main() {
	os.Exit(run())
}

func run() int {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "lingzhi-voice: load .env: %v\n", err)
		return 1
	}

	relayURL := envOr("LINGZHI_RELAY_URL", "ws://localhost:8081/ws")
	apiURL := envOr("LINGZHI_API_URL", "http://localhost:8080")
	token := os.Getenv("LINGZHI_TOKEN")
	scenario := os.Getenv("LINGZHI_SCENARIO")
	topic := os.Getenv("LINGZHI_TOPIC")

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	ctx := context.Background()

	api := live.NewAPIClient(apiURL, token)
	cache, err := live.NewFileSessionCache("")
	if err != nil {
		fmt.Fprintf(os.Stderr, "lingzhi-voice: %v\n", err)
		return 1
	}

	resumer := live.NewResumer(api, api, cache, logger)
	params := &live.ConnectParams{
		SessionID: os.Getenv("LINGZHI_SESSION_ID"),
		Scenario:  scenario,
		Topic:     topic,
		Voice:     os.Getenv("LINGZHI_VOICE"),
	}
	sessionID, history, err := resumer.Resolve(ctx, params)
	if err != nil {
		fmt.Fprintf(os.Stderr, "lingzhi-voice: resolve session: %v\n", err)
		return 1
	}
	fmt.Printf("session %s\n", sessionID)
	for _, line := range history {
		printLine(string(line.Role), line.Content)
	}

	sink, err := live.NewSpeakerSink()
	if err != nil {
		fmt.Fprintf(os.Stderr, "lingzhi-voice: %v\n", err)
		return 1
	}

	recorder, cleanupMic, err := live.NewMicRecorder()
	if err != nil {
		fmt.Fprintf(os.Stderr, "lingzhi-voice: %v\n", err)
		return 1
	}
	defer cleanupMic()

	correlator := live.NewCorrelator(api, func(task string) {
		fmt.Printf("\r\n*** task completed: %s ***\r\n", task)
	})

	scheduler := live.NewScheduler(live.NewClock(), sink, nil, logger)

	hooks := live.SessionHooks{
		OnInfo: func(msg string) { fmt.Printf("\r\n[%s]\r\n", msg) },
		OnError: func(code, msg string) {
			fmt.Fprintf(os.Stderr, "\r\nrelay error (%s): %s\r\n", code, msg)
		},
		OnDone: func() { printLatest(correlator) },
	}
	session, err := live.Dial(ctx, relayURL, token, *params, scheduler, correlator, hooks, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "lingzhi-voice: %v\n", err)
		return 1
	}
	defer session.Close()
	scheduler.SetRecovered(session.HandleRecovered)

	controller := live.NewController(recorder, session, scheduler, correlator, logger)

	fmt.Println("space: start/stop talking  c: cancel turn  q: quit")
	if err := keyLoop(ctx, controller, session); err != nil {
		fmt.Fprintf(os.Stderr, "lingzhi-voice: %v\n", err)
		return 1
	}
	return 0
}

// keyLoop maps terminal keys onto the press-to-talk gesture. Terminals have
// no key-up events, so space toggles press/release and 'c' simulates the
// cancel swipe.
func keyLoop(ctx context.Context, controller *live.Controller, session *live.Session) error {
	fd := int(os.Stdin.Fd())
	oldState, err := term.MakeRaw(fd)
	if err != nil {
		return fmt.Errorf("raw mode: %w", err)
	}
	defer term.Restore(fd, oldState)

	keys := make(chan byte)
	go func() {
		buf := make([]byte, 1)
		for {
			n, err := os.Stdin.Read(buf)
			if err != nil || n == 0 {
				close(keys)
				return
			}
			keys <- buf[0]
		}
	}()

	talking := false
	for {
		select {
		case <-session.Done():
			fmt.Print("\r\nconnection closed\r\n")
			return nil
		case key, ok := <-keys:
			if !ok {
				return nil
			}
			switch key {
			case ' ':
				if talking {
					controller.Release()
					talking = false
					fmt.Print("\r\n(listening)\r\n")
				} else {
					if err := controller.Press(ctx); err != nil {
						fmt.Fprintf(os.Stderr, "\r\n%v\r\n", err)
						continue
					}
					talking = true
					fmt.Print("\r\n(talking)\r\n")
				}
			case 'c':
				if talking {
					controller.Drag(live.CancelThreshold + 10)
					controller.Release()
					talking = false
					fmt.Print("\r\n(cancelled)\r\n")
				}
			case 'q', 3: // q or Ctrl-C
				return nil
			}
		}
	}
}

func printLatest(c *live.Correlator) {
	turns := c.Turns()
	for i := len(turns) - 1; i >= 0; i-- {
		if turns[i].Role == live.RoleAssistant && turns[i].Final {
			printLine(string(turns[i].Role), turns[i].Content)
			return
		}
	}
}

func printLine(role, content string) {
	if strings.TrimSpace(content) == "" {
		return
	}
	fmt.Printf("\r%-9s| %s\r\n", role, content)
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}
