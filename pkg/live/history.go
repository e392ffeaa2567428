package live

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// APIClient talks to the product's HTTP API for the collaborators the voice
// client needs: transcript history, session minting, and the goal store.
type APIClient struct {
	baseURL string
	token   string
	http    *http.Client
}

func NewAPIClient(baseURL, token string) *APIClient {
	return &APIClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

type historyLine struct {
	Role     string    `json:"role"`
	Content  string    `json:"content"`
	AudioURL string    `json:"audioUrl,omitempty"`
	SentAt   time.Time `json:"sentAt"`
}

// History implements HistoryStore. A 404 means the session id is unknown and
// maps to ErrNotFound.
func (c *APIClient) History(ctx context.Context, sessionID string) ([]HistoryEntry, error) {
	var lines []historyLine
	err := c.get(ctx, "/api/history/"+sessionID, &lines)
	if err != nil {
		return nil, err
	}
	out := make([]HistoryEntry, 0, len(lines))
	for _, l := range lines {
		out = append(out, HistoryEntry{
			Role:     Role(l.Role),
			Content:  l.Content,
			AudioURL: l.AudioURL,
			SentAt:   l.SentAt,
		})
	}
	return out, nil
}

// NewSession implements SessionIssuer.
func (c *APIClient) NewSession(ctx context.Context, scenario, topic string, forceNew bool) (string, error) {
	body, err := json.Marshal(map[string]any{
		"scenario": scenario,
		"topic":    topic,
		"forceNew": forceNew,
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/sessions", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("create session: status %d", resp.StatusCode)
	}
	var out struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("create session: decode: %w", err)
	}
	if out.SessionID == "" {
		return "", fmt.Errorf("create session: empty session id")
	}
	return out.SessionID, nil
}

type taskLine struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Completed bool   `json:"completed"`
}

// Tasks implements GoalStore.
func (c *APIClient) Tasks(ctx context.Context) ([]Task, error) {
	var lines []taskLine
	if err := c.get(ctx, "/api/goals/tasks", &lines); err != nil {
		return nil, err
	}
	out := make([]Task, 0, len(lines))
	for _, l := range lines {
		out = append(out, Task{ID: l.ID, Title: l.Title, Completed: l.Completed})
	}
	return out, nil
}

// FetchClip downloads a full audio clip for replay.
func (c *APIClient) FetchClip(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch clip: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch clip: status %d", resp.StatusCode)
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return nil, fmt.Errorf("fetch clip: %w", err)
	}
	return buf.Bytes(), nil
}

func (c *APIClient) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("get %s: %w", path, err)
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return ErrNotFound
	default:
		return fmt.Errorf("get %s: status %d", path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("get %s: decode: %w", path, err)
	}
	return nil
}

func (c *APIClient) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}
