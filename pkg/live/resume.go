package live

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"
)

// ErrNotFound is returned by HistoryStore implementations when the session id
// is unknown to the history service, as opposed to the lookup failing.
var ErrNotFound = errors.New("session not found")

// HistoryEntry is one transcript line rehydrated from the history store.
type HistoryEntry struct {
	Role     Role
	Content  string
	AudioURL string
	SentAt   time.Time
}

// HistoryStore looks up a session's transcript.
type HistoryStore interface {
	History(ctx context.Context, sessionID string) ([]HistoryEntry, error)
}

// SessionIssuer mints conversation session ids.
type SessionIssuer interface {
	NewSession(ctx context.Context, scenario, topic string, forceNew bool) (string, error)
}

// SessionCache persists the last session id per scenario across restarts.
type SessionCache interface {
	Get(scenario string) (string, bool)
	Put(scenario, sessionID string) error
	Delete(scenario string) error
}

// ConnectParams are the address parameters for a conversation. Resolve
// writes the chosen session id back into them so a reload reuses it.
type ConnectParams struct {
	SessionID string
	Scenario  string
	Topic     string
	Voice     string
}

// Resumer decides which session id a conversation should use: an explicit
// address parameter, a validated cached id for the scenario, or a freshly
// minted one.
type Resumer struct {
	issuer  SessionIssuer
	history HistoryStore
	cache   SessionCache
	logger  *slog.Logger

	retryBackoff time.Duration
}

func NewResumer(issuer SessionIssuer, history HistoryStore, cache SessionCache, logger *slog.Logger) *Resumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resumer{
		issuer:       issuer,
		history:      history,
		cache:        cache,
		logger:       logger,
		retryBackoff: 250 * time.Millisecond,
	}
}

// Resolve picks the session id per the resolution order and returns it with
// any rehydrated transcript. A "not found" on a cached or explicit id falls
// through to minting transparently; other history failures surface so the
// caller can offer a manual retry.
func (r *Resumer) Resolve(ctx context.Context, params *ConnectParams) (string, []HistoryEntry, error) {
	if params.SessionID != "" {
		hist, err := r.history.History(ctx, params.SessionID)
		switch {
		case err == nil:
			r.persist(params, params.SessionID)
			return params.SessionID, hist, nil
		case errors.Is(err, ErrNotFound):
			r.logger.Info("address session id is stale", "session_id", params.SessionID)
			r.discard(params.Scenario)
		default:
			return "", nil, fmt.Errorf("load history: %w", err)
		}
	} else if cached, ok := r.cachedID(params.Scenario); ok {
		hist, err := r.history.History(ctx, cached)
		switch {
		case err == nil:
			r.persist(params, cached)
			return cached, hist, nil
		case errors.Is(err, ErrNotFound):
			r.logger.Info("cached session id is stale", "session_id", cached, "scenario", params.Scenario)
			r.discard(params.Scenario)
		default:
			r.discard(params.Scenario)
			return "", nil, fmt.Errorf("load history: %w", err)
		}
	}

	id, err := r.mint(ctx, params)
	if err != nil {
		return "", nil, err
	}
	r.persist(params, id)
	return id, nil, nil
}

func (r *Resumer) cachedID(scenario string) (string, bool) {
	if r.cache == nil || scenario == "" {
		return "", false
	}
	return r.cache.Get(scenario)
}

// mint asks the issuer for a brand-new session id, retrying once on the
// first failure.
func (r *Resumer) mint(ctx context.Context, params *ConnectParams) (string, error) {
	var id string
	backoff := retry.WithMaxRetries(1, retry.NewConstant(r.retryBackoff))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		var err error
		id, err = r.issuer.NewSession(ctx, params.Scenario, params.Topic, true)
		if err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	return id, nil
}

// persist records the resolved id in the cache (ephemeral sessions without a
// scenario skip persistence) and writes it back into the address params.
func (r *Resumer) persist(params *ConnectParams, sessionID string) {
	params.SessionID = sessionID
	if r.cache == nil || params.Scenario == "" {
		return
	}
	if err := r.cache.Put(params.Scenario, sessionID); err != nil {
		r.logger.Warn("persist session id", "err", err)
	}
}

func (r *Resumer) discard(scenario string) {
	if r.cache == nil || scenario == "" {
		return
	}
	if err := r.cache.Delete(scenario); err != nil {
		r.logger.Warn("discard cached session id", "err", err)
	}
}
