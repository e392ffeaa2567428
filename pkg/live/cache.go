package live

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// FileSessionCache persists scenario → session id mappings in a JSON file,
// the desktop analog of the browser client's local storage.
type FileSessionCache struct {
	mu   sync.Mutex
	path string
}

// NewFileSessionCache stores the cache under dir. An empty dir uses the
// user's config directory.
func NewFileSessionCache(dir string) (*FileSessionCache, error) {
	if dir == "" {
		base, err := os.UserConfigDir()
		if err != nil {
			return nil, fmt.Errorf("resolve config dir: %w", err)
		}
		dir = filepath.Join(base, "lingzhi")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	return &FileSessionCache{path: filepath.Join(dir, "sessions.json")}, nil
}

func (c *FileSessionCache) Get(scenario string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, err := c.load()
	if err != nil {
		return "", false
	}
	id, ok := m[scenario]
	return id, ok && id != ""
}

func (c *FileSessionCache) Put(scenario, sessionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, err := c.load()
	if err != nil {
		return err
	}
	m[scenario] = sessionID
	return c.store(m)
}

func (c *FileSessionCache) Delete(scenario string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, err := c.load()
	if err != nil {
		return err
	}
	delete(m, scenario)
	return c.store(m)
}

func (c *FileSessionCache) load() (map[string]string, error) {
	data, err := os.ReadFile(c.path)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read session cache: %w", err)
	}
	var m map[string]string
	if err := json.Unmarshal(data, &m); err != nil {
		// A corrupt cache file is not worth failing a session over.
		return map[string]string{}, nil
	}
	return m, nil
}

func (c *FileSessionCache) store(m map[string]string) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encode session cache: %w", err)
	}
	if err := os.WriteFile(c.path, data, 0o644); err != nil {
		return fmt.Errorf("write session cache: %w", err)
	}
	return nil
}
