package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"onemcp/pkg/logging"
)

// Subdirectories of the session store. Each prefix maps to exactly one.
const (
	SubdirStreamable    = "streamable"
	SubdirOAuthCodes    = "oauth-codes"
	SubdirOAuthRequests = "oauth-requests"
	SubdirClients       = "clients"
)

// Recognized record prefixes and their subdirectories.
var prefixSubdirs = map[string]string{
	"mcp_":     SubdirStreamable,
	"code_":    SubdirOAuthCodes,
	"authreq_": SubdirOAuthRequests,
	"client_":  SubdirClients,
}

var (
	// Server-generated IDs are UUIDv4.
	uuidRe = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-4[0-9a-f]{3}-[89ab][0-9a-f]{3}-[0-9a-f]{12}$`)
	// Client-chosen IDs are a restricted charset.
	clientIDRe = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
)

// ErrInvalidID is returned when a record ID fails validation.
var ErrInvalidID = errors.New("invalid record id")

// ErrUnsafePath is returned when a write would escape the storage root.
var ErrUnsafePath = errors.New("path escapes storage root")

const sweepInterval = 5 * time.Minute

// Store is a filesystem-backed JSON record store. Records are one file per
// entry at <baseDir>/<subdir>/<prefix><id>.json; a record whose numeric
// "expires" field (epoch milliseconds) is past is treated as absent and
// deleted lazily on read and periodically by the sweeper.
type Store struct {
	baseDir string

	mu     sync.Mutex
	stopCh chan struct{}
	now    func() time.Time
}

// New creates a store rooted at baseDir (usually <configDir>/sessions) and
// runs the one-time legacy record migration.
func New(baseDir string) (*Store, error) {
	s := &Store{
		baseDir: baseDir,
		stopCh:  make(chan struct{}),
		now:     time.Now,
	}
	for _, subdir := range []string{SubdirStreamable, SubdirOAuthCodes, SubdirOAuthRequests, SubdirClients} {
		if err := os.MkdirAll(filepath.Join(baseDir, subdir), 0o700); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}
	if err := s.migrateLegacyRecords(); err != nil {
		logging.Warn("Store", "Legacy record migration failed: %v", err)
	}
	return s, nil
}

// StartSweeper launches the periodic cleanup of expired records. Call Stop
// to terminate it.
func (s *Store) StartSweeper() {
	go func() {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.Sweep()
			}
		}
	}()
}

// Stop terminates the sweeper.
func (s *Store) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
	}
}

// ValidateID checks that the prefix is recognized and the id suffix matches
// the appropriate grammar: UUIDv4 for server-generated prefixes, the
// restricted charset for client-chosen IDs.
func ValidateID(prefix, id string) error {
	subdir, ok := prefixSubdirs[prefix]
	if !ok {
		return fmt.Errorf("%w: unknown prefix %q", ErrInvalidID, prefix)
	}
	if id == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidID)
	}
	if subdir == SubdirClients {
		if !clientIDRe.MatchString(id) {
			return fmt.Errorf("%w: %q", ErrInvalidID, id)
		}
		return nil
	}
	if !uuidRe.MatchString(strings.ToLower(id)) {
		return fmt.Errorf("%w: %q is not a UUIDv4", ErrInvalidID, id)
	}
	return nil
}

// resolvePath builds and checks the record path. The resolved absolute path
// must stay a descendant of the prefix's subdirectory; anything else is
// refused. This is the path-traversal guard.
func (s *Store) resolvePath(prefix, id string) (string, error) {
	subdir, ok := prefixSubdirs[prefix]
	if !ok {
		return "", fmt.Errorf("%w: unknown prefix %q", ErrInvalidID, prefix)
	}

	root, err := filepath.Abs(filepath.Join(s.baseDir, subdir))
	if err != nil {
		return "", err
	}
	candidate, err := filepath.Abs(filepath.Join(root, prefix+id+".json"))
	if err != nil {
		return "", err
	}
	if candidate != root && !strings.HasPrefix(candidate, root+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrUnsafePath, candidate)
	}
	if filepath.Dir(candidate) != root {
		return "", fmt.Errorf("%w: %s", ErrUnsafePath, candidate)
	}
	return candidate, nil
}

// Write persists a record as JSON.
func (s *Store) Write(prefix, id string, record interface{}) error {
	if err := ValidateID(prefix, id); err != nil {
		return err
	}
	path, err := s.resolvePath(prefix, id)
	if err != nil {
		return err
	}
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal record %s%s: %w", prefix, id, err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write record %s%s: %w", prefix, id, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to persist record %s%s: %w", prefix, id, err)
	}
	return nil
}

// Read loads a record into out. It returns (false, nil) when the record is
// absent or expired; an expired file is deleted as a side effect. Corrupted
// files are unlinked and reported as a warning, not an error.
func (s *Store) Read(prefix, id string, out interface{}) (bool, error) {
	if err := ValidateID(prefix, id); err != nil {
		return false, err
	}
	path, err := s.resolvePath(prefix, id)
	if err != nil {
		return false, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read record %s%s: %w", prefix, id, err)
	}

	if expired, ok := s.isExpired(data); ok && expired {
		os.Remove(path)
		return false, nil
	} else if !ok {
		logging.Warn("Store", "Removing corrupted record %s", filepath.Base(path))
		os.Remove(path)
		return false, nil
	}

	if err := json.Unmarshal(data, out); err != nil {
		logging.Warn("Store", "Removing corrupted record %s: %v", filepath.Base(path), err)
		os.Remove(path)
		return false, nil
	}
	return true, nil
}

// Delete removes a record. Deleting an absent record is not an error.
func (s *Store) Delete(prefix, id string) error {
	if err := ValidateID(prefix, id); err != nil {
		return err
	}
	path, err := s.resolvePath(prefix, id)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete record %s%s: %w", prefix, id, err)
	}
	return nil
}

// List returns the IDs of all live records with the given prefix.
func (s *Store) List(prefix string) ([]string, error) {
	subdir, ok := prefixSubdirs[prefix]
	if !ok {
		return nil, fmt.Errorf("%w: unknown prefix %q", ErrInvalidID, prefix)
	}
	entries, err := os.ReadDir(filepath.Join(s.baseDir, subdir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var ids []string
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, ".json") {
			continue
		}
		id := strings.TrimSuffix(strings.TrimPrefix(name, prefix), ".json")
		if ValidateID(prefix, id) != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Sweep removes every expired record across all subdirectories.
func (s *Store) Sweep() {
	removed := 0
	for _, subdir := range []string{SubdirStreamable, SubdirOAuthCodes, SubdirOAuthRequests, SubdirClients} {
		dir := filepath.Join(s.baseDir, subdir)
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
				continue
			}
			path := filepath.Join(dir, entry.Name())
			data, err := os.ReadFile(path)
			if err != nil {
				continue
			}
			if expired, ok := s.isExpired(data); !ok || expired {
				if os.Remove(path) == nil {
					removed++
				}
			}
		}
	}
	if removed > 0 {
		logging.Debug("Store", "Sweep removed %d expired record(s)", removed)
	}
}

// isExpired decodes just the expires field. The second return reports
// whether the payload was parseable JSON at all.
func (s *Store) isExpired(data []byte) (expired, ok bool) {
	var probe struct {
		Expires *float64 `json:"expires"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return false, false
	}
	if probe.Expires == nil {
		return false, true
	}
	return int64(*probe.Expires) < s.now().UnixMilli(), true
}
