package events

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

const (
	SessionCreated      = "session.created"
	NavigationRequested = "navigation.requested"
	LoadLifecycle       = "load.lifecycle"
	StateTransition     = "state.transition"
	RenderTiming        = "render.timing"
	RenderOutcome       = "render.outcome"
	SessionClosed       = "session.closed"
)

var sessionIDSanitizer = regexp.MustCompile(`[^a-zA-Z0-9._-]`)

var ErrEmptySession = errors.New("empty session id")

type Store struct {
	RootDir string
}

type Event struct {
	Type    string         `json:"type"`
	Session string         `json:"session"`
	Time    time.Time      `json:"time"`
	Fields  map[string]any `json:"fields,omitempty"`
}

type Record struct {
	ID      string `json:"id"`
	Payload string `json:"payload"`
}

func NewStore(rootDir string) *Store {
	return &Store{RootDir: rootDir}
}

func (s *Store) filePath(sessionID string) string {
	safe := sessionIDSanitizer.ReplaceAllString(sessionID, "_")
	return filepath.Join(s.RootDir, safe+".jsonl")
}

func (s *Store) lockPath(sessionID string) string {
	safe := sessionIDSanitizer.ReplaceAllString(sessionID, "_")
	return filepath.Join(s.RootDir, safe+".lock")
}

const (
	lockStaleDuration = 30 * time.Second
	lockTimeout       = 10 * time.Second
	lockPollInterval  = 8 * time.Millisecond
)

func (s *Store) withSessionFileLock(sessionID string, fn func() error) error {
	lock := s.lockPath(sessionID)
	deadline := time.Now().Add(lockTimeout)
	for {
		err := os.Mkdir(lock, 0o755)
		if err == nil {
			break
		}
		if !errors.Is(err, os.ErrExist) {
			return err
		}
		// Break stale locks left by crashed processes.
		if info, statErr := os.Stat(lock); statErr == nil {
			if time.Since(info.ModTime()) > lockStaleDuration {
				_ = os.RemoveAll(lock)
				continue
			}
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("timed out acquiring lock for session %s", sessionID)
		}
		time.Sleep(lockPollInterval)
	}
	defer func() {
		_ = os.RemoveAll(lock)
	}()
	return fn()
}

func (s *Store) Append(ev Event) (Record, error) {
	if strings.TrimSpace(ev.Session) == "" {
		return Record{}, ErrEmptySession
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return Record{}, fmt.Errorf("marshal %s event: %w", ev.Type, err)
	}
	record := Record{ID: ulid.Make().String(), Payload: string(payload)}
	err = s.withSessionFileLock(ev.Session, func() error {
		if err := os.MkdirAll(s.RootDir, 0o755); err != nil {
			return err
		}
		f, err := os.OpenFile(s.filePath(ev.Session), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = f.WriteString(record.ID + ":" + record.Payload + "\n")
		return err
	})
	if err != nil {
		return Record{}, err
	}
	return record, nil
}

func (s *Store) ReadRecords(sessionID string) ([]Record, error) {
	f, err := os.Open(s.filePath(sessionID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []Record{}, nil
		}
		return nil, err
	}
	defer f.Close()

	records := make([]Record, 0, 16)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if len(line) <= 27 || line[26] != ':' {
			return nil, fmt.Errorf("malformed event line in %s", s.filePath(sessionID))
		}
		records = append(records, Record{
			ID:      line[:26],
			Payload: line[27:],
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

func (s *Store) Read(sessionID string) ([]Event, error) {
	records, err := s.ReadRecords(sessionID)
	if err != nil {
		return nil, err
	}
	out := make([]Event, 0, len(records))
	for _, record := range records {
		var ev Event
		if err := json.Unmarshal([]byte(record.Payload), &ev); err != nil {
			return nil, fmt.Errorf("decode event %s: %w", record.ID, err)
		}
		out = append(out, ev)
	}
	return out, nil
}

func (s *Store) Sessions() ([]string, error) {
	entries, err := os.ReadDir(s.RootDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []string{}, nil
		}
		return nil, err
	}
	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".jsonl") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".jsonl"))
	}
	return ids, nil
}

func (s *Store) Prune(keep int) (int, error) {
	ids, err := s.Sessions()
	if err != nil {
		return 0, err
	}
	if keep < 0 {
		keep = 0
	}
	// Session ids are ULIDs, so name order is creation order.
	removed := 0
	for _, id := range ids[:max(len(ids)-keep, 0)] {
		err := s.withSessionFileLock(id, func() error {
			return os.Remove(s.filePath(id))
		})
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

func (s *Store) Cleanup() error {
	return os.RemoveAll(s.RootDir)
}
