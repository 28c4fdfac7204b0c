package archive

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"
)

var (
	ErrOutsideRoot = errors.New("path must be inside the archive root")
	ErrBadName     = errors.New("invalid archive entry name")
)

var nameSanitizer = regexp.MustCompile(`[^a-zA-Z0-9._-]`)

type Entry struct {
	Name    string    `json:"name"`
	Path    string    `json:"path"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
}

type Listing struct {
	Root    string  `json:"root"`
	Entries []Entry `json:"entries"`
}

type Archive struct {
	mu       sync.Mutex
	root     string
	rootReal string
}

// Open creates root if needed and resolves it once, so later confinement
// checks compare real paths.
func Open(root string) (*Archive, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("archive root is empty")
	}
	resolved := filepath.Clean(root)
	if err := os.MkdirAll(resolved, 0o755); err != nil {
		return nil, err
	}
	real, err := filepath.EvalSymlinks(resolved)
	if err != nil {
		return nil, err
	}
	return &Archive{root: resolved, rootReal: real}, nil
}

func (a *Archive) Root() string { return a.rootReal }

func (a *Archive) Save(sessionID string, png []byte) (string, error) {
	safe := nameSanitizer.ReplaceAllString(sessionID, "_")
	if strings.Trim(safe, "._") == "" {
		return "", fmt.Errorf("%w: %q", ErrBadName, sessionID)
	}
	target := filepath.Join(a.rootReal, safe+".png")

	a.mu.Lock()
	defer a.mu.Unlock()
	tmp, err := os.CreateTemp(a.rootReal, ".tmp-"+safe+"-*")
	if err != nil {
		return "", err
	}
	if _, err := tmp.Write(png); err != nil {
		tmp.Close()
		_ = os.Remove(tmp.Name())
		return "", err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return "", err
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		_ = os.Remove(tmp.Name())
		return "", err
	}
	return target, nil
}

// Resolve maps an entry name to its path, refusing anything that escapes the
// root.
func (a *Archive) Resolve(name string) (string, error) {
	if name == "" || strings.HasPrefix(name, ".") || strings.ContainsRune(name, filepath.Separator) {
		return "", fmt.Errorf("%w: %q", ErrBadName, name)
	}
	real, err := filepath.EvalSymlinks(filepath.Join(a.rootReal, name))
	if err != nil {
		return "", err
	}
	if !strings.HasPrefix(real, a.rootReal+string(filepath.Separator)) {
		return "", ErrOutsideRoot
	}
	return real, nil
}

func (a *Archive) List() (Listing, error) {
	dirEntries, err := os.ReadDir(a.rootReal)
	if err != nil {
		return Listing{}, err
	}

	entries := make([]Entry, 0, len(dirEntries))
	for _, entry := range dirEntries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") || !strings.HasSuffix(entry.Name(), ".png") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		entries = append(entries, Entry{
			Name:    entry.Name(),
			Path:    filepath.Join(a.rootReal, entry.Name()),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}

	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].ModTime.Equal(entries[j].ModTime) {
			return entries[i].ModTime.After(entries[j].ModTime)
		}
		return entries[i].Name > entries[j].Name
	})

	return Listing{Root: a.rootReal, Entries: entries}, nil
}
