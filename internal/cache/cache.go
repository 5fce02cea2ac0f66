// Package cache keeps previously fetched API responses on disk, keyed by
// resource path and entry kind, together with the validators needed to
// revalidate them.
//
// Layout: <root>/<owner>/<repo>/pulls/<number>/<kind>/data.json
package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/spf13/afero"
)

const fileName = "data.json"

// ErrCorrupt is returned for an entry whose file exists but does not decode.
var ErrCorrupt = errors.New("corrupt cache entry")

// Entry is one cached response. Headers holds the revalidation headers
// (ETag, Last-Modified) and Payload the decoded response body.
type Entry struct {
	Headers map[string]string `json:"headers,omitempty"`
	Payload json.RawMessage   `json:"payload,omitempty"`
}

// Merge returns e with the top-level fields present in update replacing
// its own. Fields absent from update are kept.
func (e Entry) Merge(update Entry) Entry {
	out := e
	if update.Headers != nil {
		out.Headers = update.Headers
	}
	if update.Payload != nil {
		out.Payload = update.Payload
	}
	return out
}

// Header returns the cached value of the named header, or "".
func (e Entry) Header(name string) string {
	if v, ok := e.Headers[http.CanonicalHeaderKey(name)]; ok {
		return v
	}
	for k, v := range e.Headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

type Store struct {
	fs     afero.Fs
	root   string
	logger *slog.Logger

	// guards the directory tree: pruning must not race a write that is
	// creating directories under the same parent.
	mu sync.Mutex
}

func New(fsys afero.Fs, root string, logger *slog.Logger) (*Store, error) {
	if root == "" {
		return nil, fmt.Errorf("cache root required")
	}
	if err := fsys.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir %s: %w", root, err)
	}
	return &Store{
		fs:     fsys,
		root:   filepath.Clean(root),
		logger: logger.With("component", "cache"),
	}, nil
}

// Root returns the cache root directory.
func (s *Store) Root() string {
	return s.root
}

// Put creates the entry for resource/kind, or merges update over the
// existing one.
func (s *Store) Put(resource, kind string, update Entry) error {
	dir, err := s.dir(resource, kind)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entry := update
	existing, ok, err := s.read(dir)
	switch {
	case errors.Is(err, ErrCorrupt):
		s.logger.Warn("replacing unreadable entry", "resource", resource, "kind", kind, "err", err)
	case err != nil:
		return err
	case ok:
		entry = existing.Merge(update)
		s.logger.Debug("updating entry", "resource", resource, "kind", kind)
	default:
		s.logger.Debug("storing new entry", "resource", resource, "kind", kind)
	}

	if err := s.fs.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create entry dir: %w", err)
	}
	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return fmt.Errorf("encode entry: %w", err)
	}

	tmp := filepath.Join(dir, fileName+".tmp")
	if err := afero.WriteFile(s.fs, tmp, data, 0o644); err != nil {
		return fmt.Errorf("write entry: %w", err)
	}
	if err := s.fs.Rename(tmp, filepath.Join(dir, fileName)); err != nil {
		return fmt.Errorf("replace entry: %w", err)
	}
	return nil
}

// Load returns the entry for resource/kind. The boolean is false on a miss;
// an error means the entry exists but could not be read.
func (s *Store) Load(resource, kind string) (Entry, bool, error) {
	dir, err := s.dir(resource, kind)
	if err != nil {
		return Entry{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read(dir)
}

func (s *Store) read(dir string) (Entry, bool, error) {
	data, err := afero.ReadFile(s.fs, filepath.Join(dir, fileName))
	if errors.Is(err, fs.ErrNotExist) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("read entry: %w", err)
	}

	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return Entry{}, false, fmt.Errorf("%w: %s: %w", ErrCorrupt, dir, err)
	}
	return e, true, nil
}

// Evict removes the subtree of resource/kind (the whole resource when kind
// is empty) and then prunes every directory left empty below the root.
// A missing subtree is not an error.
func (s *Store) Evict(resource, kind string) error {
	dir, err := s.dir(resource, kind)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.fs.RemoveAll(dir); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", dir, err)
	}
	s.logger.Debug("evicted entry", "resource", resource, "kind", kind)
	return s.prune()
}

// Purge removes every entry below the root, keeping the root itself.
func (s *Store) Purge() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	infos, err := afero.ReadDir(s.fs, s.root)
	if err != nil {
		return fmt.Errorf("list cache root: %w", err)
	}
	for _, info := range infos {
		if err := s.fs.RemoveAll(filepath.Join(s.root, info.Name())); err != nil {
			return fmt.Errorf("remove %s: %w", info.Name(), err)
		}
	}
	s.logger.Info("cache purged", "root", s.root, "entries", len(infos))
	return nil
}

// prune walks the tree and removes empty directories deepest first.
func (s *Store) prune() error {
	var dirs []string
	err := afero.Walk(s.fs, s.root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if info.IsDir() && p != s.root {
			dirs = append(dirs, p)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("walk cache: %w", err)
	}

	sort.Slice(dirs, func(i, j int) bool {
		return strings.Count(dirs[i], string(filepath.Separator)) > strings.Count(dirs[j], string(filepath.Separator))
	})
	for _, d := range dirs {
		empty, err := afero.IsEmpty(s.fs, d)
		if err != nil || !empty {
			continue
		}
		if err := s.fs.Remove(d); err != nil {
			return fmt.Errorf("remove empty dir %s: %w", d, err)
		}
		s.logger.Debug("cleaned up", "dir", d)
	}
	return nil
}

func (s *Store) dir(resource, kind string) (string, error) {
	clean := path.Clean("/" + resource + "/" + kind)
	if clean == "/" || strings.Contains(resource, "..") || strings.Contains(kind, "..") {
		return "", fmt.Errorf("invalid cache path %q/%q", resource, kind)
	}
	return filepath.Join(s.root, filepath.FromSlash(clean)), nil
}
