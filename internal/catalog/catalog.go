// Package catalog lists the deliverable image pool.
//
// The pool is a flat directory; entries whose name starts with "start"
// (case-insensitive) are reserved for the one-time welcome image and are
// never part of the daily rotation.
package catalog

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	logx "picbot/pkg/logx"
)

// ErrUnavailable wraps directory read failures. A delivery attempt that hits
// it is aborted for this fire only; the process keeps running.
var ErrUnavailable = errors.New("catalog: image directory unavailable")

// reservedPrefix marks welcome images, excluded from rotation.
const reservedPrefix = "start"

// welcomeExts is the fixed lookup order for the welcome image.
var welcomeExts = []string{"jpg", "jpeg", "png", "webp"}

type Reader struct {
	dir string
	log logx.Logger
}

func New(dir string, log logx.Logger) *Reader {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Reader{dir: dir, log: log}
}

// List returns the sorted image pool, excluding reserved entries.
//
// It re-reads the directory on every call so images added or removed at
// runtime take effect without a restart. The result is deterministic for an
// unchanged directory.
func (r *Reader) List() ([]string, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnavailable, r.dir, err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasPrefix(strings.ToLower(name), reservedPrefix) {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Welcome returns the path of the reserved welcome image, trying
// start.jpg, start.jpeg, start.png, start.webp in that order.
// The second return is false when none exists.
func (r *Reader) Welcome() (string, bool) {
	for _, ext := range welcomeExts {
		p := filepath.Join(r.dir, reservedPrefix+"."+ext)
		if st, err := os.Stat(p); err == nil && !st.IsDir() {
			return p, true
		}
	}
	return "", false
}

// Path resolves an image name from List() to its on-disk path.
func (r *Reader) Path(name string) string {
	return filepath.Join(r.dir, name)
}
