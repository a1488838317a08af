package artifact

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/gabriel-vasile/mimetype"
)

const (
	dirPerm   = 0o755
	DirPrefix = "job-"
)

// ErrNoArtifact is returned when a staging directory holds no output file.
var ErrNoArtifact = errors.New("no artifact staged")

// IsNoSpace reports whether err was caused by the local disk being full.
func IsNoSpace(err error) bool {
	return errors.Is(err, syscall.ENOSPC) || errors.Is(err, syscall.EDQUOT)
}

// Staging is the local area where fetched artifacts live until transferred.
type Staging struct {
	root string
}

func NewStaging(root string) (*Staging, error) {
	if err := os.MkdirAll(root, dirPerm); err != nil {
		return nil, fmt.Errorf("failed to create staging dir %s: %w", root, err)
	}

	return &Staging{root: root}, nil
}

func (s *Staging) Root() string {
	return s.root
}

// Reserve creates a private directory for one job.
func (s *Staging) Reserve(jobID string) (*Ref, error) {
	dir, err := os.MkdirTemp(s.root, DirPrefix+jobID+"-")
	if err != nil {
		return nil, fmt.Errorf("failed to reserve staging dir: %w", err)
	}

	return &Ref{dir: dir}, nil
}

// Purge removes every staging directory of jobID under root and returns how
// many it removed.
func Purge(root, jobID string) (int, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return 0, fmt.Errorf("failed to read staging dir %s: %w", root, err)
	}

	var removed int

	for _, e := range entries {
		if id, ok := JobIDFromDir(e.Name()); !ok || id != jobID || !e.IsDir() {
			continue
		}

		if err := os.RemoveAll(filepath.Join(root, e.Name())); err != nil {
			return removed, fmt.Errorf("failed to remove staging dir %s: %w", e.Name(), err)
		}

		removed++
	}

	return removed, nil
}

// JobIDFromDir extracts the job id from a staging directory name.
func JobIDFromDir(name string) (string, bool) {
	if !strings.HasPrefix(name, DirPrefix) {
		return "", false
	}

	rest := strings.TrimPrefix(name, DirPrefix)

	i := strings.LastIndex(rest, "-")
	if i <= 0 {
		return "", false
	}

	return rest[:i], true
}

// Ref is a handle on locally staged bytes. Release is idempotent.
type Ref struct {
	dir string

	mu   sync.Mutex
	path string
	size int64

	once       sync.Once
	releaseErr error
	released   bool
}

func (r *Ref) Dir() string {
	return r.dir
}

// Seal records the final artifact file inside the staging directory.
func (r *Ref) Seal(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("failed to stat artifact: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.path = path
	r.size = info.Size()

	return nil
}

// SealLargest seals the largest regular file in the staging directory.
func (r *Ref) SealLargest() error {
	var (
		best     string
		bestSize int64 = -1
	)

	err := filepath.WalkDir(r.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if d.IsDir() || strings.HasSuffix(d.Name(), ".part") {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		if info.Size() > bestSize {
			best, bestSize = path, info.Size()
		}

		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to scan staging dir: %w", err)
	}

	if best == "" {
		return ErrNoArtifact
	}

	return r.Seal(best)
}

func (r *Ref) Path() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.path
}

func (r *Ref) Size() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.size
}

func (r *Ref) Name() string {
	return filepath.Base(r.Path())
}

func (r *Ref) Open() (*os.File, error) {
	path := r.Path()
	if path == "" {
		return nil, ErrNoArtifact
	}

	return os.Open(path)
}

// ContentType sniffs the artifact's MIME type.
func (r *Ref) ContentType() string {
	mt, err := mimetype.DetectFile(r.Path())
	if err != nil {
		return "application/octet-stream"
	}

	return mt.String()
}

// Reset drops the output of a failed attempt and keeps the directory.
func (r *Ref) Reset() error {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return fmt.Errorf("failed to read staging dir: %w", err)
	}

	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(r.dir, e.Name())); err != nil {
			return fmt.Errorf("failed to clear staging dir: %w", err)
		}
	}

	r.mu.Lock()
	r.path, r.size = "", 0
	r.mu.Unlock()

	return nil
}

// Release deletes the staged bytes. Only the first call does any work.
func (r *Ref) Release() error {
	r.once.Do(func() {
		r.releaseErr = os.RemoveAll(r.dir)

		r.mu.Lock()
		r.released = true
		r.mu.Unlock()
	})

	return r.releaseErr
}

func (r *Ref) Released() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.released
}
