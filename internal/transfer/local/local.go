// Package local delivers artifacts into a directory on the same host, such
// as a mounted share watched by the front-end.
package local

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/media_relay/internal/logctx"
	"github.com/italolelis/media_relay/internal/progress"
	"github.com/italolelis/media_relay/internal/transfer"
)

const (
	partsDir = ".parts"
	dirPerm  = 0o755
	filePerm = 0o644

	progressInterval = 64 * 1024 * 1024
	progressStep     = 25
)

type Destination struct {
	root string
}

func New(root string) (*Destination, error) {
	if err := os.MkdirAll(filepath.Join(root, partsDir), dirPerm); err != nil {
		return nil, fmt.Errorf("failed to create destination dir: %w", err)
	}

	return &Destination{root: root}, nil
}

func (d *Destination) Name() string {
	return "local"
}

func (d *Destination) Begin(_ context.Context, target transfer.Target) (transfer.Session, error) {
	if err := target.CheckSegments(); err != nil {
		return nil, err
	}

	dir, err := d.within(partsDir, target.JobID)
	if err != nil {
		return nil, &transfer.RejectedError{Name: target.Name, Reason: err.Error()}
	}

	final, err := d.within(target.UserID, target.JobID+"-"+filepath.Base(target.Name))
	if err != nil {
		return nil, &transfer.RejectedError{Name: target.Name, Reason: err.Error()}
	}

	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return nil, &transfer.DirectoryError{DirectoryName: dir, Reason: "failed to create parts dir", Err: err}
	}

	return &session{
		target:   target,
		partsDir: dir,
		final:    final,
	}, nil
}

// within joins elems under the root and fails when the result is not inside it.
func (d *Destination) within(elems ...string) (string, error) {
	p := filepath.Join(append([]string{d.root}, elems...)...)

	rel, err := filepath.Rel(d.root, p)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %s escapes the destination root", p)
	}

	return p, nil
}

type session struct {
	target   transfer.Target
	partsDir string
	final    string
}

func (s *session) partPath(index int) string {
	return filepath.Join(s.partsDir, strconv.Itoa(index)+".part")
}

// UploadChunk writes the chunk to a temp file and renames it into place, so a
// replayed chunk replaces the earlier copy whole.
func (s *session) UploadChunk(_ context.Context, chunk transfer.Chunk) error {
	tmp, err := os.CreateTemp(s.partsDir, "chunk-*")
	if err != nil {
		return fmt.Errorf("failed to create chunk file: %w", err)
	}

	if _, err := tmp.Write(chunk.Data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())

		return fmt.Errorf("failed to write chunk %d: %w", chunk.Index, err)
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())

		return fmt.Errorf("failed to close chunk %d: %w", chunk.Index, err)
	}

	if err := os.Rename(tmp.Name(), s.partPath(chunk.Index)); err != nil {
		return fmt.Errorf("failed to store chunk %d: %w", chunk.Index, err)
	}

	return nil
}

func (s *session) Assemble(ctx context.Context, chunkCount int) error {
	logger := logctx.LoggerFromContext(ctx).With("file", s.final)

	if err := os.MkdirAll(filepath.Dir(s.final), dirPerm); err != nil {
		return &transfer.DirectoryError{DirectoryName: filepath.Dir(s.final), Reason: "failed to create user dir", Err: err}
	}

	out, err := os.CreateTemp(filepath.Dir(s.final), ".assemble-*")
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}

	defer os.Remove(out.Name())

	pr := progress.NewReader(nil, s.target.Size, progressInterval, progressStep, func(read, total int64) {
		logger.DebugContext(ctx, "assembling",
			"written", humanize.Bytes(uint64(read)),
			"total", humanize.Bytes(uint64(total)),
		)
	})

	for i := range chunkCount {
		if err := s.appendPart(pr, out, i); err != nil {
			out.Close()

			return err
		}
	}

	if err := out.Close(); err != nil {
		return fmt.Errorf("failed to close output file: %w", err)
	}

	if pr.BytesRead() != s.target.Size {
		return &transfer.RejectedError{
			Name:   s.target.Name,
			Reason: fmt.Sprintf("assembled %d bytes, expected %d", pr.BytesRead(), s.target.Size),
		}
	}

	if err := os.Rename(out.Name(), s.final); err != nil {
		return fmt.Errorf("failed to move assembled file: %w", err)
	}

	logger.InfoContext(ctx, "artifact delivered", "size", humanize.Bytes(uint64(s.target.Size)))

	return os.RemoveAll(s.partsDir)
}

func (s *session) appendPart(pr *progress.Reader, out io.Writer, index int) error {
	part, err := os.Open(s.partPath(index))
	if os.IsNotExist(err) {
		return &transfer.RejectedError{Name: s.target.Name, Reason: fmt.Sprintf("chunk %d missing", index), Err: err}
	}

	if err != nil {
		return fmt.Errorf("failed to open chunk %d: %w", index, err)
	}
	defer part.Close()

	pr.Reset(part)

	if _, err := io.Copy(out, pr); err != nil {
		return fmt.Errorf("failed to append chunk %d: %w", index, err)
	}

	return nil
}

func (s *session) Abort(context.Context) error {
	return os.RemoveAll(s.partsDir)
}
