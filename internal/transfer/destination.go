package transfer

import (
	"context"
	"fmt"
	"strings"
)

// Target describes the artifact a session delivers.
type Target struct {
	JobID       string
	UserID      string
	Name        string
	ContentType string
	Size        int64
	ChunkSize   int64
	ChunkCount  int
}

// CheckSegments rejects a target whose user or job id would not stay a single
// path segment at the destination.
func (t Target) CheckSegments() error {
	for _, seg := range []string{t.UserID, t.JobID} {
		if seg == "." || seg == ".." || strings.ContainsAny(seg, `/\`) {
			return &RejectedError{Name: t.Name, Reason: fmt.Sprintf("unsafe path segment %q", seg)}
		}
	}

	return nil
}

// Chunk is one fixed-size slice of the artifact. (JobID, Index) identifies it;
// uploading the same chunk again overwrites the previous copy.
type Chunk struct {
	JobID  string
	Index  int
	Offset int64
	Data   []byte
}

// Destination is the external chunked-transfer tool.
type Destination interface {
	Name() string
	Begin(ctx context.Context, target Target) (Session, error)
}

// Session is one delivery in progress. UploadChunk may run concurrently.
type Session interface {
	UploadChunk(ctx context.Context, chunk Chunk) error
	// Assemble finalizes the delivery once every chunk is uploaded.
	Assemble(ctx context.Context, chunkCount int) error
	// Abort discards uploaded chunks. It is best effort.
	Abort(ctx context.Context) error
}
