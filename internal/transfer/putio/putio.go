// Package putio delivers artifacts to a Put.io account. Chunks become part
// files inside a per-job folder; assembly checks that every part landed once.
package putio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strconv"
	"strings"
	"sync"

	"github.com/italolelis/media_relay/internal/logctx"
	"github.com/italolelis/media_relay/internal/transfer"
	"github.com/putdotio/go-putio"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/oauth2"
)

const partSuffix = ".part"

type Destination struct {
	client *putio.Client
	folder string

	mu       sync.Mutex
	folderID int64
}

// New creates a Put.io destination authenticated with a static OAuth token.
// Deliveries land under the folder named folder in the account root. An
// empty baseURL uses the public API.
func New(token, folder, baseURL string) (*Destination, error) {
	tokenSource := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	oauthClient := oauth2.NewClient(context.Background(), tokenSource)
	oauthClient.Transport = otelhttp.NewTransport(oauthClient.Transport)

	client := putio.NewClient(oauthClient)

	if baseURL != "" {
		u, err := url.Parse(baseURL)
		if err != nil {
			return nil, fmt.Errorf("invalid put.io base url: %w", err)
		}

		client.BaseURL = u
	}

	return NewWithClient(client, folder), nil
}

func NewWithClient(client *putio.Client, folder string) *Destination {
	return &Destination{client: client, folder: folder}
}

func (d *Destination) Name() string {
	return "putio"
}

// Authenticate checks the token against the account endpoint.
func (d *Destination) Authenticate(ctx context.Context) error {
	logger := logctx.LoggerFromContext(ctx)

	info, err := d.client.Account.Info(ctx)
	if err != nil {
		return wrapError("authenticate", err)
	}

	logger.InfoContext(ctx, "authenticated with Put.io", "user", info.Username)

	return nil
}

func (d *Destination) Begin(ctx context.Context, target transfer.Target) (transfer.Session, error) {
	rootID, err := d.rootFolder(ctx)
	if err != nil {
		return nil, err
	}

	name := target.JobID + "-" + path.Base(target.Name)

	folderID, err := d.findOrCreate(ctx, rootID, name)
	if err != nil {
		return nil, err
	}

	return &session{client: d.client, target: target, folderID: folderID}, nil
}

func (d *Destination) rootFolder(ctx context.Context) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.folderID != 0 || d.folder == "" {
		return d.folderID, nil
	}

	id, err := d.findOrCreate(ctx, 0, d.folder)
	if err != nil {
		return 0, err
	}

	d.folderID = id

	return id, nil
}

func (d *Destination) findOrCreate(ctx context.Context, parentID int64, name string) (int64, error) {
	children, _, err := d.client.Files.List(ctx, parentID)
	if err != nil {
		return 0, wrapError("list_files", err)
	}

	for _, f := range children {
		if f.IsDir() && f.Name == name {
			return f.ID, nil
		}
	}

	folder, err := d.client.Files.CreateFolder(ctx, name, parentID)
	if err != nil {
		return 0, wrapError("create_folder", err)
	}

	return folder.ID, nil
}

type session struct {
	client   *putio.Client
	target   transfer.Target
	folderID int64
}

func partName(name string, index int) string {
	return fmt.Sprintf("%s.%05d%s", path.Base(name), index, partSuffix)
}

// UploadChunk skips parts already stored with the same size, so a replayed
// chunk does not create a duplicate file.
func (s *session) UploadChunk(ctx context.Context, chunk transfer.Chunk) error {
	name := partName(s.target.Name, chunk.Index)

	existing, err := s.parts(ctx)
	if err != nil {
		return err
	}

	if f, ok := existing[chunk.Index]; ok {
		if f.Size == int64(len(chunk.Data)) {
			return nil
		}

		if err := s.client.Files.Delete(ctx, f.ID); err != nil {
			return wrapError("delete_part", err)
		}
	}

	if _, err := s.client.Files.Upload(ctx, bytes.NewReader(chunk.Data), name, s.folderID); err != nil {
		return wrapError("upload_part", err)
	}

	return nil
}

func (s *session) Assemble(ctx context.Context, chunkCount int) error {
	parts, err := s.parts(ctx)
	if err != nil {
		return err
	}

	var total int64

	for i := range chunkCount {
		f, ok := parts[i]
		if !ok {
			return &transfer.RejectedError{Name: s.target.Name, Reason: fmt.Sprintf("part %d missing", i)}
		}

		total += f.Size
	}

	if s.target.Size > 0 && total != s.target.Size {
		return &transfer.RejectedError{
			Name:   s.target.Name,
			Reason: fmt.Sprintf("stored %d bytes, expected %d", total, s.target.Size),
		}
	}

	logctx.LoggerFromContext(ctx).InfoContext(ctx, "artifact delivered",
		"folder_id", s.folderID, "parts", chunkCount)

	return nil
}

func (s *session) Abort(ctx context.Context) error {
	if err := s.client.Files.Delete(ctx, s.folderID); err != nil {
		return wrapError("delete_folder", err)
	}

	return nil
}

// parts lists stored parts by chunk index.
func (s *session) parts(ctx context.Context) (map[int]putio.File, error) {
	files, _, err := s.client.Files.List(ctx, s.folderID)
	if err != nil {
		return nil, wrapError("list_parts", err)
	}

	prefix := path.Base(s.target.Name) + "."
	out := make(map[int]putio.File, len(files))

	for _, f := range files {
		if f.IsDir() || !strings.HasPrefix(f.Name, prefix) || !strings.HasSuffix(f.Name, partSuffix) {
			continue
		}

		idx, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(f.Name, prefix), partSuffix))
		if err != nil {
			continue
		}

		out[idx] = f
	}

	return out, nil
}

func wrapError(operation string, err error) error {
	var apiErr *putio.ErrorResponse
	if errors.As(err, &apiErr) && apiErr.Response != nil {
		return transfer.HTTPError(operation, apiErr.Response.StatusCode, apiErr.Message, err)
	}

	return &transfer.NetworkError{Operation: operation, APIMessage: err.Error(), Err: err}
}
