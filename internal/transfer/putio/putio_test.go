package putio

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/italolelis/media_relay/internal/job"
	"github.com/italolelis/media_relay/internal/transfer"
	putio "github.com/putdotio/go-putio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type storedFile struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Size        int64  `json:"size"`
	ParentID    int64  `json:"parent_id"`
	FileType    string `json:"file_type"`
	ContentType string `json:"content_type"`
}

// fakePutio is an in-memory Put.io files API.
type fakePutio struct {
	mu      sync.Mutex
	nextID  int64
	files   map[int64]*storedFile
	uploads int
	status  int
}

func newFakePutio() *fakePutio {
	return &fakePutio{nextID: 100, files: map[int64]*storedFile{}}
}

func (f *fakePutio) add(name string, parent, size int64, dir bool) *storedFile {
	f.nextID++

	sf := &storedFile{ID: f.nextID, Name: name, Size: size, ParentID: parent, FileType: "VIDEO", ContentType: "video/mp4"}
	if dir {
		sf.FileType, sf.ContentType = "FOLDER", "application/x-directory"
	}

	f.files[sf.ID] = sf

	return sf
}

func (f *fakePutio) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")

	if f.status != 0 {
		w.WriteHeader(f.status)
		_, _ = w.Write([]byte(`{"error_type":"ERROR","error_message":"denied","status_code":` + strconv.Itoa(f.status) + `}`))

		return
	}

	switch {
	case strings.HasSuffix(r.URL.Path, "/files/list"):
		parent, _ := strconv.ParseInt(r.URL.Query().Get("parent_id"), 10, 64)

		children := []*storedFile{}
		for _, sf := range f.files {
			if sf.ParentID == parent {
				children = append(children, sf)
			}
		}

		writeJSON(w, map[string]any{"files": children, "parent": storedFile{ID: parent}, "status": "OK"})
	case strings.HasSuffix(r.URL.Path, "/files/create-folder"):
		parent, _ := strconv.ParseInt(r.FormValue("parent_id"), 10, 64)

		writeJSON(w, map[string]any{"file": f.add(r.FormValue("name"), parent, 0, true), "status": "OK"})
	case strings.HasSuffix(r.URL.Path, "/files/upload"):
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			w.WriteHeader(http.StatusBadRequest)

			return
		}

		parent, _ := strconv.ParseInt(r.FormValue("parent_id"), 10, 64)

		var sf *storedFile

		for _, headers := range r.MultipartForm.File {
			for _, h := range headers {
				sf = f.add(h.Filename, parent, h.Size, false)
			}
		}

		f.uploads++

		writeJSON(w, map[string]any{"file": sf, "status": "OK"})
	case strings.HasSuffix(r.URL.Path, "/files/delete"):
		for _, raw := range strings.Split(r.FormValue("file_ids"), ",") {
			id, _ := strconv.ParseInt(raw, 10, 64)
			f.deleteTree(id)
		}

		writeJSON(w, map[string]any{"status": "OK", "skipped": 0})
	default:
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error_type":"NOT_FOUND","error_message":"not found"}`))
	}
}

func (f *fakePutio) deleteTree(id int64) {
	delete(f.files, id)

	for cid, sf := range f.files {
		if sf.ParentID == id {
			f.deleteTree(cid)
		}
	}
}

func (f *fakePutio) childrenOf(parent int64) []*storedFile {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []*storedFile

	for _, sf := range f.files {
		if sf.ParentID == parent {
			out = append(out, sf)
		}
	}

	return out
}

func writeJSON(w http.ResponseWriter, v any) {
	_ = json.NewEncoder(w).Encode(v)
}

// rewriteTransport sends every request, API and upload hosts alike, to the fake.
type rewriteTransport struct {
	target *url.URL
}

func (t rewriteTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	r = r.Clone(r.Context())
	r.URL.Scheme = t.target.Scheme
	r.URL.Host = t.target.Host

	return http.DefaultTransport.RoundTrip(r)
}

func newTestDestination(t *testing.T, fake *fakePutio) *Destination {
	t.Helper()

	server := httptest.NewServer(fake)
	t.Cleanup(server.Close)

	u, err := url.Parse(server.URL)
	require.NoError(t, err)

	client := putio.NewClient(&http.Client{Transport: rewriteTransport{target: u}})
	client.BaseURL = u

	return NewWithClient(client, "media_relay")
}

func TestDestination_UploadsPartsIntoJobFolder(t *testing.T) {
	fake := newFakePutio()
	d := newTestDestination(t, fake)

	target := transfer.Target{JobID: "j1", UserID: "alice", Name: "clip.mp4", Size: 6, ChunkCount: 2}

	sess, err := d.Begin(t.Context(), target)
	require.NoError(t, err)

	require.NoError(t, sess.UploadChunk(t.Context(), transfer.Chunk{JobID: "j1", Index: 0, Data: []byte("abc")}))
	require.NoError(t, sess.UploadChunk(t.Context(), transfer.Chunk{JobID: "j1", Index: 1, Data: []byte("def")}))

	// A replay of a stored chunk is a no-op.
	require.NoError(t, sess.UploadChunk(t.Context(), transfer.Chunk{JobID: "j1", Index: 1, Data: []byte("def")}))
	assert.Equal(t, 2, fake.uploads)

	require.NoError(t, sess.Assemble(t.Context(), 2))

	roots := fake.childrenOf(0)
	require.Len(t, roots, 1)
	assert.Equal(t, "media_relay", roots[0].Name)

	jobs := fake.childrenOf(roots[0].ID)
	require.Len(t, jobs, 1)
	assert.Equal(t, "j1-clip.mp4", jobs[0].Name)

	names := []string{}
	for _, p := range fake.childrenOf(jobs[0].ID) {
		names = append(names, p.Name)
	}

	assert.ElementsMatch(t, []string{"clip.mp4.00000.part", "clip.mp4.00001.part"}, names)
}

func TestDestination_ReusesFolders(t *testing.T) {
	fake := newFakePutio()
	d := newTestDestination(t, fake)

	target := transfer.Target{JobID: "j1", Name: "clip.mp4", ChunkCount: 1}

	_, err := d.Begin(t.Context(), target)
	require.NoError(t, err)

	_, err = d.Begin(t.Context(), target)
	require.NoError(t, err)

	assert.Len(t, fake.childrenOf(0), 1)
}

func TestDestination_AssembleMissingPart(t *testing.T) {
	fake := newFakePutio()
	d := newTestDestination(t, fake)

	sess, err := d.Begin(t.Context(), transfer.Target{JobID: "j1", Name: "clip.mp4", ChunkCount: 2})
	require.NoError(t, err)
	require.NoError(t, sess.UploadChunk(t.Context(), transfer.Chunk{Index: 0, Data: []byte("abc")}))

	err = sess.Assemble(t.Context(), 2)
	assert.Equal(t, job.FailureDestinationRejected, job.KindOf(err))
}

func TestDestination_Abort(t *testing.T) {
	fake := newFakePutio()
	d := newTestDestination(t, fake)

	sess, err := d.Begin(t.Context(), transfer.Target{JobID: "j1", Name: "clip.mp4", ChunkCount: 1})
	require.NoError(t, err)
	require.NoError(t, sess.UploadChunk(t.Context(), transfer.Chunk{Index: 0, Data: []byte("abc")}))

	require.NoError(t, sess.Abort(t.Context()))

	roots := fake.childrenOf(0)
	require.Len(t, roots, 1)
	assert.Empty(t, fake.childrenOf(roots[0].ID))
}

func TestDestination_ErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   job.FailureKind
	}{
		{name: "unauthorized", status: http.StatusUnauthorized, want: job.FailureDestinationRejected},
		{name: "server error", status: http.StatusBadGateway, want: job.FailureNetworkTransient},
		{name: "throttled", status: http.StatusTooManyRequests, want: job.FailureNetworkTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := newFakePutio()
			fake.status = tt.status

			_, err := newTestDestination(t, fake).Begin(t.Context(), transfer.Target{JobID: "j1", Name: "a"})
			require.Error(t, err)
			assert.Equal(t, tt.want, job.KindOf(err))
		})
	}
}
