package transfer

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/italolelis/media_relay/internal/job"
	"github.com/stretchr/testify/assert"
)

func TestErrors_Message(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{
			name: "chunk error",
			err:  &Error{Kind: job.FailureNetworkTransient, ChunkIndex: 2, Err: errors.New("reset")},
			want: "transfer of chunk 2 failed: network_transient: reset",
		},
		{
			name: "session error",
			err:  &Error{Kind: job.FailureDestinationRejected, ChunkIndex: -1, Err: errors.New("denied")},
			want: "transfer failed: destination_rejected: denied",
		},
		{
			name: "network error with status",
			err:  &NetworkError{Operation: "upload_chunk", StatusCode: 503, APIMessage: "service unavailable"},
			want: "network error during upload_chunk (HTTP 503): service unavailable",
		},
		{
			name: "network error without status",
			err:  &NetworkError{Operation: "upload_chunk", APIMessage: "connection timeout"},
			want: "network error during upload_chunk: connection timeout",
		},
		{
			name: "rejected",
			err:  &RejectedError{Name: "clip.mp4", Reason: "too large"},
			want: "destination rejected clip.mp4: too large",
		},
		{
			name: "directory",
			err:  &DirectoryError{DirectoryName: "media_relay", Reason: "not found"},
			want: "directory error for 'media_relay': not found",
		},
		{
			name: "authentication",
			err:  &AuthenticationError{Operation: "begin"},
			want: "authentication failed during begin",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

func TestErrors_UnwrapAndClassify(t *testing.T) {
	cause := errors.New("cause")

	tests := []struct {
		name string
		err  error
		kind job.FailureKind
	}{
		{"server error is transient", &NetworkError{Operation: "upload", StatusCode: 500, Err: cause}, job.FailureNetworkTransient},
		{"throttling is transient", &NetworkError{Operation: "upload", StatusCode: http.StatusTooManyRequests, Err: cause}, job.FailureNetworkTransient},
		{"no status is transient", &NetworkError{Operation: "upload", Err: cause}, job.FailureNetworkTransient},
		{"bad request is rejected", &NetworkError{Operation: "upload", StatusCode: http.StatusBadRequest, Err: cause}, job.FailureDestinationRejected},
		{"entity too large is rejected", &NetworkError{Operation: "upload", StatusCode: http.StatusRequestEntityTooLarge, Err: cause}, job.FailureDestinationRejected},
		{"rejected content", &RejectedError{Name: "a", Reason: "b", Err: cause}, job.FailureDestinationRejected},
		{"directory", &DirectoryError{DirectoryName: "a", Reason: "b", Err: cause}, job.FailureDestinationRejected},
		{"authentication", &AuthenticationError{Operation: "begin", Err: cause}, job.FailureDestinationRejected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wrapped := fmt.Errorf("context: %w", tt.err)

			assert.ErrorIs(t, wrapped, cause)
			assert.Equal(t, tt.kind, job.KindOf(wrapped))
		})
	}
}

func TestHTTPError(t *testing.T) {
	var auth *AuthenticationError
	assert.ErrorAs(t, HTTPError("begin", http.StatusUnauthorized, "bad token", nil), &auth)

	var netErr *NetworkError
	assert.ErrorAs(t, HTTPError("upload_chunk", http.StatusBadGateway, "bad gateway", nil), &netErr)
	assert.Equal(t, http.StatusBadGateway, netErr.StatusCode)
}

func TestErrors_NilCause(t *testing.T) {
	for _, err := range []error{
		&RejectedError{Name: "a", Reason: "b"},
		&NetworkError{Operation: "upload", StatusCode: 500, APIMessage: "error"},
		&DirectoryError{DirectoryName: "a", Reason: "b"},
		&AuthenticationError{Operation: "upload"},
	} {
		assert.NoError(t, errors.Unwrap(err))
		assert.NotEmpty(t, err.Error())
	}
}
