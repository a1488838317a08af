package rest

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/italolelis/media_relay/internal/job"
	"github.com/italolelis/media_relay/internal/orchestrator"
	"github.com/italolelis/media_relay/internal/quota"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

type mockJobService struct {
	submitFunc func(ctx context.Context, req job.FetchRequest) (string, error)
	cancelFunc func(jobID string) error
	statusFunc func(ctx context.Context, jobID string) (job.Status, error)
	events     chan job.Status

	mu        sync.Mutex
	submitted []job.FetchRequest
}

func (m *mockJobService) Submit(ctx context.Context, req job.FetchRequest) (string, error) {
	m.mu.Lock()
	m.submitted = append(m.submitted, req)
	m.mu.Unlock()

	if m.submitFunc != nil {
		return m.submitFunc(ctx, req)
	}

	return "job-1", nil
}

func (m *mockJobService) Cancel(jobID string) error {
	if m.cancelFunc != nil {
		return m.cancelFunc(jobID)
	}

	return nil
}

func (m *mockJobService) Status(ctx context.Context, jobID string) (job.Status, error) {
	if m.statusFunc != nil {
		return m.statusFunc(ctx, jobID)
	}

	return job.Status{JobID: jobID, State: job.StateQueued}, nil
}

func (m *mockJobService) Subscribe(int) (<-chan job.Status, func()) {
	if m.events == nil {
		m.events = make(chan job.Status)
	}

	return m.events, func() {}
}

type mockPlans struct {
	userID string
	tier   quota.Tier
}

func (m *mockPlans) SetPlan(_ context.Context, userID string, tier quota.Tier) error {
	m.userID, m.tier = userID, tier

	return nil
}

func newTestServer(t *testing.T, svc JobService, username, password string) *httptest.Server {
	t.Helper()

	var hash string

	if password != "" {
		h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
		require.NoError(t, err)

		hash = string(h)
	}

	srv := httptest.NewServer(NewRouter(NewJobsHandler(username, hash, svc, &mockPlans{}, testTiers()), nil))
	t.Cleanup(srv.Close)

	return srv
}

func do(t *testing.T, method, url, body string, auth ...string) *http.Response {
	t.Helper()

	req, err := http.NewRequestWithContext(t.Context(), method, url, strings.NewReader(body))
	require.NoError(t, err)

	if len(auth) == 2 {
		req.SetBasicAuth(auth[0], auth[1])
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	return resp
}

func TestHandleSubmit(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		submitErr  error
		wantStatus int
		wantReason string
	}{
		{name: "accepted", body: `{"user_id":"alice","source_url":"https://v","desired_quality":"720p"}`, wantStatus: http.StatusAccepted},
		{name: "malformed body", body: `{`, wantStatus: http.StatusBadRequest},
		{
			name:       "quota rejection",
			body:       `{"user_id":"alice","source_url":"https://v"}`,
			submitErr:  &quota.AdmissionError{Reason: quota.ReasonDailyLimitExceeded},
			wantStatus: http.StatusUnprocessableEntity,
			wantReason: "daily_limit_exceeded",
		},
		{
			name:       "rate limited",
			body:       `{"user_id":"alice","source_url":"https://v"}`,
			submitErr:  &quota.AdmissionError{Reason: quota.ReasonRateLimited},
			wantStatus: http.StatusTooManyRequests,
			wantReason: "rate_limited",
		},
		{
			name:       "invalid request",
			body:       `{"user_id":"alice"}`,
			submitErr:  orchestrator.ErrInvalidRequest,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "ledger down",
			body:       `{"user_id":"alice","source_url":"https://v"}`,
			submitErr:  errors.New("connection refused"),
			wantStatus: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &mockJobService{submitFunc: func(context.Context, job.FetchRequest) (string, error) {
				if tt.submitErr != nil {
					return "", tt.submitErr
				}

				return "job-1", nil
			}}

			resp := do(t, http.MethodPost, newTestServer(t, svc, "", "").URL+"/jobs", tt.body)
			assert.Equal(t, tt.wantStatus, resp.StatusCode)

			if tt.wantStatus == http.StatusAccepted {
				var got SubmitResponse
				require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
				assert.Equal(t, "job-1", got.JobID)

				return
			}

			var got ErrorResponse
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
			assert.Equal(t, tt.wantReason, got.Reason)
		})
	}
}

func TestHandleSubmit_RequestIDFallback(t *testing.T) {
	svc := &mockJobService{}
	srv := newTestServer(t, svc, "", "")

	req, err := http.NewRequestWithContext(t.Context(), http.MethodPost, srv.URL+"/jobs",
		strings.NewReader(`{"user_id":"alice","source_url":"https://v"}`))
	require.NoError(t, err)
	req.Header.Set("X-Request-ID", "req-42")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	require.Len(t, svc.submitted, 1)
	assert.Equal(t, "req-42", svc.submitted[0].RequestID)
}

func TestHandleStatusAndCancel(t *testing.T) {
	svc := &mockJobService{
		statusFunc: func(_ context.Context, id string) (job.Status, error) {
			if id == "missing" {
				return job.Status{}, orchestrator.ErrJobNotFound
			}

			return job.Status{JobID: id, State: job.StateFetching, BytesTransferred: 10}, nil
		},
		cancelFunc: func(id string) error {
			if id == "missing" {
				return orchestrator.ErrJobNotFound
			}

			return nil
		},
	}
	srv := newTestServer(t, svc, "", "")

	resp := do(t, http.MethodGet, srv.URL+"/jobs/j1", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var st job.Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	assert.Equal(t, job.StateFetching, st.State)
	assert.Equal(t, int64(10), st.BytesTransferred)

	assert.Equal(t, http.StatusNotFound, do(t, http.MethodGet, srv.URL+"/jobs/missing", "").StatusCode)
	assert.Equal(t, http.StatusAccepted, do(t, http.MethodDelete, srv.URL+"/jobs/j1", "").StatusCode)
	assert.Equal(t, http.StatusNotFound, do(t, http.MethodDelete, srv.URL+"/jobs/missing", "").StatusCode)
}

func TestHandleEvents_StreamsUntilTerminal(t *testing.T) {
	svc := &mockJobService{events: make(chan job.Status, 4)}
	svc.events <- job.Status{JobID: "other", State: job.StateFetching}
	svc.events <- job.Status{JobID: "j1", State: job.StateTransferring}
	svc.events <- job.Status{JobID: "j1", State: job.StateCompleted}

	resp := do(t, http.MethodGet, newTestServer(t, svc, "", "").URL+"/jobs/j1/events", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	var states []job.State

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line, ok := strings.CutPrefix(scanner.Text(), "data: ")
		if !ok {
			continue
		}

		var st job.Status
		require.NoError(t, json.Unmarshal([]byte(line), &st))
		assert.Equal(t, "j1", st.JobID)

		states = append(states, st.State)
	}

	assert.Equal(t, []job.State{job.StateQueued, job.StateTransferring, job.StateCompleted}, states)
}

func TestBasicAuth(t *testing.T) {
	srv := newTestServer(t, &mockJobService{}, "relay", "s3cret")

	tests := []struct {
		name       string
		auth       []string
		wantStatus int
	}{
		{name: "missing", wantStatus: http.StatusUnauthorized},
		{name: "wrong password", auth: []string{"relay", "nope"}, wantStatus: http.StatusUnauthorized},
		{name: "wrong user", auth: []string{"other", "s3cret"}, wantStatus: http.StatusUnauthorized},
		{name: "valid", auth: []string{"relay", "s3cret"}, wantStatus: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := do(t, http.MethodGet, srv.URL+"/jobs/j1", "", tt.auth...)
			assert.Equal(t, tt.wantStatus, resp.StatusCode)
		})
	}

	assert.Equal(t, http.StatusOK, do(t, http.MethodGet, srv.URL+"/healthz", "").StatusCode)
}

func testTiers() quota.PlanTable {
	return quota.PlanTable{
		quota.TierFree:    {Tier: quota.TierFree},
		quota.TierPremium: {Tier: quota.TierPremium},
	}
}

func TestHandleSetPlan(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantTier   quota.Tier
	}{
		{name: "known tier", body: `{"tier":"Premium"}`, wantStatus: http.StatusNoContent, wantTier: quota.TierPremium},
		{name: "missing tier", body: `{}`, wantStatus: http.StatusBadRequest},
		{name: "unknown tier", body: `{"tier":"platinum"}`, wantStatus: http.StatusBadRequest},
		{name: "tier not configured", body: `{"tier":"basic"}`, wantStatus: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plans := &mockPlans{}
			srv := httptest.NewServer(NewRouter(NewJobsHandler("", "", &mockJobService{}, plans, testTiers()), nil))
			defer srv.Close()

			resp := do(t, http.MethodPut, srv.URL+"/users/alice/plan", tt.body)
			assert.Equal(t, tt.wantStatus, resp.StatusCode)
			assert.Equal(t, tt.wantTier, plans.tier)

			if tt.wantTier != "" {
				assert.Equal(t, "alice", plans.userID)
			}
		})
	}
}
