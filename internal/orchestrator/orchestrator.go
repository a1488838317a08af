// Package orchestrator admits fetch requests and runs each admitted job
// through fetch and transfer on a bounded pool of slots.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/italolelis/media_relay/internal/artifact"
	"github.com/italolelis/media_relay/internal/job"
	"github.com/italolelis/media_relay/internal/logctx"
	"github.com/italolelis/media_relay/internal/notifier"
	"github.com/italolelis/media_relay/internal/quota"
	"github.com/italolelis/media_relay/internal/scheduler"
	"github.com/italolelis/media_relay/internal/storage"
	"github.com/italolelis/media_relay/internal/telemetry"
	"github.com/jellydator/ttlcache/v3"
)

var (
	ErrJobNotFound    = errors.New("job not found")
	ErrInvalidRequest = errors.New("invalid fetch request")
)

// userIDPattern keeps user ids safe to use as a path segment at destinations.
var userIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

const (
	defaultStatusRetention = time.Hour
	defaultReportTimeout   = time.Minute
	alertTimeout           = 10 * time.Second
)

// FetchStage produces the staged artifact of a job.
type FetchStage interface {
	Run(ctx context.Context, j *job.Job) (*artifact.Ref, error)
}

// TransferStage delivers the artifact handed off to a job.
type TransferStage interface {
	Run(ctx context.Context, j *job.Job) error
}

// UsageReporter records one ledger entry per terminal job.
type UsageReporter interface {
	Report(ctx context.Context, j *job.Job) error
}

type Config struct {
	Scheduler           scheduler.Config
	Plans               quota.PlanTable
	SubmitRatePerMinute int
	SubmitBurst         int
	StatusRetention     time.Duration
	ReportTimeout       time.Duration
	StagingRoot         string
	StagingRetention    time.Duration
}

// Deps are the collaborators of the orchestrator. History, Alerter and
// Telemetry are optional.
type Deps struct {
	Ledger    storage.Ledger
	History   storage.JobRepository
	Fetch     FetchStage
	Transfer  TransferStage
	Usage     UsageReporter
	Alerter   notifier.Alerter
	Telemetry *telemetry.Telemetry
}

type Orchestrator struct {
	cfg       Config
	sched     *scheduler.Scheduler
	ledger    storage.Ledger
	history   storage.JobRepository
	fetch     FetchStage
	transfer  TransferStage
	usage     UsageReporter
	alerter   notifier.Alerter
	telemetry *telemetry.Telemetry
	limiter   *quota.SubmitLimiter
	events    *Broadcaster
	finished  *ttlcache.Cache[string, job.Status]

	wg    sync.WaitGroup
	newID func() string
}

func New(cfg Config, deps Deps) *Orchestrator {
	if cfg.StatusRetention <= 0 {
		cfg.StatusRetention = defaultStatusRetention
	}

	if cfg.ReportTimeout <= 0 {
		cfg.ReportTimeout = defaultReportTimeout
	}

	alerter := deps.Alerter
	if alerter == nil {
		alerter = notifier.LogAlerter{}
	}

	return &Orchestrator{
		cfg:       cfg,
		sched:     scheduler.New(cfg.Scheduler, quota.Guard{Plans: cfg.Plans}),
		ledger:    deps.Ledger,
		history:   deps.History,
		fetch:     deps.Fetch,
		transfer:  deps.Transfer,
		usage:     deps.Usage,
		alerter:   alerter,
		telemetry: deps.Telemetry,
		limiter:   quota.NewSubmitLimiter(cfg.SubmitRatePerMinute, cfg.SubmitBurst),
		events:    NewBroadcaster(),
		finished: ttlcache.New[string, job.Status](
			ttlcache.WithTTL[string, job.Status](cfg.StatusRetention),
		),
		newID: uuid.NewString,
	}
}

// Submit validates and admits a request. Admission errors are returned as
// *quota.AdmissionError and are final.
func (o *Orchestrator) Submit(ctx context.Context, req job.FetchRequest) (string, error) {
	req.UserID = strings.TrimSpace(req.UserID)
	req.SourceURL = strings.TrimSpace(req.SourceURL)

	if req.UserID == "" || req.SourceURL == "" {
		return "", fmt.Errorf("%w: user id and source url are required", ErrInvalidRequest)
	}

	if !userIDPattern.MatchString(req.UserID) {
		return "", fmt.Errorf("%w: user id must be 1-64 letters, digits, '-' or '_'", ErrInvalidRequest)
	}

	if req.DesiredQuality == "" {
		req.DesiredQuality = job.QualityBest
	}

	if !req.DesiredQuality.Valid() {
		return "", fmt.Errorf("%w: unknown quality %q", ErrInvalidRequest, req.DesiredQuality)
	}

	if req.SubmittedAt.IsZero() {
		req.SubmittedAt = time.Now()
	}

	if !o.limiter.Allow(req.UserID) {
		o.telemetry.RecordAdmissionRejection(string(quota.ReasonRateLimited))

		return "", &quota.AdmissionError{Reason: quota.ReasonRateLimited, Detail: "too many requests, slow down"}
	}

	snap, err := o.ledger.QuotaSnapshot(ctx, req.UserID)
	if err != nil {
		return "", fmt.Errorf("failed to read quota snapshot: %w", err)
	}

	var queued job.Status

	// build runs under the admission lock, so the queued status is published
	// before the dispatcher can produce a newer one.
	j, err := o.sched.Admit(req, snap, func(a job.Allowance) *job.Job {
		j := job.New(o.newID(), req, a)
		j.OnChange(o.events.Publish)

		queued = j.Status()
		o.events.Publish(queued)

		return j
	})
	if err != nil {
		var admErr *quota.AdmissionError
		if errors.As(err, &admErr) {
			o.telemetry.RecordAdmissionRejection(string(admErr.Reason))
		}

		return "", err
	}

	ctx, logger := logctx.With(ctx, "job_id", j.ID, "user_id", req.UserID)
	logger.InfoContext(ctx, "job admitted", "tier", j.Allowance.Tier, "quality", req.DesiredQuality)

	// The job may already be running; history keeps the newest status by Seq.
	o.save(ctx, j, queued)
	o.telemetry.RecordQueueDepth(o.sched.Stats().Queued)

	return j.ID, nil
}

// Cancel requests cancellation. A queued job is cancelled at once; a running
// job stops at its next chunk or progress callback. Cancelling a finished job
// is a no-op.
func (o *Orchestrator) Cancel(jobID string) error {
	if j, ok := o.sched.CancelQueued(jobID); ok {
		o.wg.Add(1)

		go func() {
			defer o.wg.Done()

			ctx, _ := logctx.With(context.Background(), "job_id", j.ID, "user_id", j.UserID())
			o.finalize(ctx, j, j.CreatedAt, false)
		}()

		return nil
	}

	if j, ok := o.sched.Job(jobID); ok {
		j.Token().Cancel()

		return nil
	}

	if o.finished.Has(jobID) {
		return nil
	}

	return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
}

// Status returns the latest status of a job, including finished jobs kept
// for the retention window or in the job history.
func (o *Orchestrator) Status(ctx context.Context, jobID string) (job.Status, error) {
	if j, ok := o.sched.Job(jobID); ok {
		return j.Status(), nil
	}

	if item := o.finished.Get(jobID); item != nil {
		return item.Value(), nil
	}

	if o.history != nil {
		rec, err := o.history.GetJob(ctx, jobID)
		if err == nil {
			return statusFromRecord(rec), nil
		}

		if !errors.Is(err, storage.ErrNotFound) {
			return job.Status{}, fmt.Errorf("failed to read job history: %w", err)
		}
	}

	return job.Status{}, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
}

// Subscribe returns a push stream of every job status change.
func (o *Orchestrator) Subscribe(buffer int) (<-chan job.Status, func()) {
	return o.events.Subscribe(buffer)
}

// InUse reports whether a job still owns staged data.
func (o *Orchestrator) InUse(jobID string) bool {
	return o.sched.InUse(jobID)
}

func (o *Orchestrator) Stats() scheduler.Stats {
	return o.sched.Stats()
}

// Run dispatches admitted jobs until ctx ends, then waits for running jobs
// to settle.
func (o *Orchestrator) Run(ctx context.Context) error {
	logger := logctx.LoggerFromContext(ctx)

	go o.finished.Start()
	defer o.finished.Stop()

	o.limiter.Start()
	defer o.limiter.Stop()

	logger.InfoContext(ctx, "orchestrator started",
		"global_max_concurrency", o.cfg.Scheduler.GlobalMaxConcurrency,
		"per_user_max_concurrency", o.cfg.Scheduler.PerUserMaxConcurrency,
	)

	for {
		select {
		case <-ctx.Done():
			logger.InfoContext(ctx, "orchestrator shutting down, waiting for running jobs")
			o.wg.Wait()
			o.events.Close()

			return nil
		case <-o.sched.Ready():
			o.dispatch(ctx)
		}
	}
}

func (o *Orchestrator) dispatch(ctx context.Context) {
	for {
		j, slot, ok := o.sched.Dispatch()
		if !ok {
			break
		}

		o.wg.Add(1)

		go o.runJob(ctx, j, slot)
	}

	o.telemetry.RecordQueueDepth(o.sched.Stats().Queued)
}

func (o *Orchestrator) runJob(ctx context.Context, j *job.Job, slot *scheduler.Slot) {
	defer o.wg.Done()

	ctx, logger := logctx.With(ctx, "job_id", j.ID, "user_id", j.UserID())
	start := time.Now()

	o.telemetry.JobStarted()
	o.save(ctx, j, j.Status())

	logger.InfoContext(ctx, "job started", "source_url", j.Request.SourceURL)

	stage, err := o.execute(ctx, j)
	o.settle(ctx, j, slot, stage, err)

	// A fetch that stopped without its own cleanup, such as a panic, leaves
	// its staging directory behind.
	if err != nil && stage == "fetch" && o.cfg.StagingRoot != "" {
		if n, pErr := artifact.Purge(o.cfg.StagingRoot, j.ID); pErr != nil {
			logger.WarnContext(ctx, "failed to purge staging dirs", "err", pErr)
		} else if n > 0 {
			logger.InfoContext(ctx, "purged leftover staging dirs", "count", n)
		}
	}

	if ref := j.TakeArtifact(); ref != nil {
		if err := ref.Release(); err != nil {
			logger.WarnContext(ctx, "failed to release artifact", "err", err)
		}
	}

	// Terminal statuses stay visible while the slot is returned.
	o.finished.Set(j.ID, j.Status(), ttlcache.DefaultTTL)
	o.sched.Finish(j, slot)

	o.finalize(ctx, j, start, true)
}

// execute runs the pipeline and returns the stage that was running when it
// stopped. Panics are turned into WorkerLost failures.
func (o *Orchestrator) execute(ctx context.Context, j *job.Job) (stage string, err error) {
	stage = "fetch"

	defer func() {
		if r := recover(); r != nil {
			logctx.LoggerFromContext(ctx).ErrorContext(ctx, "job panicked",
				"stage", stage, "panic", r, "stack", string(debug.Stack()),
			)

			err = &workerLostError{err: fmt.Errorf("panic in %s stage: %v", stage, r)}
		}
	}()

	ref, err := o.fetch.Run(ctx, j)
	if err != nil {
		return stage, err
	}

	if err := j.HandOff(ref); err != nil {
		_ = ref.Release()

		return stage, &workerLostError{err: err}
	}

	stage = "transfer"

	if err := o.transfer.Run(ctx, j); err != nil {
		return stage, err
	}

	if err := j.Transition(job.StateCompleted); err != nil {
		return stage, &workerLostError{err: err}
	}

	return stage, nil
}

// settle moves a job that stopped with err to its terminal state.
func (o *Orchestrator) settle(ctx context.Context, j *job.Job, slot *scheduler.Slot, stage string, err error) {
	if err == nil {
		return
	}

	logger := logctx.LoggerFromContext(ctx)

	if errors.Is(err, job.ErrCancelled) || j.Token().Cancelled() || ctx.Err() != nil {
		if tErr := j.Transition(job.StateCancelled); tErr != nil {
			logger.WarnContext(ctx, "failed to cancel job", "state", j.State(), "err", tErr)
		}

		logger.InfoContext(ctx, "job cancelled", "stage", stage)

		return
	}

	kind := job.KindOf(err)

	if fErr := j.Fail(kind); fErr != nil {
		logger.WarnContext(ctx, "failed to fail job", "state", j.State(), "err", fErr)
	}

	logger.ErrorContext(ctx, "job failed", "stage", stage, "kind", kind, "err", err)

	if kind.HealthSignal() {
		o.sched.FlagSlot(slot)
		o.raise(ctx, notifier.HealthSignal{Component: stage, Kind: kind, JobID: j.ID, Detail: err.Error()})
	}
}

func (o *Orchestrator) raise(ctx context.Context, signal notifier.HealthSignal) {
	o.telemetry.RecordSystemError(signal.Component, string(signal.Kind))

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), alertTimeout)
	defer cancel()

	if err := o.alerter.Alert(ctx, signal); err != nil {
		logctx.LoggerFromContext(ctx).ErrorContext(ctx, "failed to send health alert", "err", err)
	}
}

// finalize reports usage and records the terminal status of a job.
func (o *Orchestrator) finalize(ctx context.Context, j *job.Job, start time.Time, ran bool) {
	logger := logctx.LoggerFromContext(ctx)
	st := j.Status()

	o.finished.Set(j.ID, st, ttlcache.DefaultTTL)

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.ReportTimeout)
	defer cancel()

	if o.usage != nil {
		if err := o.usage.Report(ctx, j); err != nil {
			logger.ErrorContext(ctx, "failed to report usage", "err", err)
			o.telemetry.RecordSystemError("usage", "report_failed")
		}
	}

	o.save(ctx, j, st)
	o.telemetry.RecordJob(string(st.State), time.Since(start), ran)

	logger.InfoContext(ctx, "job finished",
		"state", st.State,
		"last_error", st.LastError,
		"duration", time.Since(start).String(),
	)
}

func (o *Orchestrator) save(ctx context.Context, j *job.Job, st job.Status) {
	if o.history == nil {
		return
	}

	if err := o.history.SaveJob(ctx, recordFromStatus(j, st)); err != nil {
		logctx.LoggerFromContext(ctx).WarnContext(ctx, "failed to save job history", "err", err)
	}
}

type workerLostError struct {
	err error
}

func (e *workerLostError) Error() string {
	return "worker lost: " + e.err.Error()
}

func (e *workerLostError) Unwrap() error {
	return e.err
}

func (e *workerLostError) FailureKind() job.FailureKind {
	return job.FailureWorkerLost
}

func recordFromStatus(j *job.Job, st job.Status) storage.JobRecord {
	return storage.JobRecord{
		JobID:            j.ID,
		UserID:           j.UserID(),
		SourceURL:        j.Request.SourceURL,
		Quality:          string(j.Request.DesiredQuality),
		State:            string(st.State),
		LastError:        string(st.LastError),
		BytesTransferred: st.BytesTransferred,
		TotalBytes:       st.TotalBytes,
		Seq:              st.Seq,
		CreatedAt:        j.CreatedAt,
		UpdatedAt:        st.UpdatedAt,
	}
}

func statusFromRecord(rec storage.JobRecord) job.Status {
	return job.Status{
		JobID:            rec.JobID,
		UserID:           rec.UserID,
		State:            job.State(rec.State),
		BytesTransferred: rec.BytesTransferred,
		TotalBytes:       rec.TotalBytes,
		LastError:        job.FailureKind(rec.LastError),
		UpdatedAt:        rec.UpdatedAt,
		Seq:              rec.Seq,
	}
}
