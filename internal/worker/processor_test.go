package worker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/tryon-be/internal/pipeline"
	"github.com/cuongbtq/tryon-be/internal/tryon/domain"
)

// fakeStorage backs claim tests with an in-memory job table guarded the same
// way the real conditional UPDATE guards the row: first claimer wins.
type fakeStorage struct {
	mu         sync.Mutex
	jobs       map[string]*domain.Job
	claimErr   error
	heartbeats int
}

func (f *fakeStorage) ClaimJob(_ context.Context, jobID, workerID string) (*domain.Job, error) {
	if f.claimErr != nil {
		return nil, f.claimErr
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	job, ok := f.jobs[jobID]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	if job.Status != domain.JobStatusPending {
		return nil, domain.ErrJobAlreadyClaimed
	}
	job.Status = domain.JobStatusProcessing
	job.WorkerID = &workerID

	claimed := *job
	return &claimed, nil
}

func (f *fakeStorage) UpdateHeartbeat(_ context.Context, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeats++
	return nil
}

type fakePipeline struct {
	mu      sync.Mutex
	runs    int
	outcome pipeline.Outcome
	err     error
	delay   time.Duration
}

func (f *fakePipeline) Run(ctx context.Context, _ *domain.Job) (pipeline.Outcome, error) {
	f.mu.Lock()
	f.runs++
	f.mu.Unlock()

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return pipeline.OutcomeFailed, ctx.Err()
		}
	}
	return f.outcome, f.err
}

func (f *fakePipeline) runCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.runs
}

type fakeGate struct {
	mu       sync.Mutex
	releases []string
}

func (f *fakeGate) Release(_ context.Context, userID, feature string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.releases = append(f.releases, userID+"/"+feature)
	return nil
}

func (f *fakeGate) released() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.releases...)
}

func pendingJob(id string) *domain.Job {
	inputs, _ := json.Marshal(domain.JobInputs{
		SubjectImageRef: "uploads/subject.png",
		GarmentImageRef: "uploads/garment.png",
		EditType:        domain.EditTypeTryOn,
	})
	return &domain.Job{
		ID:         id,
		UserID:     "user-1",
		Inputs:     inputs,
		Status:     domain.JobStatusPending,
		MaxRetries: 3,
	}
}

func newTestWorker(storage JobStorage, pl PipelineRunner, gate AdmissionGate) *Worker {
	return NewWorker(&Config{
		Logger:            slog.New(slog.NewTextHandler(io.Discard, nil)),
		Storage:           storage,
		Pipeline:          pl,
		Gate:              gate,
		WorkerID:          "worker-test",
		Concurrency:       2,
		JobTimeout:        time.Second,
		HeartbeatInterval: 5 * time.Millisecond,
	})
}

const testJobID = "3d1a7b62-0000-4000-8000-000000000042"

func TestProcessJobCompletedReleasesAdmission(t *testing.T) {
	storage := &fakeStorage{jobs: map[string]*domain.Job{testJobID: pendingJob(testJobID)}}
	gate := &fakeGate{}
	w := newTestWorker(storage, &fakePipeline{outcome: pipeline.OutcomeCompleted}, gate)

	err := w.processJob(context.Background(), &domain.JobMessage{JobID: testJobID})

	require.NoError(t, err, "a settled job must be ACKed")
	assert.Equal(t, []string{"user-1/tryon"}, gate.released())
}

func TestProcessJobFailedOutcomeStillReleasesAdmission(t *testing.T) {
	storage := &fakeStorage{jobs: map[string]*domain.Job{testJobID: pendingJob(testJobID)}}
	gate := &fakeGate{}
	w := newTestWorker(storage, &fakePipeline{outcome: pipeline.OutcomeFailed}, gate)

	err := w.processJob(context.Background(), &domain.JobMessage{JobID: testJobID})

	require.NoError(t, err, "failed is a terminal state, the message is done")
	assert.Equal(t, []string{"user-1/tryon"}, gate.released())
}

func TestProcessJobAlreadyClaimedIsNotRequeued(t *testing.T) {
	job := pendingJob(testJobID)
	job.Status = domain.JobStatusProcessing
	storage := &fakeStorage{jobs: map[string]*domain.Job{testJobID: job}}
	pl := &fakePipeline{outcome: pipeline.OutcomeCompleted}
	gate := &fakeGate{}
	w := newTestWorker(storage, pl, gate)

	err := w.processJob(context.Background(), &domain.JobMessage{JobID: testJobID})

	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrJobAlreadyClaimed)
	assert.False(t, shouldRequeueJob(err))
	assert.Zero(t, pl.runCount(), "losing the claim race must not run the pipeline")
	assert.Empty(t, gate.released(), "the winning worker owns the lock release")
}

func TestProcessJobMissingRowIsDropped(t *testing.T) {
	storage := &fakeStorage{jobs: map[string]*domain.Job{}}
	w := newTestWorker(storage, &fakePipeline{}, &fakeGate{})

	err := w.processJob(context.Background(), &domain.JobMessage{JobID: testJobID})

	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
	assert.False(t, shouldRequeueJob(err))
}

func TestProcessJobClaimInfrastructureErrorIsRequeued(t *testing.T) {
	storage := &fakeStorage{claimErr: errors.New("connection refused")}
	w := newTestWorker(storage, &fakePipeline{}, &fakeGate{})

	err := w.processJob(context.Background(), &domain.JobMessage{JobID: testJobID})

	require.Error(t, err)
	assert.True(t, shouldRequeueJob(err), "a flaky claim query deserves redelivery")
}

func TestProcessJobRateLimitedKeepsAdmissionLock(t *testing.T) {
	storage := &fakeStorage{jobs: map[string]*domain.Job{testJobID: pendingJob(testJobID)}}
	gate := &fakeGate{}
	pl := &fakePipeline{outcome: pipeline.OutcomeRateLimited, err: domain.ErrProviderRateLimited}
	w := newTestWorker(storage, pl, gate)

	err := w.processJob(context.Background(), &domain.JobMessage{JobID: testJobID})

	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrProviderRateLimited)
	assert.True(t, shouldRequeueJob(err))
	assert.Empty(t, gate.released(), "the job is still in flight, the lock must hold")
}

func TestProcessJobStatusWriteFailureIsRequeued(t *testing.T) {
	storage := &fakeStorage{jobs: map[string]*domain.Job{testJobID: pendingJob(testJobID)}}
	gate := &fakeGate{}
	pl := &fakePipeline{
		outcome: pipeline.OutcomeFailed,
		err:     domain.NewRetryableError(errors.New("mark failed: db gone")),
	}
	w := newTestWorker(storage, pl, gate)

	err := w.processJob(context.Background(), &domain.JobMessage{JobID: testJobID})

	require.Error(t, err)
	assert.True(t, shouldRequeueJob(err))
	assert.Empty(t, gate.released())
}

func TestProcessJobConcurrentClaimHasOneWinner(t *testing.T) {
	storage := &fakeStorage{jobs: map[string]*domain.Job{testJobID: pendingJob(testJobID)}}
	gate := &fakeGate{}
	pl := &fakePipeline{outcome: pipeline.OutcomeCompleted, delay: 10 * time.Millisecond}
	w := newTestWorker(storage, pl, gate)

	const racers = 8
	results := make(chan error, racers)
	var start sync.WaitGroup
	start.Add(1)
	for i := 0; i < racers; i++ {
		go func() {
			start.Wait()
			results <- w.processJob(context.Background(), &domain.JobMessage{JobID: testJobID})
		}()
	}
	start.Done()

	var wins, losses int
	for i := 0; i < racers; i++ {
		err := <-results
		if err == nil {
			wins++
		} else {
			assert.ErrorIs(t, err, domain.ErrJobAlreadyClaimed)
			losses++
		}
	}

	assert.Equal(t, 1, wins, "exactly one delivery may process the job")
	assert.Equal(t, racers-1, losses)
	assert.Equal(t, 1, pl.runCount())
	assert.Len(t, gate.released(), 1)
}

func TestProcessJobSendsHeartbeats(t *testing.T) {
	storage := &fakeStorage{jobs: map[string]*domain.Job{testJobID: pendingJob(testJobID)}}
	pl := &fakePipeline{outcome: pipeline.OutcomeCompleted, delay: 40 * time.Millisecond}
	w := newTestWorker(storage, pl, &fakeGate{})

	err := w.processJob(context.Background(), &domain.JobMessage{JobID: testJobID})

	require.NoError(t, err)
	storage.mu.Lock()
	beats := storage.heartbeats
	storage.mu.Unlock()
	assert.Greater(t, beats, 0, "a running job must report liveness")
}

func TestShouldRequeueJob(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"already claimed", domain.ErrJobAlreadyClaimed, false},
		{"job not found", domain.ErrJobNotFound, false},
		{"provider rate limited", domain.ErrProviderRateLimited, true},
		{"wrapped rate limit", errors.Join(errors.New("generate"), domain.ErrProviderRateLimited), true},
		{"retryable infrastructure error", domain.NewRetryableError(errors.New("db gone")), true},
		{"unknown error", errors.New("something odd"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, shouldRequeueJob(tt.err))
		})
	}
}
