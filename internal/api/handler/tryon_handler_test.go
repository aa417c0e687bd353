package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/tryon-be/internal/admission"
	"github.com/cuongbtq/tryon-be/internal/api/dto"
	"github.com/cuongbtq/tryon-be/internal/tryon/domain"
	"github.com/cuongbtq/tryon-be/internal/tryon/storage"
)

type fakeStore struct {
	jobs      map[string]*domain.Job
	createErr error
	created   []*domain.Job
	failed    []string
	listJobs  []domain.Job
	listErr   error
	gotFilter storage.JobFilter
}

func newFakeStore() *fakeStore {
	return &fakeStore{jobs: map[string]*domain.Job{}}
}

func (f *fakeStore) CreateJob(_ context.Context, job *domain.Job) error {
	if f.createErr != nil {
		return f.createErr
	}
	f.created = append(f.created, job)
	f.jobs[job.ID] = job
	return nil
}

func (f *fakeStore) GetJobByID(_ context.Context, jobID string) (*domain.Job, error) {
	job, ok := f.jobs[jobID]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	return job, nil
}

func (f *fakeStore) MarkFailed(_ context.Context, jobID, _ string, _ json.RawMessage) error {
	f.failed = append(f.failed, jobID)
	return nil
}

func (f *fakeStore) ListJobs(_ context.Context, filter storage.JobFilter) ([]domain.Job, error) {
	f.gotFilter = filter
	return f.listJobs, f.listErr
}

type fakePublisher struct {
	err    error
	bodies [][]byte
}

func (f *fakePublisher) PublishWithRetry(_ context.Context, body []byte, _ string) error {
	if f.err != nil {
		return f.err
	}
	f.bodies = append(f.bodies, body)
	return nil
}

type fakeGate struct {
	result   admission.Result
	allowErr error
	allows   []string
	releases []string
}

func (f *fakeGate) Allow(_ context.Context, userID, feature string) (admission.Result, error) {
	f.allows = append(f.allows, userID+"/"+feature)
	if f.allowErr != nil {
		return admission.Result{}, f.allowErr
	}
	return f.result, nil
}

func (f *fakeGate) Release(_ context.Context, userID, feature string) error {
	f.releases = append(f.releases, userID+"/"+feature)
	return nil
}

func newTestRouter(store JobStore, pub Publisher, gate AdmissionGate) *gin.Engine {
	gin.SetMode(gin.TestMode)

	h := NewTryOnHandler(&Dependencies{
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		Store:      store,
		Publisher:  pub,
		Gate:       gate,
		MaxRetries: 2,
	})

	r := gin.New()
	r.POST("/api/v1/tryon", h.SubmitTryOn)
	r.GET("/api/v1/tryon", h.ListTryOnJobs)
	r.GET("/api/v1/tryon/:job_id", h.GetTryOnJob)
	return r
}

func submitBody(t *testing.T, overrides map[string]interface{}) []byte {
	t.Helper()
	body := map[string]interface{}{
		"user_id":           "user-1",
		"subject_image_ref": "uploads/subject.png",
		"garment_image_ref": "uploads/garment.png",
		"preset":            "studio",
	}
	for k, v := range overrides {
		if v == nil {
			delete(body, k)
			continue
		}
		body[k] = v
	}
	b, err := json.Marshal(body)
	require.NoError(t, err)
	return b
}

func TestSubmitTryOnAcceptsAndEnqueues(t *testing.T) {
	store := newFakeStore()
	pub := &fakePublisher{}
	gate := &fakeGate{result: admission.Result{Allowed: true}}
	r := newTestRouter(store, pub, gate)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/tryon", bytes.NewReader(submitBody(t, nil)))
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusAccepted, w.Code)

	var resp dto.SubmitTryOnResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, domain.JobStatusPending, resp.Status)
	assert.NotEmpty(t, resp.JobID)

	require.Len(t, store.created, 1)
	job := store.created[0]
	assert.Equal(t, "user-1", job.UserID)
	assert.Equal(t, 2, job.MaxRetries)

	var inputs domain.JobInputs
	require.NoError(t, json.Unmarshal(job.Inputs, &inputs))
	assert.Equal(t, domain.EditTypeTryOn, inputs.EditType, "edit_type defaults to try-on")

	var settings domain.JobSettings
	require.NoError(t, json.Unmarshal(job.Settings, &settings))
	assert.True(t, settings.IdentitySafe, "identity preservation is on by default")

	require.Len(t, pub.bodies, 1)
	var msg domain.JobMessage
	require.NoError(t, json.Unmarshal(pub.bodies[0], &msg))
	assert.Equal(t, job.ID, msg.JobID, "the queue payload carries only the job id")

	assert.Equal(t, []string{"user-1/tryon"}, gate.allows)
	assert.Empty(t, gate.releases)
}

func TestSubmitTryOnValidation(t *testing.T) {
	tests := []struct {
		name      string
		overrides map[string]interface{}
	}{
		{"missing user_id", map[string]interface{}{"user_id": nil}},
		{"missing subject image", map[string]interface{}{"subject_image_ref": nil}},
		{"missing garment image", map[string]interface{}{"garment_image_ref": nil}},
		{"unknown edit type", map[string]interface{}{"edit_type": "face-swap"}},
		{"background edit without background image", map[string]interface{}{"edit_type": "background"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newFakeStore()
			gate := &fakeGate{result: admission.Result{Allowed: true}}
			r := newTestRouter(store, &fakePublisher{}, gate)

			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/api/v1/tryon", bytes.NewReader(submitBody(t, tt.overrides)))
			r.ServeHTTP(w, req)

			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Empty(t, store.created, "rejected submissions must not create job rows")
		})
	}
}

func TestSubmitTryOnDeniedByAdmission(t *testing.T) {
	store := newFakeStore()
	pub := &fakePublisher{}
	gate := &fakeGate{result: admission.Result{Allowed: false, RetryAfter: 42 * time.Second}}
	r := newTestRouter(store, pub, gate)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/tryon", bytes.NewReader(submitBody(t, nil)))
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "42", w.Header().Get("Retry-After"))
	assert.Empty(t, store.created, "a denied request must leave no job row")
	assert.Empty(t, pub.bodies)
}

func TestSubmitTryOnPublishFailureFailsJobAndReleasesGate(t *testing.T) {
	store := newFakeStore()
	pub := &fakePublisher{err: errors.New("broker down")}
	gate := &fakeGate{result: admission.Result{Allowed: true}}
	r := newTestRouter(store, pub, gate)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/tryon", bytes.NewReader(submitBody(t, nil)))
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	require.Len(t, store.created, 1)
	assert.Equal(t, []string{store.created[0].ID}, store.failed, "an unpublishable job must be failed, not left pending forever")
	assert.Equal(t, []string{"user-1/tryon"}, gate.releases)
}

func TestSubmitTryOnCreateFailureReleasesGate(t *testing.T) {
	store := newFakeStore()
	store.createErr = errors.New("db down")
	gate := &fakeGate{result: admission.Result{Allowed: true}}
	r := newTestRouter(store, &fakePublisher{}, gate)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/tryon", bytes.NewReader(submitBody(t, nil)))
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, []string{"user-1/tryon"}, gate.releases)
}

const pollJobID = "b3c9e1f0-0000-4000-8000-000000000007"

func storedJob(status string) *domain.Job {
	outputRef := "/files/generated/tryon/" + pollJobID + "/result.png"
	job := &domain.Job{
		ID:         pollJobID,
		UserID:     "user-1",
		Status:     status,
		Settings:   json.RawMessage(`{"preset":"studio","identity_safe":true}`),
		RetryCount: 1,
		MaxRetries: 2,
		CreatedAt:  time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC),
		UpdatedAt:  time.Date(2025, 3, 1, 10, 5, 0, 0, time.UTC),
	}
	if status == domain.JobStatusCompleted {
		job.OutputRef = &outputRef
		done := time.Date(2025, 3, 1, 10, 5, 0, 0, time.UTC)
		job.CompletedAt = &done
	}
	if status == domain.JobStatusFailed {
		job.ErrorMessage = "face similarity 60 is below the minimum of 70"
	}
	return job
}

func TestGetTryOnJobCompleted(t *testing.T) {
	store := newFakeStore()
	store.jobs[pollJobID] = storedJob(domain.JobStatusCompleted)
	r := newTestRouter(store, &fakePublisher{}, &fakeGate{})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/tryon/"+pollJobID, nil)
	req.Header.Set("X-User-ID", "user-1")
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp dto.TryOnJobDTO
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, domain.JobStatusCompleted, resp.Status)
	assert.NotEmpty(t, resp.OutputRef)
	assert.NotEmpty(t, resp.CompletedAt)

	// The settings snapshot captured at submission rides along on every poll.
	var settings domain.JobSettings
	require.NoError(t, json.Unmarshal(resp.Settings, &settings))
	assert.Equal(t, "studio", settings.Preset)
	assert.True(t, settings.IdentitySafe)
}

func TestGetTryOnJobFailedExposesReason(t *testing.T) {
	store := newFakeStore()
	store.jobs[pollJobID] = storedJob(domain.JobStatusFailed)
	r := newTestRouter(store, &fakePublisher{}, &fakeGate{})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/tryon/"+pollJobID, nil)
	req.Header.Set("X-User-ID", "user-1")
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp dto.TryOnJobDTO
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, domain.JobStatusFailed, resp.Status)
	assert.Empty(t, resp.OutputRef, "failed jobs never expose an image")
	assert.Contains(t, resp.ErrorMessage, "face similarity")
}

func TestGetTryOnJobAccessControl(t *testing.T) {
	tests := []struct {
		name     string
		jobID    string
		userID   string
		wantCode int
	}{
		{"malformed job id", "not-a-uuid", "user-1", http.StatusBadRequest},
		{"missing user header", pollJobID, "", http.StatusBadRequest},
		{"unknown job", "7a000000-0000-4000-8000-000000000000", "user-1", http.StatusNotFound},
		{"job owned by someone else", pollJobID, "user-2", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newFakeStore()
			store.jobs[pollJobID] = storedJob(domain.JobStatusCompleted)
			r := newTestRouter(store, &fakePublisher{}, &fakeGate{})

			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/api/v1/tryon/"+tt.jobID, nil)
			if tt.userID != "" {
				req.Header.Set("X-User-ID", tt.userID)
			}
			r.ServeHTTP(w, req)

			assert.Equal(t, tt.wantCode, w.Code)
		})
	}
}

func TestListTryOnJobsPagination(t *testing.T) {
	store := newFakeStore()
	base := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	// Three rows back for page size two means another page exists.
	for i := 0; i < 3; i++ {
		store.listJobs = append(store.listJobs, domain.Job{
			ID:        uuidAt(i),
			UserID:    "user-1",
			Status:    domain.JobStatusCompleted,
			CreatedAt: base.Add(-time.Duration(i) * time.Minute),
			UpdatedAt: base,
		})
	}
	r := newTestRouter(store, &fakePublisher{}, &fakeGate{})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/tryon?page_size=2", nil)
	req.Header.Set("X-User-ID", "user-1")
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp dto.ListTryOnJobsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.Jobs, 2)
	require.NotEmpty(t, resp.NextCursor)

	cursor, err := DecodeJobCursor(resp.NextCursor)
	require.NoError(t, err)
	assert.Equal(t, uuidAt(1), cursor.JobID, "cursor points at the last returned row")

	assert.Equal(t, "user-1", store.gotFilter.UserID, "listing is always scoped to the caller")
	assert.Equal(t, 2, store.gotFilter.PageSize)
}

func TestListTryOnJobsRejectsBadCursor(t *testing.T) {
	r := newTestRouter(newFakeStore(), &fakePublisher{}, &fakeGate{})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/tryon?cursor=%21%21not-base64", nil)
	req.Header.Set("X-User-ID", "user-1")
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestJobCursorRoundTrip(t *testing.T) {
	original := &storage.JobCursor{
		CreatedAt: time.Date(2025, 3, 1, 10, 0, 0, 123456789, time.UTC),
		JobID:     pollJobID,
	}

	encoded, err := EncodeJobCursor(original)
	require.NoError(t, err)

	decoded, err := DecodeJobCursor(encoded)
	require.NoError(t, err)
	assert.Equal(t, original.JobID, decoded.JobID)
	assert.True(t, original.CreatedAt.Equal(decoded.CreatedAt))
}

func uuidAt(i int) string {
	return "00000000-0000-4000-8000-00000000000" + string(rune('a'+i))
}
