package lipsync_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/book-expert/avatar-service/internal/config"
	"github.com/book-expert/avatar-service/internal/core"
	"github.com/book-expert/avatar-service/internal/lipsync"
	"github.com/book-expert/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testAPIKey    = "lipsync-test-key"
	testVideoURL  = "https://cdn.example.com/out.mp4"
	expectedAuth  = "Bearer " + testAPIKey
	jobStatusPath = "/jobs/42"
)

var fastOptions = lipsync.Options{
	PollInterval:    time.Millisecond,
	MaxPollInterval: 4 * time.Millisecond,
	PollTimeout:     5 * time.Second,
	MaxPollRetries:  2,
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []core.JobEvent
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, event core.JobEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.events = append(p.events, event)

	return p.err
}

func (p *recordingPublisher) stages() []core.JobStage {
	p.mu.Lock()
	defer p.mu.Unlock()

	stages := make([]core.JobStage, 0, len(p.events))
	for _, event := range p.events {
		stages = append(stages, event.Stage)
	}

	return stages
}

// fakeProvider answers the submission with submit and every status check
// with the next entry of statuses (the last one repeats).
type fakeProvider struct {
	t        *testing.T
	submit   func(w http.ResponseWriter, r *http.Request)
	statuses []func(w http.ResponseWriter)
	polls    atomic.Int32
	submits  atomic.Int32
	onPoll   func(n int32)
}

func (f *fakeProvider) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	assert.Equal(f.t, expectedAuth, r.Header.Get("Authorization"))

	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/jobs":
		f.submits.Add(1)
		f.submit(w, r)
	case r.Method == http.MethodGet && r.URL.Path == jobStatusPath:
		n := f.polls.Add(1)
		if f.onPoll != nil {
			f.onPoll(n)
		}

		index := int(n) - 1
		if index >= len(f.statuses) {
			index = len(f.statuses) - 1
		}

		f.statuses[index](w)
	default:
		f.t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		w.WriteHeader(http.StatusNotFound)
	}
}

func acceptWithLocation(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Location", jobStatusPath)
	w.WriteHeader(http.StatusAccepted)
	_, _ = io.WriteString(w, `{"id":"42"}`)
}

func jsonStatus(code int, body string) func(w http.ResponseWriter) {
	return func(w http.ResponseWriter) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_, _ = io.WriteString(w, body)
	}
}

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()

	log, err := logger.New(t.TempDir(), "lipsync-test.log")
	require.NoError(t, err)

	t.Cleanup(func() { _ = log.Close() })

	return log
}

func newOrchestrator(
	t *testing.T,
	baseURL, apiKey string,
	opts lipsync.Options,
	publisher core.JobEventPublisher,
) *lipsync.Orchestrator {
	t.Helper()

	log := newTestLogger(t)

	client, err := lipsync.NewClient(config.LipSyncConfig{
		BaseURL:               baseURL,
		SubmitPath:            "/jobs",
		APIKey:                apiKey,
		RequestTimeoutSeconds: 5,
	}, log)
	require.NoError(t, err)

	return lipsync.NewOrchestrator(client, opts, publisher, log)
}

func upload(name, content string) core.Upload {
	return core.Upload{
		Name: name,
		Open: func() (io.ReadCloser, error) {
			return io.NopCloser(strings.NewReader(content)), nil
		},
	}
}

func runJob(t *testing.T, ctx context.Context, orchestrator *lipsync.Orchestrator) (core.LipSyncResult, error) {
	t.Helper()

	return orchestrator.SubmitAndResolve(ctx, upload("patrick.mp4", "face-bytes"), upload("speech.mp3", "audio-bytes"))
}

func TestSubmitAndResolve_SynchronousObjectOutput(t *testing.T) {
	t.Parallel()

	provider := &fakeProvider{t: t, submit: func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseMultipartForm(1<<20))

		for field, want := range map[string]string{"video": "face-bytes", "audio": "audio-bytes"} {
			file, _, err := r.FormFile(field)
			if !assert.NoError(t, err, field) {
				continue
			}

			data, _ := io.ReadAll(file)
			_ = file.Close()
			assert.Equal(t, want, string(data))
		}

		_, _ = io.WriteString(w, `{"output":{"output_video":"`+testVideoURL+`"}}`)
	}}

	server := httptest.NewServer(provider)
	defer server.Close()

	result, err := runJob(t, context.Background(), newOrchestrator(t, server.URL, testAPIKey, fastOptions, nil))
	require.NoError(t, err)

	assert.Equal(t, testVideoURL, result.VideoURL)
	assert.Equal(t, core.ModeSynchronous, result.Mode)
	assert.Zero(t, result.Polls)
	assert.Zero(t, provider.polls.Load(), "no status check may be issued")
}

func TestSubmitAndResolve_SynchronousStringOutput(t *testing.T) {
	t.Parallel()

	provider := &fakeProvider{t: t, submit: func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"output":"`+testVideoURL+`"}`)
	}}

	server := httptest.NewServer(provider)
	defer server.Close()

	result, err := runJob(t, context.Background(), newOrchestrator(t, server.URL, testAPIKey, fastOptions, nil))
	require.NoError(t, err)
	assert.Equal(t, testVideoURL, result.VideoURL)
}

func TestSubmitAndResolve_PollsUntilCompleted(t *testing.T) {
	t.Parallel()

	provider := &fakeProvider{
		t:      t,
		submit: acceptWithLocation,
		statuses: []func(w http.ResponseWriter){
			jsonStatus(http.StatusOK, `{"status":"processing"}`),
			jsonStatus(http.StatusOK, `{"status":"completed","output":{"output_video":"`+testVideoURL+`"}}`),
		},
	}

	server := httptest.NewServer(provider)
	defer server.Close()

	result, err := runJob(t, context.Background(), newOrchestrator(t, server.URL, testAPIKey, fastOptions, nil))
	require.NoError(t, err)

	assert.Equal(t, testVideoURL, result.VideoURL)
	assert.Equal(t, core.ModePolling, result.Mode)
	assert.Equal(t, 2, result.Polls)
	assert.Equal(t, int32(2), provider.polls.Load())
}

func TestSubmitAndResolve_SubmissionRejected(t *testing.T) {
	t.Parallel()

	provider := &fakeProvider{t: t, submit: func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Location", jobStatusPath)
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = io.WriteString(w, `{"error":"audio too long"}`)
	}}

	server := httptest.NewServer(provider)
	defer server.Close()

	_, err := runJob(t, context.Background(), newOrchestrator(t, server.URL, testAPIKey, fastOptions, nil))
	require.ErrorIs(t, err, core.ErrSubmissionFailed)

	var submitErr *core.SubmissionFailedError
	require.True(t, errors.As(err, &submitErr))
	assert.Equal(t, http.StatusUnprocessableEntity, submitErr.Status)
	assert.Equal(t, `{"error":"audio too long"}`, submitErr.Body)

	assert.Equal(t, int32(1), provider.submits.Load(), "submission is never retried")
	assert.Zero(t, provider.polls.Load())
}

func TestSubmitAndResolve_JobFailed(t *testing.T) {
	t.Parallel()

	provider := &fakeProvider{
		t:        t,
		submit:   acceptWithLocation,
		statuses: []func(w http.ResponseWriter){jsonStatus(http.StatusOK, `{"status":"failed","error":"no face detected"}`)},
	}

	server := httptest.NewServer(provider)
	defer server.Close()

	_, err := runJob(t, context.Background(), newOrchestrator(t, server.URL, testAPIKey, fastOptions, nil))
	require.ErrorIs(t, err, core.ErrLipSyncJobFailed)

	var jobErr *core.JobFailedError
	require.True(t, errors.As(err, &jobErr))
	assert.Equal(t, "no face detected", jobErr.Details)
	assert.Equal(t, int32(1), provider.polls.Load(), "no poll after a failed status")
}

func TestSubmitAndResolve_PollingTimeout(t *testing.T) {
	t.Parallel()

	provider := &fakeProvider{
		t:        t,
		submit:   acceptWithLocation,
		statuses: []func(w http.ResponseWriter){jsonStatus(http.StatusOK, `{"status":"processing"}`)},
	}

	server := httptest.NewServer(provider)
	defer server.Close()

	opts := fastOptions
	opts.PollTimeout = 50 * time.Millisecond

	start := time.Now()

	_, err := runJob(t, context.Background(), newOrchestrator(t, server.URL, testAPIKey, opts, nil))
	require.ErrorIs(t, err, core.ErrPollingTimeout)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Positive(t, provider.polls.Load())
}

func TestSubmitAndResolve_CallerCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	provider := &fakeProvider{
		t:        t,
		submit:   acceptWithLocation,
		statuses: []func(w http.ResponseWriter){jsonStatus(http.StatusOK, `{"status":"processing"}`)},
		onPoll: func(n int32) {
			if n == 2 {
				cancel()
			}
		},
	}

	server := httptest.NewServer(provider)
	defer server.Close()

	_, err := runJob(t, ctx, newOrchestrator(t, server.URL, testAPIKey, fastOptions, nil))
	require.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, core.ErrPollingTimeout)
}

func TestSubmitAndResolve_StatusCheckRetries(t *testing.T) {
	t.Parallel()

	unavailable := jsonStatus(http.StatusServiceUnavailable, `busy`)
	completed := jsonStatus(http.StatusOK, `{"status":"completed","output":{"output_video":"`+testVideoURL+`"}}`)

	testCases := []struct {
		name      string
		retries   int
		statuses  []func(w http.ResponseWriter)
		wantErr   error
		wantPolls int32
	}{
		{
			name:      "transient failure is retried",
			retries:   2,
			statuses:  []func(w http.ResponseWriter){unavailable, completed},
			wantPolls: 2,
		},
		{
			name:      "retries are exhausted",
			retries:   2,
			statuses:  []func(w http.ResponseWriter){unavailable},
			wantErr:   core.ErrStatusCheckFailed,
			wantPolls: 3,
		},
		{
			name:      "negative retries disable retrying",
			retries:   -1,
			statuses:  []func(w http.ResponseWriter){unavailable, completed},
			wantErr:   core.ErrStatusCheckFailed,
			wantPolls: 1,
		},
		{
			name:      "non-transient status is fatal",
			retries:   2,
			statuses:  []func(w http.ResponseWriter){jsonStatus(http.StatusNotFound, `gone`), completed},
			wantErr:   core.ErrStatusCheckFailed,
			wantPolls: 1,
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			provider := &fakeProvider{t: t, submit: acceptWithLocation, statuses: testCase.statuses}

			server := httptest.NewServer(provider)
			defer server.Close()

			opts := fastOptions
			opts.MaxPollRetries = testCase.retries

			result, err := runJob(t, context.Background(), newOrchestrator(t, server.URL, testAPIKey, opts, nil))
			if testCase.wantErr != nil {
				require.ErrorIs(t, err, testCase.wantErr)
			} else {
				require.NoError(t, err)
				assert.Equal(t, testVideoURL, result.VideoURL)
			}

			assert.Equal(t, testCase.wantPolls, provider.polls.Load())
		})
	}
}

func TestSubmitAndResolve_MalformedResponses(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name     string
		submit   func(w http.ResponseWriter, r *http.Request)
		statuses []func(w http.ResponseWriter)
	}{
		{
			name: "synchronous without output",
			submit: func(w http.ResponseWriter, _ *http.Request) {
				_, _ = io.WriteString(w, `{"id":"x"}`)
			},
		},
		{
			name: "synchronous with non-JSON body",
			submit: func(w http.ResponseWriter, _ *http.Request) {
				_, _ = io.WriteString(w, `<html>`)
			},
		},
		{
			name:     "status is not JSON",
			submit:   acceptWithLocation,
			statuses: []func(w http.ResponseWriter){jsonStatus(http.StatusOK, `oops`)},
		},
		{
			name:     "completed without output video",
			submit:   acceptWithLocation,
			statuses: []func(w http.ResponseWriter){jsonStatus(http.StatusOK, `{"status":"completed","output":{}}`)},
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			provider := &fakeProvider{t: t, submit: testCase.submit, statuses: testCase.statuses}

			server := httptest.NewServer(provider)
			defer server.Close()

			_, err := runJob(t, context.Background(), newOrchestrator(t, server.URL, testAPIKey, fastOptions, nil))
			require.ErrorIs(t, err, core.ErrMalformedResponse)
		})
	}
}

func TestSubmitAndResolve_MissingCredential(t *testing.T) {
	t.Parallel()

	var requests atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		requests.Add(1)
	}))
	defer server.Close()

	_, err := runJob(t, context.Background(), newOrchestrator(t, server.URL, "", fastOptions, nil))
	require.ErrorIs(t, err, core.ErrMissingCredential)
	assert.Zero(t, requests.Load())
}

func TestSubmitAndResolve_MissingEndpoint(t *testing.T) {
	t.Parallel()

	publisher := &recordingPublisher{}

	_, err := runJob(t, context.Background(), newOrchestrator(t, "", testAPIKey, fastOptions, publisher))
	require.ErrorIs(t, err, core.ErrEndpointMissing)
	assert.Equal(t, []core.JobStage{core.JobFailed}, publisher.stages())
}

func TestNewClient_RejectsRelativeBaseURL(t *testing.T) {
	t.Parallel()

	testCases := map[string]string{
		"no scheme":   "api.lipsync.example",
		"path only":   "/provider",
		"not http":    "ftp://api.lipsync.example",
		"no host":     "http://",
		"unparseable": "http://[::1",
	}

	for name, baseURL := range testCases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			_, err := lipsync.NewClient(config.LipSyncConfig{BaseURL: baseURL, SubmitPath: "/jobs"}, newTestLogger(t))
			require.ErrorIs(t, err, core.ErrInvalidEndpoint)
		})
	}
}

func TestSubmitAndResolve_PublishesJobEvents(t *testing.T) {
	t.Parallel()

	provider := &fakeProvider{
		t:      t,
		submit: acceptWithLocation,
		statuses: []func(w http.ResponseWriter){
			jsonStatus(http.StatusOK, `{"status":"completed","output":{"output_video":"`+testVideoURL+`"}}`),
		},
	}

	server := httptest.NewServer(provider)
	defer server.Close()

	publisher := &recordingPublisher{}
	ctx := core.WithWorkflowID(context.Background(), "workflow-7")

	_, err := runJob(t, ctx, newOrchestrator(t, server.URL, testAPIKey, fastOptions, publisher))
	require.NoError(t, err)

	require.Equal(t, []core.JobStage{core.JobSubmitted, core.JobCompleted}, publisher.stages())

	completed := publisher.events[1]
	assert.Equal(t, "workflow-7", completed.Header.WorkflowID)
	assert.Equal(t, publisher.events[0].JobID, completed.JobID)
	assert.NotEqual(t, publisher.events[0].Header.EventID, completed.Header.EventID)
	assert.Equal(t, testVideoURL, completed.VideoURL)
	assert.Equal(t, 1, completed.Polls)
}

func TestSubmitAndResolve_PublishFailureIsNotFatal(t *testing.T) {
	t.Parallel()

	provider := &fakeProvider{t: t, submit: func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}}

	server := httptest.NewServer(provider)
	defer server.Close()

	publisher := &recordingPublisher{err: errors.New("broker down")}

	_, err := runJob(t, context.Background(), newOrchestrator(t, server.URL, testAPIKey, fastOptions, publisher))
	require.ErrorIs(t, err, core.ErrSubmissionFailed)

	require.Equal(t, []core.JobStage{core.JobFailed}, publisher.stages())
	assert.NotEmpty(t, publisher.events[0].Error)

	provider2 := &fakeProvider{t: t, submit: func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"output":"`+testVideoURL+`"}`)
	}}

	server2 := httptest.NewServer(provider2)
	defer server2.Close()

	result, err := runJob(t, context.Background(), newOrchestrator(t, server2.URL, testAPIKey, fastOptions, publisher))
	require.NoError(t, err, "a failing publisher must not fail the job")
	assert.Equal(t, testVideoURL, result.VideoURL)
}
