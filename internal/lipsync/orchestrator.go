package lipsync

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/book-expert/avatar-service/internal/config"
	"github.com/book-expert/avatar-service/internal/core"
	"github.com/book-expert/events"
	"github.com/book-expert/logger"
	"github.com/google/uuid"
)

const (
	logFmtJobStarted     = "Lip-sync job %s started"
	logFmtJobSynchronous = "Lip-sync job %s completed synchronously"
	logFmtJobCompleted   = "Lip-sync job %s completed after %d polls"
	logFmtJobFailed      = "Lip-sync job %s failed after %d polls: %v"
	logFmtPollStatus     = "Lip-sync job %s poll %d: status %q"
	logFmtPollRetry      = "Lip-sync job %s status check failed (retry %d of %d): %v"
	logFmtPublishFailed  = "Failed to publish %s event for lip-sync job %s: %v"
)

// Options bound the polling loop.
type Options struct {
	PollInterval    time.Duration
	MaxPollInterval time.Duration
	// PollTimeout bounds the whole polling phase. Configuration always sets
	// one; a zero value leaves polling bounded only by the caller's context.
	PollTimeout time.Duration
	// MaxPollRetries is the number of consecutive transient status-check
	// failures tolerated. Negative disables retries.
	MaxPollRetries int
}

// OptionsFromConfig reads the polling bounds from configuration.
func OptionsFromConfig(cfg config.LipSyncConfig) Options {
	return Options{
		PollInterval:    cfg.PollInterval(),
		MaxPollInterval: cfg.MaxPollInterval(),
		PollTimeout:     cfg.PollTimeout(),
		MaxPollRetries:  cfg.MaxPollRetries,
	}
}

// Orchestrator runs a lip-sync job from submission to a resolved video URL.
// It is safe for concurrent use; every call owns its own job.
type Orchestrator struct {
	client    *Client
	opts      Options
	publisher core.JobEventPublisher
	log       *logger.Logger
}

// NewOrchestrator creates an orchestrator. publisher may be nil.
func NewOrchestrator(client *Client, opts Options, publisher core.JobEventPublisher, log *logger.Logger) *Orchestrator {
	return &Orchestrator{client: client, opts: opts, publisher: publisher, log: log}
}

// SubmitAndResolve submits the pair and returns the output video URL. A
// synchronous answer resolves immediately; otherwise the status location is
// polled until the job completes, fails, or the poll timeout elapses.
func (o *Orchestrator) SubmitAndResolve(ctx context.Context, face, audio core.Upload) (core.LipSyncResult, error) {
	jobID := uuid.NewString()

	workflowID, ok := core.WorkflowID(ctx)
	if !ok {
		workflowID = jobID
	}

	o.log.Info(logFmtJobStarted, jobID)

	sub, err := o.client.submit(ctx, face, audio)
	if err != nil {
		o.finish(ctx, workflowID, jobID, core.LipSyncResult{}, err)

		return core.LipSyncResult{}, err
	}

	if sub.location == nil {
		result, syncErr := o.resolveSynchronous(jobID, sub.body)
		o.finish(ctx, workflowID, jobID, result, syncErr)

		if syncErr != nil {
			return core.LipSyncResult{}, syncErr
		}

		return result, nil
	}

	o.publish(ctx, core.JobEvent{
		Header: newHeader(workflowID),
		JobID:  jobID,
		Stage:  core.JobSubmitted,
		Mode:   core.ModePolling,
	})

	result, err := o.poll(ctx, jobID, sub.location)
	o.finish(ctx, workflowID, jobID, result, err)

	if err != nil {
		return core.LipSyncResult{}, err
	}

	return result, nil
}

func (o *Orchestrator) resolveSynchronous(jobID string, body []byte) (core.LipSyncResult, error) {
	videoURL, err := parseSynchronousOutput(body)
	if err != nil {
		return core.LipSyncResult{Mode: core.ModeSynchronous}, err
	}

	o.log.Info(logFmtJobSynchronous, jobID)

	return core.LipSyncResult{VideoURL: videoURL, Mode: core.ModeSynchronous, Polls: 0}, nil
}

func (o *Orchestrator) poll(ctx context.Context, jobID string, location *url.URL) (core.LipSyncResult, error) {
	var (
		pollCtx context.Context
		cancel  context.CancelFunc
	)

	if o.opts.PollTimeout > 0 {
		pollCtx, cancel = context.WithTimeoutCause(ctx, o.opts.PollTimeout, core.ErrPollingTimeout)
	} else {
		pollCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	wait := newBackoff(o.opts.PollInterval, o.opts.MaxPollInterval)
	result := core.LipSyncResult{Mode: core.ModePolling}
	failures := 0

	for {
		report, err := o.client.checkStatus(pollCtx, location)
		result.Polls++

		if err != nil {
			ctxErr := stopReason(ctx, pollCtx, result.Polls)
			if ctxErr != nil {
				return result, ctxErr
			}

			if !isTransient(err) || failures >= o.opts.MaxPollRetries {
				return result, err
			}

			failures++
			o.log.Warn(logFmtPollRetry, jobID, failures, o.opts.MaxPollRetries, err)
		} else {
			failures = 0

			o.log.Info(logFmtPollStatus, jobID, result.Polls, report.status)

			switch report.status {
			case statusCompleted:
				result.VideoURL = report.videoURL

				return result, nil
			case statusFailed:
				return result, &core.JobFailedError{Details: report.details}
			}
		}

		sleepErr := sleep(pollCtx, wait.next())
		if sleepErr != nil {
			return result, stopReason(ctx, pollCtx, result.Polls)
		}
	}
}

// stopReason reports why polling must stop: the caller's context error when
// the caller gave up, or ErrPollingTimeout when the poll bound elapsed.
func stopReason(parent, pollCtx context.Context, polls int) error {
	parentErr := parent.Err()
	if parentErr != nil {
		return parentErr
	}

	if pollCtx.Err() == nil {
		return nil
	}

	cause := context.Cause(pollCtx)
	if errors.Is(cause, core.ErrPollingTimeout) {
		return fmt.Errorf("%w after %d polls", core.ErrPollingTimeout, polls)
	}

	return cause
}

func (o *Orchestrator) finish(ctx context.Context, workflowID, jobID string, result core.LipSyncResult, err error) {
	event := core.JobEvent{
		Header:   newHeader(workflowID),
		JobID:    jobID,
		Stage:    core.JobCompleted,
		Mode:     result.Mode,
		Polls:    result.Polls,
		VideoURL: result.VideoURL,
	}

	if err != nil {
		o.log.Error(logFmtJobFailed, jobID, result.Polls, err)

		event.Stage = core.JobFailed
		event.VideoURL = ""
		event.Error = err.Error()
	} else if result.Mode == core.ModePolling {
		o.log.Info(logFmtJobCompleted, jobID, result.Polls)
	}

	// The caller's context may already be cancelled; the event still goes out.
	o.publish(context.WithoutCancel(ctx), event)
}

func (o *Orchestrator) publish(ctx context.Context, event core.JobEvent) {
	if o.publisher == nil {
		return
	}

	err := o.publisher.Publish(ctx, event)
	if err != nil {
		o.log.Warn(logFmtPublishFailed, event.Stage, event.JobID, err)
	}
}

func newHeader(workflowID string) events.EventHeader {
	return events.EventHeader{
		Timestamp:  time.Now(),
		WorkflowID: workflowID,
		EventID:    uuid.NewString(),
		UserID:     "",
		TenantID:   "",
	}
}
