// Package worker provides a NATS worker that generates avatar videos on request.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/book-expert/avatar-service/internal/core"
	"github.com/book-expert/avatar-service/internal/pipeline"
	"github.com/book-expert/events"
	"github.com/book-expert/logger"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

const (
	queueGroup         = "avatar-service"
	drainCheckInterval = 10 * time.Millisecond
)

const (
	logFmtListening      = "Listening for generate requests on %s (up to %d concurrent jobs)"
	logFmtParseFailed    = "Failed to parse generate request: %v"
	logFmtGenerateFail   = "Failed to generate video for workflow %s: %v"
	logFmtGenerated      = "Generated video for workflow %s: %s"
	logFmtReplyFailed    = "Failed to publish reply event for workflow %s: %v"
	logFmtNoReplySubject = "Generate request for workflow %s has no reply subject"
)

// GenerateRequestedEvent asks for one avatar video.
type GenerateRequestedEvent struct {
	Header  events.EventHeader `json:"header"`
	Text    string             `json:"text"`
	VoiceID string             `json:"voice_id"`
	Name    string             `json:"name"`
}

// VideoGeneratedEvent is the reply to a GenerateRequestedEvent. Error is set
// instead of VideoURL when generation failed.
type VideoGeneratedEvent struct {
	Header   events.EventHeader `json:"header"`
	VideoURL string             `json:"video_url,omitempty"`
	Error    string             `json:"error,omitempty"`
}

// Generator produces a video for a request.
type Generator interface {
	Generate(ctx context.Context, req pipeline.GenerateRequest) (core.LipSyncResult, error)
}

// NatsWorker listens for generate requests on a NATS subject and replies
// with the resulting video URL.
type NatsWorker struct {
	natsConnection *nats.Conn
	subject        string
	generator      Generator
	handleTimeout  time.Duration
	maxConcurrent  int
	log            *logger.Logger
}

// NewNatsWorker creates a new instance of a NATS worker. At most
// maxConcurrent requests are generated at once; values below one mean one.
func NewNatsWorker(
	natsConnection *nats.Conn,
	subject string,
	generator Generator,
	handleTimeout time.Duration,
	maxConcurrent int,
	log *logger.Logger,
) *NatsWorker {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}

	return &NatsWorker{
		natsConnection: natsConnection,
		subject:        subject,
		generator:      generator,
		handleTimeout:  handleTimeout,
		maxConcurrent:  maxConcurrent,
		log:            log,
	}
}

// Run starts the worker and blocks until ctx is done, then drains the
// subscription and waits for in-flight requests to finish.
//
// NATS delivers a subscription's messages on one goroutine, so each request
// is handled on its own goroutine. Once every slot is taken the callback
// blocks and further messages wait in the subscription's pending buffer.
func (w *NatsWorker) Run(ctx context.Context) error {
	var (
		inFlight sync.WaitGroup
		slots    = make(chan struct{}, w.maxConcurrent)
	)

	sub, err := w.natsConnection.QueueSubscribe(w.subject, queueGroup, func(msg *nats.Msg) {
		inFlight.Add(1)

		slots <- struct{}{}

		go func() {
			defer func() {
				<-slots
				inFlight.Done()
			}()

			w.handleMessage(ctx, msg)
		}()
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to subject %s: %w", w.subject, err)
	}

	w.log.Info(logFmtListening, w.subject, w.maxConcurrent)

	<-ctx.Done()

	drainErr := sub.Drain()
	if drainErr == nil {
		waitDrained(sub)
	}

	inFlight.Wait()

	if drainErr != nil {
		return fmt.Errorf("failed to drain subscription: %w", drainErr)
	}

	return nil
}

// waitDrained blocks until every buffered message has been dispatched.
func waitDrained(sub *nats.Subscription) {
	ticker := time.NewTicker(drainCheckInterval)
	defer ticker.Stop()

	for sub.IsValid() {
		<-ticker.C
	}
}

func (w *NatsWorker) handleMessage(ctx context.Context, msg *nats.Msg) {
	// In-flight work outlives shutdown of the listener; drain waits for it.
	handleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.handleTimeout)
	defer cancel()

	event, err := parseEvent(msg)
	if err != nil {
		w.log.Error(logFmtParseFailed, err)
		w.reply(msg, &VideoGeneratedEvent{Header: newReplyHeader(events.EventHeader{}), Error: err.Error()})

		return
	}

	reply := &VideoGeneratedEvent{Header: newReplyHeader(event.Header)}

	result, genErr := w.generator.Generate(core.WithWorkflowID(handleCtx, reply.Header.WorkflowID), pipeline.GenerateRequest{
		Text:    event.Text,
		VoiceID: event.VoiceID,
		Name:    event.Name,
	})
	if genErr != nil {
		w.log.Error(logFmtGenerateFail, reply.Header.WorkflowID, genErr)

		reply.Error = genErr.Error()
	} else {
		w.log.Info(logFmtGenerated, reply.Header.WorkflowID, result.VideoURL)

		reply.VideoURL = result.VideoURL
	}

	w.reply(msg, reply)
}

func (w *NatsWorker) reply(msg *nats.Msg, replyEvent *VideoGeneratedEvent) {
	if msg.Reply == "" {
		w.log.Warn(logFmtNoReplySubject, replyEvent.Header.WorkflowID)

		return
	}

	replyData, err := json.Marshal(replyEvent)
	if err == nil {
		err = msg.Respond(replyData)
	}

	if err != nil {
		w.log.Error(logFmtReplyFailed, replyEvent.Header.WorkflowID, err)
	}
}

func parseEvent(msg *nats.Msg) (*GenerateRequestedEvent, error) {
	var event GenerateRequestedEvent

	err := json.Unmarshal(msg.Data, &event)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal event: %w", err)
	}

	return &event, nil
}

// newReplyHeader keeps the request's workflow and tenant, with a fresh event ID.
func newReplyHeader(request events.EventHeader) events.EventHeader {
	workflowID := request.WorkflowID
	if workflowID == "" {
		workflowID = uuid.NewString()
	}

	return events.EventHeader{
		Timestamp:  time.Now(),
		WorkflowID: workflowID,
		EventID:    uuid.NewString(),
		UserID:     request.UserID,
		TenantID:   request.TenantID,
	}
}
