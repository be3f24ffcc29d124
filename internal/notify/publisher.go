// Package notify publishes lip-sync job lifecycle events.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/book-expert/avatar-service/internal/core"
	"github.com/book-expert/logger"
	"github.com/nats-io/nats.go"
)

// ErrSubjectRequired is returned when no subject is configured.
var ErrSubjectRequired = errors.New("job events subject is required")

const logFmtPublished = "Published %s event for job %s on %s"

// NatsPublisher publishes job events as JSON on a NATS subject.
type NatsPublisher struct {
	conn    *nats.Conn
	subject string
	log     *logger.Logger
}

// NewNatsPublisher creates a publisher for subject.
func NewNatsPublisher(conn *nats.Conn, subject string, log *logger.Logger) (*NatsPublisher, error) {
	if subject == "" {
		return nil, ErrSubjectRequired
	}

	return &NatsPublisher{conn: conn, subject: subject, log: log}, nil
}

// Publish marshals event and sends it. Core NATS publishing does not
// block, so ctx is only checked before sending.
func (p *NatsPublisher) Publish(ctx context.Context, event core.JobEvent) error {
	ctxErr := ctx.Err()
	if ctxErr != nil {
		return ctxErr
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal job event: %w", err)
	}

	err = p.conn.Publish(p.subject, data)
	if err != nil {
		return fmt.Errorf("failed to publish job event on %s: %w", p.subject, err)
	}

	p.log.Info(logFmtPublished, event.Stage, event.JobID, p.subject)

	return nil
}

// Nop discards every event.
type Nop struct{}

// Publish does nothing.
func (Nop) Publish(context.Context, core.JobEvent) error { return nil }
