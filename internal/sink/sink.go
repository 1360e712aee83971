// Package sink publishes successful phase outputs to NATS so downstream
// consumers can collect measurements as they complete.
package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/devtrace/internal/logging"
	"github.com/fyrsmithlabs/devtrace/internal/phase"
)

// ErrNoSubject is returned when a publisher is created without a subject.
var ErrNoSubject = errors.New("subject is required")

// Result is the message body published for each phase output.
type Result struct {
	Phase       string          `json:"phase"`
	TaskID      string          `json:"task_id,omitempty"`
	Output      json.RawMessage `json:"output"`
	PublishedAt time.Time       `json:"published_at"`
}

// Publisher sends phase outputs to <subject>.<phase>.
type Publisher struct {
	nc      *nats.Conn
	subject string
	owned   bool
	logger  *logging.Logger
}

// Connect dials url and returns a publisher that owns the connection.
func Connect(url, subject string, logger *logging.Logger) (*Publisher, error) {
	if subject == "" {
		return nil, ErrNoSubject
	}
	nc, err := nats.Connect(url,
		nats.Name("devtrace"),
		nats.Timeout(5*time.Second),
		nats.MaxReconnects(10),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats %s: %w", url, err)
	}
	p := New(nc, subject, logger)
	p.owned = true
	return p, nil
}

// New wraps an existing connection. Close does not close nc.
func New(nc *nats.Conn, subject string, logger *logging.Logger) *Publisher {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Publisher{nc: nc, subject: subject, logger: logger}
}

// Subject returns the subject a phase's outputs are published to.
func (p *Publisher) Subject(phaseName string) string {
	return p.subject + "." + phaseName
}

// Publish sends one phase output. The task id is taken from ctx.
func (p *Publisher) Publish(ctx context.Context, phaseName string, output any) error {
	raw, err := encode(output)
	if err != nil {
		return fmt.Errorf("encode %s output: %w", phaseName, err)
	}

	data, err := json.Marshal(Result{
		Phase:       phaseName,
		TaskID:      logging.TaskIDFromContext(ctx),
		Output:      raw,
		PublishedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}

	subject := p.Subject(phaseName)
	if err := p.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("publish to %s: %w", subject, err)
	}
	p.logger.Debug(ctx, "published phase result",
		zap.String("subject", subject),
		zap.Int("bytes", len(data)))
	return nil
}

// Hook adapts the publisher to a registry result hook. Publish failures
// are logged and never fail the phase.
func (p *Publisher) Hook() phase.ResultHook {
	return func(ctx context.Context, name string, output any) {
		if err := p.Publish(ctx, name, output); err != nil {
			p.logger.Warn(ctx, "failed to publish phase result", zap.Error(err))
		}
	}
}

// Close flushes pending messages and closes an owned connection.
func (p *Publisher) Close() error {
	if p == nil || p.nc == nil {
		return nil
	}
	if err := p.nc.FlushTimeout(5 * time.Second); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		p.logger.Warn(context.Background(), "failed to flush nats connection", zap.Error(err))
	}
	if p.owned {
		p.nc.Close()
	}
	return nil
}

func encode(v any) (json.RawMessage, error) {
	switch out := v.(type) {
	case json.RawMessage:
		return out, nil
	case []byte:
		if !json.Valid(out) {
			return nil, errors.New("invalid JSON document")
		}
		return json.RawMessage(out), nil
	default:
		return json.Marshal(out)
	}
}
