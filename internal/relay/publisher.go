// Package relay mirrors delivered caption events onto the NATS bus for remote
// listeners.
package relay

import (
	"log/slog"

	"github.com/loqalabs/loqa-caption/internal/protocol"
	"github.com/loqalabs/loqa-caption/internal/session"
)

// Sink is the publishing half of the bus client.
type Sink interface {
	PublishJSON(subject string, v any) error
}

type Publisher struct {
	sink Sink
	log  *slog.Logger
}

func NewPublisher(sink Sink, log *slog.Logger) *Publisher {
	return &Publisher{sink: sink, log: log.With(slog.String("component", "relay"))}
}

// Observe publishes statuses on caption.status and outputs on caption.output.
// Failures are logged; the bus never holds up local delivery.
func (p *Publisher) Observe(rec session.Record) {
	env, err := protocol.Encode(rec.SessionID, rec.Sequence, rec.Event, rec.At)
	if err != nil {
		p.log.Warn("failed to encode event", slog.String("error", err.Error()))
		return
	}
	subject := protocol.SubjectCaptionStatus
	if env.Type == protocol.TypeOutput {
		subject = protocol.SubjectCaptionOutput
	}
	if err := p.sink.PublishJSON(subject, env); err != nil {
		p.log.Warn("failed to publish caption event", slog.String("subject", subject), slog.String("error", err.Error()))
	}
}
