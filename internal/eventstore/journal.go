package eventstore

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-caption/internal/protocol"
	"github.com/loqalabs/loqa-caption/internal/session"
)

const journalWriteTimeout = 2 * time.Second

// Journal records every delivered session event to the store.
type Journal struct {
	store  *Store
	device string
	log    *slog.Logger
}

func NewJournal(store *Store, device string, log *slog.Logger) *Journal {
	return &Journal{store: store, device: device, log: log.With(slog.String("component", "journal"))}
}

func (j *Journal) SessionStarted(id string, at time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), journalWriteTimeout)
	defer cancel()
	if err := j.store.AppendSession(ctx, id, j.device, at); err != nil {
		j.log.Warn("failed to journal session start", slog.String("session_id", id), slog.String("error", err.Error()))
	}
}

func (j *Journal) SessionEnded(id string, state session.State, at time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), journalWriteTimeout)
	defer cancel()
	if err := j.store.EndSession(ctx, id, string(state), at); err != nil {
		j.log.Warn("failed to journal session end", slog.String("session_id", id), slog.String("error", err.Error()))
	}
}

func (j *Journal) Observe(rec session.Record) {
	env, err := protocol.Encode(rec.SessionID, rec.Sequence, rec.Event, rec.At)
	if err != nil {
		j.log.Warn("failed to encode event", slog.String("error", err.Error()))
		return
	}
	payload, err := json.Marshal(env)
	if err != nil {
		j.log.Warn("failed to marshal event", slog.String("error", err.Error()))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), journalWriteTimeout)
	defer cancel()
	err = j.store.AppendEvent(ctx, Event{
		SessionID: rec.SessionID,
		Sequence:  rec.Sequence,
		Type:      env.Type,
		Payload:   payload,
		CreatedAt: rec.At,
	})
	if err != nil {
		j.log.Warn("failed to journal event", slog.String("session_id", rec.SessionID), slog.String("error", err.Error()))
	}
}

// Transcript decodes a session's journaled events back into pipeline events.
func (s *Store) Transcript(ctx context.Context, sessionID string, limit int) ([]protocol.Event, error) {
	rows, err := s.ListSessionEvents(ctx, sessionID, limit)
	if err != nil {
		return nil, err
	}
	events := make([]protocol.Event, 0, len(rows))
	for _, row := range rows {
		var env protocol.Envelope
		if err := json.Unmarshal(row.Payload, &env); err != nil {
			return nil, err
		}
		evt, err := protocol.Decode(env)
		if err != nil {
			return nil, err
		}
		events = append(events, evt)
	}
	return events, nil
}
