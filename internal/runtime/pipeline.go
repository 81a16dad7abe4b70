package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-caption/internal/audio"
	"github.com/loqalabs/loqa-caption/internal/bus"
	"github.com/loqalabs/loqa-caption/internal/config"
	"github.com/loqalabs/loqa-caption/internal/eventstore"
	"github.com/loqalabs/loqa-caption/internal/natsserver"
	"github.com/loqalabs/loqa-caption/internal/relay"
	"github.com/loqalabs/loqa-caption/internal/session"
	"github.com/loqalabs/loqa-caption/internal/stt"
)

const (
	toneBurst = 1500 * time.Millisecond
	toneGap   = 1500 * time.Millisecond
)

// startPipeline brings up the broker, bus, journal, recognizer and controller.
// On error the caller runs closePipeline to release whatever was opened.
func (r *Runtime) startPipeline(ctx context.Context) error {
	if r.cfg.Bus.Enabled {
		srv, err := natsserver.Start(r.cfg.Bus, r.logger)
		if err != nil {
			return fmt.Errorf("start embedded nats: %w", err)
		}
		r.nats = srv

		busCfg := r.cfg.Bus
		if srv != nil {
			busCfg.Servers = []string{srv.ClientURL()}
		}
		client, err := bus.Connect(ctx, busCfg, r.logger.With(slog.String("component", "bus")))
		if err != nil {
			return err
		}
		r.bus = client
	}

	store, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	r.store = store

	rec, err := stt.NewRecognizer(r.cfg.Model, r.logger)
	if err != nil {
		return fmt.Errorf("create recognizer: %w", err)
	}
	r.recognizer = rec

	source, err := NewSource(r.cfg.Audio, r.bus, r.logger)
	if err != nil {
		return err
	}

	opts := []session.Option{
		session.WithObserver(eventstore.NewJournal(store, r.cfg.Audio.DeviceID, r.logger)),
	}
	if r.bus != nil && r.cfg.Bus.PublishEvents {
		opts = append(opts, session.WithObserver(relay.NewPublisher(r.bus, r.logger)))
	}
	r.controller = session.New(r.cfg, source, rec, r.logger, opts...)
	return nil
}

func (r *Runtime) closePipeline() {
	if r.recognizer != nil {
		if err := r.recognizer.Close(); err != nil {
			r.logger.Warn("recognizer close failed", slog.String("error", err.Error()))
		}
		r.recognizer = nil
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Warn("event store close failed", slog.String("error", err.Error()))
		}
		r.store = nil
	}
	if r.bus != nil {
		r.bus.Close()
		r.bus = nil
	}
	if r.nats != nil {
		r.nats.Shutdown()
		r.nats = nil
	}
}

// NewSource builds the capture source selected by audio.mode.
func NewSource(cfg config.AudioConfig, client *bus.Client, logger *slog.Logger) (audio.Source, error) {
	switch cfg.Mode {
	case "tone":
		return audio.NewToneSource(cfg.ToneHz, toneBurst, toneGap), nil
	case "wav":
		return audio.NewWAVSource(cfg.WAVPath, cfg.Loop), nil
	case "bus":
		if client == nil {
			return nil, errors.New("audio.mode bus requires bus.enabled")
		}
		return audio.NewBusSource(client, cfg.DeviceID, logger), nil
	default:
		return nil, fmt.Errorf("unknown audio mode %q", cfg.Mode)
	}
}
