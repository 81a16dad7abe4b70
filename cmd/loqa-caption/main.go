package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/loqalabs/loqa-caption/internal/audio"
	"github.com/loqalabs/loqa-caption/internal/config"
	"github.com/loqalabs/loqa-caption/internal/protocol"
	"github.com/loqalabs/loqa-caption/internal/session"
	"github.com/loqalabs/loqa-caption/internal/stt"
)

var version = "0.1.0-dev"

func main() {
	if len(os.Args) < 2 {
		usage(os.Stderr)
		os.Exit(2)
	}
	switch os.Args[1] {
	case "run":
		if err := run(os.Args[2:]); err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			os.Exit(1)
		}
	case "version":
		fmt.Println(version)
	case "-h", "--help", "help":
		usage(os.Stdout)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		usage(os.Stderr)
		os.Exit(2)
	}
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "usage: loqa-caption <command> [flags]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "commands:")
	fmt.Fprintln(w, "  run      caption a WAV file in real time")
	fmt.Fprintln(w, "  version  print version and exit")
}

func run(args []string) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	var (
		configPath string
		file       string
		display    string
		transcript bool
		verbose    bool
	)
	fs.StringVar(&configPath, "config", "", "Path to configuration file")
	fs.StringVar(&file, "file", "", "WAV file to caption")
	fs.StringVar(&display, "display", "", "Display duration: until_next or milliseconds")
	fs.BoolVar(&transcript, "transcript", false, "Print every segment on its own line instead of replacing the live line")
	fs.BoolVar(&verbose, "v", false, "Log pipeline activity to stderr")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if file != "" {
		cfg.Audio.Mode = "wav"
		cfg.Audio.WAVPath = file
	}
	if cfg.Audio.Mode != "wav" || cfg.Audio.WAVPath == "" {
		return errors.New("run needs -file or audio.mode wav with audio.wav_path")
	}
	cfg.Audio.Loop = false
	if display != "" {
		if _, err := protocol.ParseDuration(display); err != nil {
			return err
		}
		cfg.Session.DisplayDuration = display
	}

	level := slog.LevelWarn
	if verbose {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	rec, err := stt.NewRecognizer(cfg.Model, logger)
	if err != nil {
		return err
	}
	defer rec.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	screen := &renderer{out: os.Stdout, transcript: transcript}
	return captionFile(ctx, cfg, audio.NewWAVSource(cfg.Audio.WAVPath, false), rec, screen, logger)
}

// captionFile runs one session over src until the stream ends, the session
// fails or ctx is done. At end of stream every remaining window is transcribed
// and rendered before the session stops.
func captionFile(ctx context.Context, cfg config.Config, src audio.Source, rec stt.Recognizer, screen *renderer, logger *slog.Logger) error {
	source := newEndAware(src)
	ctrl := session.New(cfg, source, rec, logger, session.WithDisplayListener(screen.display))

	failed := make(chan string, 1)
	ctrl.OnEvent(func(evt protocol.Event) {
		screen.event(evt)
		if st, ok := evt.(protocol.Status); ok && st.Fatal() {
			select {
			case failed <- st.Message:
			default:
			}
		}
	})

	if err := ctrl.Start(ctx); err != nil {
		return err
	}
	defer screen.finish()
	defer ctrl.Stop()

	select {
	case <-source.ended:
		err := ctrl.Drain(ctx)
		if ctx.Err() != nil {
			return nil
		}
		select {
		case msg := <-failed:
			return errors.New(msg)
		default:
		}
		return err
	case msg := <-failed:
		return errors.New(msg)
	case <-ctx.Done():
		return nil
	}
}

// endAware turns the end of a file into a signal instead of a device failure.
type endAware struct {
	audio.Source
	ended chan struct{}
	once  sync.Once
}

func newEndAware(src audio.Source) *endAware {
	return &endAware{Source: src, ended: make(chan struct{})}
}

func (s *endAware) Start(ctx context.Context, format audio.Format, h audio.Handler) error {
	onError := h.OnError
	h.OnError = func(err error) {
		if errors.Is(err, audio.ErrStreamEnded) {
			s.once.Do(func() { close(s.ended) })
			return
		}
		if onError != nil {
			onError(err)
		}
	}
	return s.Source.Start(ctx, format, h)
}

// renderer draws statuses as lines. In live mode the caption line follows the
// controller's display notifications; in transcript mode every output gets
// its own line.
type renderer struct {
	mu         sync.Mutex
	out        io.Writer
	transcript bool
	live       bool
	shown      protocol.Output
}

func (r *renderer) event(evt protocol.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch e := evt.(type) {
	case protocol.Status:
		r.breakLine()
		fmt.Fprintf(r.out, "[%s] %s\n", e.Kind, e.Message)
	case protocol.Output:
		if r.transcript {
			fmt.Fprintln(r.out, caption(e))
		}
	}
}

func (r *renderer) display(out protocol.Output, visible bool) {
	if r.transcript {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if visible {
		fmt.Fprintf(r.out, "\r\033[K%s", caption(out))
		r.live, r.shown = true, out
		return
	}
	if r.live && out == r.shown {
		fmt.Fprint(r.out, "\r\033[K")
		r.live = false
	}
}

func (r *renderer) breakLine() {
	if r.live {
		fmt.Fprintln(r.out)
		r.live = false
	}
}

func (r *renderer) finish() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.breakLine()
}

func caption(out protocol.Output) string {
	return fmt.Sprintf("[%s-%s] %s", clock(out.Start), clock(out.End), out.Text)
}

func clock(d time.Duration) string {
	d = d.Round(100 * time.Millisecond)
	m := d / time.Minute
	s := (d % time.Minute).Seconds()
	return fmt.Sprintf("%02d:%04.1f", m, s)
}
