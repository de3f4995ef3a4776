package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/ayusman/conetrack/internal/actuator"
	"github.com/ayusman/conetrack/internal/app"
	"github.com/ayusman/conetrack/internal/capture"
	"github.com/ayusman/conetrack/internal/config"
	"github.com/ayusman/conetrack/internal/reference"
	"github.com/ayusman/conetrack/internal/server"
	"github.com/ayusman/conetrack/internal/store"
	"github.com/ayusman/conetrack/internal/tray"
)

// rawPrefix selects a raw BGRA frame stream as the source, e.g. "raw:-" for
// stdin or "raw:/tmp/frames.fifo".
const rawPrefix = "raw:"

type options struct {
	configPath string
	source     string
	width      int
	height     int
	policy     string
	dbPath     string
	addr       string
	bus        string
	serialPort string
	baud       int
	bridge     string
	webDir     string
	tray       bool
	verbose    bool
}

func parseFlags() (*options, map[string]bool) {
	o := &options{}
	flag.StringVar(&o.configPath, "config", "", "path to JSON config file")
	flag.StringVar(&o.source, "source", "0", "camera index, video file, stream URL, or raw:<path> for BGRA frames (raw:- reads stdin)")
	flag.IntVar(&o.width, "width", 0, "frame width (overrides config)")
	flag.IntVar(&o.height, "height", 0, "frame height (overrides config)")
	flag.StringVar(&o.policy, "policy", "", "steering policy: intensity or fixed-margin (overrides config)")
	flag.StringVar(&o.dbPath, "db", defaultDBPath(), "sqlite file for run recordings (empty disables recording)")
	flag.StringVar(&o.addr, "addr", ":8080", "HTTP listen address (empty disables the server)")
	flag.StringVar(&o.bus, "bus", "", "websocket URL publishing reference steering")
	flag.StringVar(&o.serialPort, "serial", "", "serial port receiving steering commands")
	flag.IntVar(&o.baud, "baud", actuator.DefaultBaudRate, "serial baud rate")
	flag.StringVar(&o.bridge, "bridge", "", "command receiving steering lines on stdin (alternative to -serial)")
	flag.StringVar(&o.webDir, "web", findWebDir(), "directory of static files served at /")
	flag.BoolVar(&o.tray, "tray", false, "show a system tray menu")
	flag.BoolVar(&o.verbose, "verbose", false, "enable per-frame debug logging")
	flag.Parse()

	set := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })
	return o, set
}

func newLogger(verbose bool) (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func main() {
	opts, set := parseFlags()

	logger, err := newLogger(opts.verbose)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	zap.ReplaceGlobals(logger)

	err = run(opts, set)
	logger.Sync()
	if err != nil {
		fmt.Fprintf(os.Stderr, "conetrack: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig(opts *options, set map[string]bool) (*config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}
	if set["width"] {
		cfg.Width = opts.width
	}
	if set["height"] {
		cfg.Height = opts.height
	}
	if set["policy"] {
		cfg.Policy = opts.policy
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// openSource returns the frame source for opts.source. Raw sources start a
// goroutine feeding the shared buffer until ctx is done or the stream ends.
func openSource(ctx context.Context, source string, cfg *config.Config) (capture.Camera, error) {
	path, ok := strings.CutPrefix(source, rawPrefix)
	if !ok {
		return capture.NewCamera(source, cfg.Width, cfg.Height), nil
	}

	var r io.ReadCloser = os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open raw source: %w", err)
		}
		r = f
	}

	buf := capture.NewMemoryBuffer(cfg.Width, cfg.Height)
	go func() {
		defer r.Close()
		if err := capture.Feed(ctx, r, buf, cfg.Width, cfg.Height); err != nil && !errors.Is(err, context.Canceled) {
			zap.S().Errorw("raw source failed", "error", err)
			return
		}
		zap.S().Info("raw source ended")
	}()
	return capture.NewRawSource(buf, cfg.Width, cfg.Height), nil
}

func openPublisher(opts *options) (actuator.Publisher, error) {
	switch {
	case opts.serialPort != "" && opts.bridge != "":
		return nil, errors.New("-serial and -bridge are mutually exclusive")
	case opts.serialPort != "":
		return actuator.OpenSerial(opts.serialPort, opts.baud)
	case strings.TrimSpace(opts.bridge) != "":
		fields := strings.Fields(opts.bridge)
		return actuator.StartProcess(fields[0], fields[1:]...)
	default:
		return actuator.Nop{}, nil
	}
}

func run(opts *options, set map[string]bool) error {
	cfg, err := loadConfig(opts, set)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var st *store.Store
	if opts.dbPath != "" {
		if err := os.MkdirAll(filepath.Dir(opts.dbPath), 0755); err != nil {
			return fmt.Errorf("create data directory: %w", err)
		}
		st, err = store.New(opts.dbPath)
		if err != nil {
			return fmt.Errorf("initialize store: %w", err)
		}
		defer st.Close()
	}

	publisher, err := openPublisher(opts)
	if err != nil {
		return err
	}

	cam, err := openSource(ctx, opts.source, cfg)
	if err != nil {
		return err
	}

	ref := reference.NewSignal()
	frames := server.NewFrameBuffer()
	hub := server.NewSteeringHub()

	a, err := app.New(app.Config{
		Tracker:   cfg,
		Camera:    cam,
		Source:    opts.source,
		Store:     st,
		Reference: ref,
		Publisher: publisher,
		Sink:      frames,
	})
	if err != nil {
		return err
	}

	a.OnResult(func(res app.Result) {
		hub.Broadcast(server.SteeringMessage{
			Seq:       res.Seq,
			Timestamp: res.Timestamp.UnixMilli(),
			Angle:     res.Angle,
			Reference: res.Reference,
			Correct:   res.Correct,
		})
	})

	if opts.bus != "" {
		if err := reference.NewClient(opts.bus, ref.Listener()).Start(ctx); err != nil {
			return err
		}
	}

	var httpServer *http.Server
	if opts.addr != "" {
		httpServer = &http.Server{
			Addr: opts.addr,
			Handler: server.New(server.Config{
				StaticDir: opts.webDir,
				Store:     st,
				Tracker:   a,
				Frames:    frames,
				Steering:  hub,
				Reference: ref.Listener(),
			}),
		}
		go func() {
			zap.S().Infow("starting server", "addr", opts.addr, "web", opts.webDir)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				zap.S().Errorw("server failed", "error", err)
			}
		}()
	}

	pipelineErr := make(chan error, 1)
	if opts.tray {
		t := tray.New()
		t.OnToggle(a.SetEnabled)
		t.OnQuit(stop)
		if opts.addr != "" {
			url := streamURL(opts.addr)
			t.OnStream(func() {
				if err := openBrowser(url); err != nil {
					zap.S().Warnw("failed to open stream", "url", url, "error", err)
				}
			})
		}
		a.OnResult(func(res app.Result) {
			t.Update(res.Angle, a.Stats())
		})

		go func() {
			pipelineErr <- a.Run(ctx)
			t.Quit()
		}()
		// systray owns the main goroutine until Quit
		t.Run()
		stop()
	} else {
		pipelineErr <- a.Run(ctx)
	}
	err = <-pipelineErr

	if httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		httpServer.Shutdown(shutdownCtx)
		cancel()
	}

	closeErr := a.Close()
	fmt.Println(a.Stats().String())

	return errors.Join(err, closeErr)
}

func defaultDBPath() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "conetrack.db"
	}
	return filepath.Join(homeDir, ".conetrack", "conetrack.db")
}

// findWebDir searches for the web directory in common locations.
// It checks: "web", "../web", "../../web", and ~/.conetrack/web.
// Returns the first existing directory or empty string if none found.
func findWebDir() string {
	relativePaths := []string{"web", "../web", "../../web"}
	for _, p := range relativePaths {
		if info, err := os.Stat(p); err == nil && info.IsDir() {
			absPath, err := filepath.Abs(p)
			if err == nil {
				return absPath
			}
			return p
		}
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	homeWebDir := filepath.Join(homeDir, ".conetrack", "web")
	if info, err := os.Stat(homeWebDir); err == nil && info.IsDir() {
		return homeWebDir
	}

	return ""
}
