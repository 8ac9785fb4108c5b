// Package godds previews DirectDraw Surface textures. Decoding runs in a
// worker, by default a separate plugin process, so a malformed texture can
// only take down the worker.
package godds

import (
	"context"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/klippa-app/godds/gpu"
	"github.com/klippa-app/godds/internal/client"
	"github.com/klippa-app/godds/internal/config"
	"github.com/klippa-app/godds/internal/convert"
	"github.com/klippa-app/godds/internal/events"
	"github.com/klippa-app/godds/internal/inproc"
	"github.com/klippa-app/godds/internal/supervisor"
)

type (
	Mode            = supervisor.Mode
	State           = supervisor.State
	Image           = client.Image
	Rendered        = client.Rendered
	ConversionError = client.ConversionError
	Format          = convert.Format
	RenderOptions   = convert.Options
)

const (
	ModeProduction = supervisor.ModeProduction
	ModeDiagnostic = supervisor.ModeDiagnostic

	FormatPNG  = convert.FormatPNG
	FormatWebP = convert.FormatWebP

	MediaTypeDDS = client.MediaTypeDDS
)

var (
	ErrClosed       = client.ErrClosed
	ErrWorkerClosed = client.ErrWorkerClosed
)

type Config struct {
	// Worker starts the worker process. An empty BinPath decodes inside
	// the host process instead.
	Worker gpu.Config

	Mode Mode

	// ReadyTimeout bounds a load attempt. Zero waits forever.
	ReadyTimeout time.Duration

	// ConversionTimeout bounds a single conversion. Zero uses the client
	// default, a negative value disables it.
	ConversionTimeout time.Duration

	Render RenderOptions

	Logger hclog.Logger
}

// Host owns a worker and converts textures through it.
type Host struct {
	supervisor *supervisor.Supervisor
	client     *client.Client
	logger     hclog.Logger
}

// New prepares a host without starting the worker; call Load to start it.
func New(cfg Config) (*Host, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = hclog.New(&hclog.LoggerOptions{
			Name:  "godds",
			Level: hclog.Info,
		})
	}

	if cfg.Render.Format == "" {
		cfg.Render.Format = convert.FormatPNG
	}

	converter, err := convert.New(cfg.Render)
	if err != nil {
		return nil, err
	}

	var launcher supervisor.Launcher
	if cfg.Worker.Command.BinPath == "" {
		launcher = inproc.NewLauncher(converter, logger)
	} else {
		worker := cfg.Worker
		worker.Command.Env = append(renderEnv(cfg.Render), worker.Command.Env...)
		launcher = gpu.NewLauncher(worker, logger)
	}

	supervisorOpts := []supervisor.Option{supervisor.WithMode(cfg.Mode)}
	if cfg.ReadyTimeout > 0 {
		supervisorOpts = append(supervisorOpts, supervisor.WithReadyTimeout(cfg.ReadyTimeout))
	}
	sup := supervisor.New(launcher, logger, supervisorOpts...)

	var clientOpts []client.Option
	switch {
	case cfg.ConversionTimeout > 0:
		clientOpts = append(clientOpts, client.WithTimeout(cfg.ConversionTimeout))
	case cfg.ConversionTimeout < 0:
		clientOpts = append(clientOpts, client.WithTimeout(0))
	}

	return &Host{
		supervisor: sup,
		client:     client.New(sup, logger, clientOpts...),
		logger:     logger,
	}, nil
}

// Start creates a host and waits until its worker is ready.
func Start(ctx context.Context, cfg Config) (*Host, error) {
	host, err := New(cfg)
	if err != nil {
		return nil, err
	}

	if err := host.Load(ctx); err != nil {
		_ = host.Close()
		return nil, err
	}

	return host, nil
}

func renderEnv(opts RenderOptions) []string {
	return config.RenderConfig{
		Format:       string(opts.Format),
		Quality:      opts.Quality,
		MaxDimension: opts.MaxDimension,
	}.Env()
}

// Load starts the worker and waits until it is ready. After a failed load
// it may be called again.
func (h *Host) Load(ctx context.Context) error {
	if err := h.supervisor.Load(ctx); err != nil {
		return err
	}

	if err := h.supervisor.WaitReady(ctx); err != nil {
		h.logger.Warn("worker did not become ready", "state", h.supervisor.State().String(), "error", err)
		return err
	}

	return nil
}

// Convert decodes a raw DDS texture into a data URI.
func (h *Host) Convert(ctx context.Context, contents []byte) (string, error) {
	return h.client.Convert(ctx, contents)
}

// LoadImage returns a displayable source for img. Only DDS textures reach
// the worker.
func (h *Host) LoadImage(ctx context.Context, img Image) (Rendered, error) {
	return h.client.Load(ctx, img)
}

func (h *Host) State() State {
	return h.supervisor.State()
}

func (h *Host) OnDidLoad(fn func()) *events.Subscription {
	return h.supervisor.OnDidLoad(fn)
}

func (h *Host) OnFailedToLoad(fn func(error)) *events.Subscription {
	return h.supervisor.OnFailedToLoad(fn)
}

func (h *Host) OnClose(fn func()) *events.Subscription {
	return h.supervisor.OnClose(fn)
}

// Close rejects pending conversions and shuts the worker down.
func (h *Host) Close() error {
	_ = h.client.Close()
	return h.supervisor.Close()
}

// Destroy kills the worker without waiting for it to exit.
func (h *Host) Destroy() {
	_ = h.client.Close()
	h.supervisor.Destroy()
}
