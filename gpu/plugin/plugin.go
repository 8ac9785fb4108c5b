package plugin

import (
	"context"
	"io"
	"os"
	"sync"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-plugin"

	"github.com/klippa-app/godds/gpu/shared"
	"github.com/klippa-app/godds/internal/config"
	"github.com/klippa-app/godds/internal/convert"
	"github.com/klippa-app/godds/internal/message"
	"github.com/klippa-app/godds/internal/worker"
)

// StartPlugin serves the worker plugin on stdin/stdout until the host kills
// the process. Render settings are read from the GODDS_RENDER_* environment.
func StartPlugin() {
	logger := hclog.New(&hclog.LoggerOptions{
		Name:       "gpu",
		Output:     os.Stderr,
		Level:      hclog.Trace,
		JSONFormat: true,
	})

	cfg, err := config.Load()
	if err != nil {
		logger.Error("could not load config", "error", err)
		os.Exit(1)
	}
	logger.SetLevel(hclog.LevelFromString(cfg.Log.Level))

	converter, err := convert.New(cfg.Render.Options())
	if err != nil {
		logger.Error("could not create converter", "error", err)
		os.Exit(1)
	}

	impl := NewImplementation(converter, logger)
	defer impl.Close()

	plugin.Serve(&plugin.ServeConfig{
		HandshakeConfig: shared.Handshake,
		Plugins:         shared.PluginMap(impl),
		Logger:          logger,
	})
}

// Implementation serves the message channel for every stream the host
// opens.
type Implementation struct {
	decoder worker.Decoder
	logger  hclog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	endpointLock sync.Mutex
	endpoint     *worker.Endpoint
}

func NewImplementation(decoder worker.Decoder, logger hclog.Logger) *Implementation {
	ctx, cancel := context.WithCancel(context.Background())
	return &Implementation{
		decoder: decoder,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (i *Implementation) Ping() (string, error) {
	return "Pong", nil
}

// Attach starts serving conn and returns immediately.
func (i *Implementation) Attach(conn io.ReadWriteCloser) error {
	endpoint := worker.NewEndpoint(i.decoder, i.logger)

	i.endpointLock.Lock()
	i.endpoint = endpoint
	i.endpointLock.Unlock()

	go func() {
		if err := endpoint.Serve(i.ctx, message.NewConn(conn)); err != nil {
			i.logger.Error("endpoint stopped", "error", err)
		}
	}()

	return nil
}

// Quit asks the host to close the worker through the latest attached
// stream.
func (i *Implementation) Quit() error {
	i.endpointLock.Lock()
	endpoint := i.endpoint
	i.endpointLock.Unlock()

	if endpoint == nil {
		return worker.ErrNotServing
	}

	return endpoint.Quit()
}

// Close stops every endpoint.
func (i *Implementation) Close() {
	i.cancel()
}
