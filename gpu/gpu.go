// Package gpu starts the conversion worker as a separate process and connects
// its message channel to the host.
package gpu

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-plugin"

	"github.com/klippa-app/godds/gpu/shared"
	"github.com/klippa-app/godds/internal/message"
	"github.com/klippa-app/godds/internal/supervisor"
)

type Config struct {
	Command Command
}

type Command struct {
	BinPath string
	Args    []string

	// Env is appended to the host environment of the worker.
	Env []string

	// StartTimeout is the timeout to wait for the plugin to say it
	// has started successfully.
	StartTimeout time.Duration
}

var ErrWrongPong = errors.New("wrong ping/pong result")

// Launcher starts one worker process per load attempt.
type Launcher struct {
	config Config
	logger hclog.Logger
}

func NewLauncher(config Config, logger hclog.Logger) *Launcher {
	return &Launcher{config: config, logger: logger.Named("gpu")}
}

func (l *Launcher) Launch(ctx context.Context, notify func(supervisor.LoadEvent)) (supervisor.Process, error) {
	notify(supervisor.LoadStarted)

	cmd := exec.Command(l.config.Command.BinPath, l.config.Command.Args...)
	cmd.Env = append(os.Environ(), l.config.Command.Env...)

	client := plugin.NewClient(&plugin.ClientConfig{
		HandshakeConfig: shared.Handshake,
		Plugins:         shared.PluginMap(nil),
		Cmd:             cmd,
		Logger:          l.logger,
		StartTimeout:    l.config.Command.StartTimeout,
	})

	p := &process{client: client}

	rpcClient, err := client.Client()
	if err != nil {
		p.Destroy()
		return nil, fmt.Errorf("could not start worker: %w", err)
	}
	p.rpcClient = rpcClient

	if err := ctx.Err(); err != nil {
		p.Destroy()
		return nil, err
	}

	raw, err := rpcClient.Dispense(shared.PluginName)
	if err != nil {
		p.Destroy()
		return nil, fmt.Errorf("could not dispense worker plugin: %w", err)
	}

	gpu := raw.(shared.GPU)
	pong, err := gpu.Ping()
	if err != nil {
		p.Destroy()
		return nil, fmt.Errorf("could not ping worker: %w", err)
	}

	if pong != "Pong" {
		p.Destroy()
		return nil, ErrWrongPong
	}

	stream, err := gpu.Open()
	if err != nil {
		p.Destroy()
		return nil, fmt.Errorf("could not open worker channel: %w", err)
	}
	p.conn = message.NewConn(stream)

	if err := ctx.Err(); err != nil {
		p.Destroy()
		return nil, err
	}

	l.logger.Debug("worker started", "bin_path", l.config.Command.BinPath)
	notify(supervisor.LoadFinished)

	return p, nil
}

type process struct {
	client    *plugin.Client
	rpcClient plugin.ClientProtocol
	conn      *message.Conn
	once      sync.Once
}

func (p *process) Conn() *message.Conn {
	return p.conn
}

// Close closes the channel and asks the plugin to exit, killing it when it
// does not exit in time.
func (p *process) Close() error {
	var err error
	p.once.Do(func() {
		if p.conn != nil {
			_ = p.conn.Close()
		}
		if p.rpcClient != nil {
			err = p.rpcClient.Close()
		}
		p.client.Kill()
	})
	return err
}

// Destroy kills the worker process without waiting for it.
func (p *process) Destroy() {
	if rc := p.client.ReattachConfig(); rc != nil && rc.Pid > 0 {
		if proc, err := os.FindProcess(rc.Pid); err == nil {
			_ = proc.Kill()
		}
	}
	_ = p.Close()
}
