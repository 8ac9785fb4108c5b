// Package inproc runs the worker endpoint inside the host process, connected
// over an in-memory pipe. It trades process isolation for zero startup cost
// and is used when no worker binary is configured.
package inproc

import (
	"context"
	"net"
	"sync"

	"github.com/hashicorp/go-hclog"

	"github.com/klippa-app/godds/internal/message"
	"github.com/klippa-app/godds/internal/supervisor"
	"github.com/klippa-app/godds/internal/worker"
)

type Launcher struct {
	decoder worker.Decoder
	logger  hclog.Logger
}

func NewLauncher(decoder worker.Decoder, logger hclog.Logger) *Launcher {
	return &Launcher{decoder: decoder, logger: logger.Named("inproc")}
}

func (l *Launcher) Launch(ctx context.Context, notify func(supervisor.LoadEvent)) (supervisor.Process, error) {
	notify(supervisor.LoadStarted)

	hostSide, workerSide := net.Pipe()
	serveCtx, cancel := context.WithCancel(context.Background())

	p := &process{
		conn:   message.NewConn(hostSide),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	endpoint := worker.NewEndpoint(l.decoder, l.logger)
	go func() {
		defer close(p.done)
		if err := endpoint.Serve(serveCtx, message.NewConn(workerSide)); err != nil {
			l.logger.Error("endpoint stopped", "error", err)
		}
	}()

	if err := ctx.Err(); err != nil {
		p.Destroy()
		return nil, err
	}

	notify(supervisor.LoadFinished)
	return p, nil
}

type process struct {
	conn   *message.Conn
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func (p *process) Conn() *message.Conn {
	return p.conn
}

// Close closes the pipe and waits for the endpoint to return.
func (p *process) Close() error {
	p.Destroy()
	<-p.done
	return nil
}

func (p *process) Destroy() {
	p.once.Do(func() {
		p.cancel()
		_ = p.conn.Close()
	})
}
