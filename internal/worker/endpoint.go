package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/hashicorp/go-hclog"

	"github.com/klippa-app/godds/internal/message"
)

// Decoder converts a raw texture into an encoded image string.
// Implementations must be safe to call from multiple goroutines.
type Decoder interface {
	Decode(contents []byte) (string, error)
}

// DecoderFunc adapts a function to the Decoder interface.
type DecoderFunc func(contents []byte) (string, error)

func (f DecoderFunc) Decode(contents []byte) (string, error) {
	return f(contents)
}

var ErrNotServing = errors.New("worker endpoint is not serving a connection")

// Endpoint answers conversion requests inside the worker process.
type Endpoint struct {
	decoder Decoder
	logger  hclog.Logger

	connLock sync.Mutex
	conn     *message.Conn
}

func NewEndpoint(decoder Decoder, logger hclog.Logger) *Endpoint {
	return &Endpoint{
		decoder: decoder,
		logger:  logger.Named("endpoint"),
	}
}

// Serve announces readiness on conn and then handles requests until ctx is
// done or the host closes the connection. A closed connection is a clean
// shutdown and returns nil.
func (e *Endpoint) Serve(ctx context.Context, conn *message.Conn) error {
	e.connLock.Lock()
	e.conn = conn
	e.connLock.Unlock()

	defer func() {
		e.connLock.Lock()
		if e.conn == conn {
			e.conn = nil
		}
		e.connLock.Unlock()
	}()

	stop := context.AfterFunc(ctx, func() {
		_ = conn.Close()
	})
	defer stop()

	if err := conn.Send(&message.Envelope{Kind: message.KindReady}); err != nil {
		if message.IsClosed(err) || ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("failed to send ready signal: %w", err)
	}
	e.logger.Debug("sent ready signal")

	for {
		env, err := conn.Receive()
		if err != nil {
			if message.IsClosed(err) || ctx.Err() != nil {
				e.logger.Debug("connection closed, stopping")
				return nil
			}
			return fmt.Errorf("failed to receive request: %w", err)
		}

		switch env.Kind {
		case message.KindConvert:
			if err := conn.Send(e.convert(env)); err != nil {
				if message.IsClosed(err) {
					return nil
				}
				return fmt.Errorf("failed to send conversion result: %w", err)
			}
		default:
			e.logger.Warn("dropping unexpected message", "kind", env.Kind.String(), "id", env.ID)
		}
	}
}

// convert runs the decoder for one request. Decoder errors and panics are
// reported on the result so the requester is never left waiting.
func (e *Endpoint) convert(req *message.Envelope) (resp *message.Envelope) {
	resp = &message.Envelope{
		Kind:     message.KindConversionResult,
		ID:       req.ID,
		Contents: req.Contents,
	}

	defer func() {
		if panicError := recover(); panicError != nil {
			e.logger.Error("decoder panicked", "id", req.ID, "panic", panicError)
			resp.DataURL = ""
			resp.Error = fmt.Sprintf("panic occurred in decoder: %v", panicError)
		}
	}()

	dataURL, err := e.decoder.Decode(req.Contents)
	if err != nil {
		e.logger.Warn("could not decode texture", "id", req.ID, "size", len(req.Contents), "error", err)
		resp.Error = err.Error()
		return resp
	}

	e.logger.Trace("decoded texture", "id", req.ID, "size", len(req.Contents))
	resp.DataURL = dataURL
	return resp
}

// Quit asks the host to close this worker.
func (e *Endpoint) Quit() error {
	e.connLock.Lock()
	conn := e.conn
	e.connLock.Unlock()

	if conn == nil {
		return ErrNotServing
	}

	return conn.Send(&message.Envelope{Kind: message.KindQuit})
}
