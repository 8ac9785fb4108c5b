package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"

	"github.com/klippa-app/godds/internal/events"
	"github.com/klippa-app/godds/internal/message"
)

// Forwarder is the host-side channel to the worker.
type Forwarder interface {
	Send(env *message.Envelope) error
	Subscribe(fn func(*message.Envelope)) *events.Subscription
	Done() <-chan struct{}
}

var (
	ErrClosed       = errors.New("conversion client is closed")
	ErrWorkerClosed = errors.New("worker closed before the conversion finished")
)

// ConversionError is returned when the worker reports that it could not
// decode a texture.
type ConversionError struct {
	Message string
}

func (e *ConversionError) Error() string {
	return "conversion failed: " + e.Message
}

// DefaultTimeout bounds how long Convert waits for a matching response.
const DefaultTimeout = 30 * time.Second

type Option func(*Client)

// WithTimeout sets the per-conversion timeout. Zero waits until the context
// passed to Convert is done.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeout = d
	}
}

// WithIDGenerator replaces the request id source.
func WithIDGenerator(fn func() string) Option {
	return func(c *Client) {
		c.newID = fn
	}
}

type outcome struct {
	dataURL string
	err     error
}

type pending struct {
	sub  *events.Subscription
	done chan outcome
	once sync.Once
}

// settle delivers the first outcome and drops the rest.
func (p *pending) settle(o outcome) {
	p.once.Do(func() {
		p.done <- o
	})
}

// Client converts textures through the worker and correlates each response
// with the request that caused it.
type Client struct {
	fwd     Forwarder
	logger  hclog.Logger
	timeout time.Duration
	newID   func() string

	mu      sync.Mutex
	pending map[string]*pending
	closed  bool
}

func New(fwd Forwarder, logger hclog.Logger, opts ...Option) *Client {
	c := &Client{
		fwd:     fwd,
		logger:  logger.Named("client"),
		timeout: DefaultTimeout,
		newID:   uuid.NewString,
		pending: map[string]*pending{},
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Convert sends contents to the worker and waits for its encoded image.
//
// A response is accepted when its id matches the request and its echoed
// contents equal what was sent. Responses without an id are matched on
// contents alone, in which case two in-flight requests with identical bytes
// may receive each other's result.
func (c *Client) Convert(ctx context.Context, contents []byte) (string, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	id := c.newID()
	op := &pending{done: make(chan outcome, 1)}

	// Listen before sending so a fast response cannot be missed.
	op.sub = c.fwd.Subscribe(func(env *message.Envelope) {
		if !matches(env, id, contents) {
			return
		}
		if env.Error != "" {
			op.settle(outcome{err: &ConversionError{Message: env.Error}})
			return
		}
		op.settle(outcome{dataURL: env.DataURL})
	})

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		op.sub.Unsubscribe()
		return "", ErrClosed
	}
	c.pending[id] = op
	c.mu.Unlock()

	defer c.release(id, op)

	err := c.fwd.Send(&message.Envelope{Kind: message.KindConvert, ID: id, Contents: contents})
	if err != nil {
		select {
		case <-c.fwd.Done():
			return "", ErrWorkerClosed
		default:
		}
		return "", fmt.Errorf("could not send conversion request: %w", err)
	}

	select {
	case o := <-op.done:
		return o.dataURL, o.err
	case <-c.fwd.Done():
		return "", ErrWorkerClosed
	case <-ctx.Done():
		c.logger.Warn("conversion abandoned", "id", id, "size", len(contents), "error", ctx.Err())
		return "", fmt.Errorf("conversion %s: %w", id, ctx.Err())
	}
}

func matches(env *message.Envelope, id string, contents []byte) bool {
	if env.Kind != message.KindConversionResult {
		return false
	}
	if env.ID != "" && env.ID != id {
		return false
	}
	return message.Equal(env.Contents, contents)
}

func (c *Client) release(id string, op *pending) {
	op.sub.Unsubscribe()

	c.mu.Lock()
	if c.pending[id] == op {
		delete(c.pending, id)
	}
	c.mu.Unlock()
}

// Pending returns the number of conversions awaiting a response.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Close rejects every pending conversion with ErrClosed and releases its
// listener. Later conversions fail with ErrClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	ops := c.pending
	c.pending = map[string]*pending{}
	c.mu.Unlock()

	for _, op := range ops {
		op.sub.Unsubscribe()
		op.settle(outcome{err: ErrClosed})
	}

	return nil
}
