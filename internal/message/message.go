package message

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
)

// Kind tags the payload carried by an Envelope.
type Kind uint8

const (
	// KindConvert asks the worker to decode Contents.
	KindConvert Kind = iota + 1
	// KindConversionResult carries the echoed Contents and either DataURL or Error.
	KindConversionResult
	// KindReady is sent once by the worker after it has initialized.
	KindReady
	// KindQuit asks the host to close the worker.
	KindQuit
)

func (k Kind) String() string {
	switch k {
	case KindConvert:
		return "convert"
	case KindConversionResult:
		return "conversion-result"
	case KindReady:
		return "ready"
	case KindQuit:
		return "quit"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Envelope is the single message type exchanged between host and worker.
type Envelope struct {
	Kind     Kind   `msgpack:"kind"`
	ID       string `msgpack:"id,omitempty"`
	Contents []byte `msgpack:"contents,omitempty"`
	DataURL  string `msgpack:"data_url,omitempty"`
	Error    string `msgpack:"error,omitempty"`
}

// MaxFrameSize bounds a single envelope on the wire.
const MaxFrameSize = 256 << 20

// ErrFrameTooLarge is returned for frames larger than MaxFrameSize.
var ErrFrameTooLarge = errors.New("message frame exceeds maximum size")

// Conn exchanges length-prefixed msgpack envelopes over a byte stream.
// Send and Receive are each safe for concurrent use.
type Conn struct {
	rw io.ReadWriteCloser

	writeLock sync.Mutex
	readLock  sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

func NewConn(rw io.ReadWriteCloser) *Conn {
	return &Conn{rw: rw}
}

// Send writes env as one frame. Frames from concurrent callers never interleave.
func (c *Conn) Send(env *Envelope) error {
	body, err := msgpack.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}
	if len(body) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	frame := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(frame, uint32(len(body)))
	copy(frame[4:], body)

	c.writeLock.Lock()
	defer c.writeLock.Unlock()

	if _, err := c.rw.Write(frame); err != nil {
		return fmt.Errorf("failed to write %s frame: %w", env.Kind, err)
	}

	return nil
}

// Receive blocks until the next envelope arrives. It returns io.EOF once the
// peer has closed the stream between frames.
func (c *Conn) Receive() (*Envelope, error) {
	c.readLock.Lock()
	defer c.readLock.Unlock()

	lengthBuf := make([]byte, 4)
	if _, err := io.ReadFull(c.rw, lengthBuf); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(lengthBuf)
	if length > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(c.rw, body); err != nil {
		return nil, fmt.Errorf("failed to read frame body (%d bytes): %w", length, err)
	}

	env := &Envelope{}
	if err := msgpack.Unmarshal(body, env); err != nil {
		return nil, fmt.Errorf("failed to unmarshal envelope: %w", err)
	}

	return env, nil
}

func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.rw.Close()
	})
	return c.closeErr
}

// IsClosed reports whether err means the stream has ended, either by EOF or
// because one side closed it.
func IsClosed(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, net.ErrClosed)
}

// Equal reports whether a and b hold the same bytes.
func Equal(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
