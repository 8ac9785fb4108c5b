package shared

import (
	"fmt"
	"io"
	"net/rpc"

	"github.com/hashicorp/go-plugin"

	"github.com/klippa-app/godds/gpu/requests"
	"github.com/klippa-app/godds/gpu/responses"
)

const PluginName = "gpu"

var Handshake = plugin.HandshakeConfig{
	ProtocolVersion:  1,
	MagicCookieKey:   "BASIC_PLUGIN",
	MagicCookieValue: "gpu",
}

// GPU is the host side of the worker plugin.
type GPU interface {
	Ping() (string, error)

	// Open asks the worker to serve the message channel and returns the
	// host end of it.
	Open() (io.ReadWriteCloser, error)
}

// Impl is implemented by the worker process.
type Impl interface {
	Ping() (string, error)
	Attach(conn io.ReadWriteCloser) error
}

type GPURPC struct {
	client *rpc.Client
	broker *plugin.MuxBroker
}

func (g *GPURPC) Ping() (string, error) {
	var resp string
	err := g.client.Call("Plugin.Ping", new(interface{}), &resp)
	if err != nil {
		return "", err
	}

	return resp, nil
}

func (g *GPURPC) Open() (io.ReadWriteCloser, error) {
	id := g.broker.NextId()

	type accepted struct {
		conn io.ReadWriteCloser
		err  error
	}
	result := make(chan accepted, 1)
	go func() {
		conn, err := g.broker.Accept(id)
		result <- accepted{conn: conn, err: err}
	}()

	resp := &responses.Open{}
	if err := g.client.Call("Plugin.Open", &requests.Open{BrokerID: id}, resp); err != nil {
		// Accept gives up on its own once the broker times out.
		go func() {
			if a := <-result; a.conn != nil {
				_ = a.conn.Close()
			}
		}()
		return nil, err
	}

	a := <-result
	if a.err != nil {
		return nil, fmt.Errorf("could not accept worker stream %d: %w", id, a.err)
	}

	return a.conn, nil
}

type GPURPCServer struct {
	Impl   Impl
	broker *plugin.MuxBroker
}

func (s *GPURPCServer) Ping(args interface{}, resp *string) error {
	var err error
	*resp, err = s.Impl.Ping()
	if err != nil {
		return err
	}
	return nil
}

func (s *GPURPCServer) Open(request *requests.Open, resp *responses.Open) (err error) {
	defer func() {
		if panicError := recover(); panicError != nil {
			err = fmt.Errorf("panic occurred in %s: %v", "Open", panicError)
		}
	}()

	conn, err := s.broker.Dial(request.BrokerID)
	if err != nil {
		return fmt.Errorf("could not dial host stream %d: %w", request.BrokerID, err)
	}

	if err := s.Impl.Attach(conn); err != nil {
		_ = conn.Close()
		return err
	}

	resp.BrokerID = request.BrokerID

	return nil
}

type GPUPlugin struct {
	Impl Impl
}

func (p *GPUPlugin) Server(b *plugin.MuxBroker) (interface{}, error) {
	return &GPURPCServer{Impl: p.Impl, broker: b}, nil
}

func (GPUPlugin) Client(b *plugin.MuxBroker, c *rpc.Client) (interface{}, error) {
	return &GPURPC{client: c, broker: b}, nil
}

// PluginMap returns the plugins served by, or dispensed from, a worker.
// The host passes a nil impl.
func PluginMap(impl Impl) map[string]plugin.Plugin {
	return map[string]plugin.Plugin{
		PluginName: &GPUPlugin{Impl: impl},
	}
}
