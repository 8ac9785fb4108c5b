package requests

// Open asks the worker to dial the broker stream BrokerID and serve the
// message channel on it.
type Open struct {
	BrokerID uint32
}
