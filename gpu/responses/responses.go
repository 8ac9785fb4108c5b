package responses

type Open struct {
	BrokerID uint32
}
