package relay

import "context"

// Client establishes sessions against a relay endpoint. Either role handle
// may be nil: a publisher-only session passes a nil subscribe producer, a
// subscriber-only session passes a nil publish consumer.
type Client interface {
	Connect(ctx context.Context, rawURL string, publish *OriginConsumer, subscribe *OriginProducer) (Session, error)
}

// Session is one established duplex connection to a relay network.
type Session interface {
	// Closed resolves when the peer disconnects or the session is torn down.
	Closed() <-chan struct{}

	// AnnounceRemote asks the remote side to start serving the given
	// namespace. Needed against relays that do not advertise namespaces on
	// their own; the matching broadcast shows up on the subscribe origin
	// once the remote side reacts.
	AnnounceRemote(ctx context.Context, namespace string) error

	Close() error
}
