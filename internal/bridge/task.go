package bridge

import (
	"context"
	"fmt"
	"time"

	"relay-bridge/internal/relay"
)

// announceSettleDelay is how long an announce-first acquirer waits between
// the announce round-trip and the broadcast lookup. The protocol carries no
// acknowledgment for the remote subscription getting set up, so a fixed
// delay is the best available.
const announceSettleDelay = 100 * time.Millisecond

// sourceAcquirer obtains the source broadcast for one stream from the
// third-party network. The two implementations differ only in whether the
// remote relay needs an explicit announce before it will serve the stream.
type sourceAcquirer interface {
	acquire(ctx context.Context, streamID string) (*relay.Broadcast, error)
}

// announceAcquirer handles relays that do not advertise namespaces on their
// own: announce the derived namespace on the live session, wait a beat, then
// expect the broadcast to be present.
type announceAcquirer struct {
	ref    *SessionRef
	source *relay.OriginConsumer
	domain string
	settle time.Duration
}

func newAnnounceAcquirer(ref *SessionRef, source *relay.OriginConsumer, domain string) *announceAcquirer {
	return &announceAcquirer{
		ref:    ref,
		source: source,
		domain: domain,
		settle: announceSettleDelay,
	}
}

func (a *announceAcquirer) acquire(ctx context.Context, streamID string) (*relay.Broadcast, error) {
	namespace := a.domain + "/" + streamID

	session, ok := a.ref.Get()
	if !ok {
		return nil, ErrNotConnected
	}
	if err := session.AnnounceRemote(ctx, namespace); err != nil {
		return nil, fmt.Errorf("announce %s: %w", namespace, err)
	}

	select {
	case <-time.After(a.settle):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	b, ok := a.source.Consume(namespace)
	if !ok {
		return nil, fmt.Errorf("%s after announce: %w", namespace, ErrBroadcastNotFound)
	}
	return b, nil
}

// directAcquirer handles relays that accept subscription requests outright.
type directAcquirer struct {
	source *relay.OriginConsumer
}

func newDirectAcquirer(source *relay.OriginConsumer) *directAcquirer {
	return &directAcquirer{source: source}
}

func (d *directAcquirer) acquire(ctx context.Context, streamID string) (*relay.Broadcast, error) {
	b, ok := d.source.Consume(streamID)
	if !ok {
		return nil, fmt.Errorf("%s: %w", streamID, ErrBroadcastNotFound)
	}
	return b, nil
}

// runBridge moves one stream across the boundary: obtain the source
// broadcast, republish it into the home network under the stream id, and
// hold until the source ends. Active-set bookkeeping belongs to the caller.
func runBridge(ctx context.Context, streamID string, acq sourceAcquirer, sink *relay.OriginProducer) error {
	b, err := acq.acquire(ctx, streamID)
	if err != nil {
		return err
	}

	sink.Publish(streamID, b)
	defer sink.Unpublish(streamID)

	select {
	case <-b.Closed():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
