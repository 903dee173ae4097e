package bridge

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"relay-bridge/internal/relay"
)

type connectAttempt struct {
	publish   *relay.OriginConsumer
	subscribe *relay.OriginProducer
}

type fakeClient struct {
	mu       sync.Mutex
	script   []func() (relay.Session, error)
	attempts []connectAttempt
}

func (c *fakeClient) Connect(_ context.Context, _ string, publish *relay.OriginConsumer, subscribe *relay.OriginProducer) (relay.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attempts = append(c.attempts, connectAttempt{publish: publish, subscribe: subscribe})
	if len(c.script) == 0 {
		return nil, errors.New("no more scripted sessions")
	}
	next := c.script[0]
	c.script = c.script[1:]
	return next()
}

func (c *fakeClient) attemptCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.attempts)
}

func TestRemoteSupervisorReconnects(t *testing.T) {
	first := newFakeSession()
	second := newFakeSession()
	client := &fakeClient{script: []func() (relay.Session, error){
		func() (relay.Session, error) { return nil, errors.New("connection refused") },
		func() (relay.Session, error) { return first, nil },
		func() (relay.Session, error) { return second, nil },
	}}

	fromRemote := relay.NewOrigin()
	ref := NewSessionRef()
	sup := NewRemoteSupervisor(client, "wss://remote.example", fromRemote.Producer(), ref, zerolog.Nop())
	sup.retryDelay = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		sup.Run(ctx)
		close(done)
	}()

	// The failed first attempt retries into the first session.
	waitFor(t, func() bool {
		s, ok := ref.Get()
		return ok && s == relay.Session(first)
	}, "session ref should hold the first session")
	if !sup.Connected() {
		t.Fatal("supervisor should report connected")
	}

	// Peer disconnect: ref is cleared and a reconnect follows.
	cleared := ref.Cleared()
	first.Close()
	select {
	case <-cleared:
	case <-time.After(time.Second):
		t.Fatal("session ref should be cleared on disconnect")
	}

	waitFor(t, func() bool {
		s, ok := ref.Get()
		return ok && s == relay.Session(second)
	}, "supervisor should reconnect and install the new session")

	// Bridges go through again on the new session.
	source := relay.NewOrigin()
	second.onAnnounce = func(namespace string) {
		source.Producer().Publish(namespace, relay.NewBroadcast(namespace))
	}
	acq := &announceAcquirer{ref: ref, source: source.Consumer(), domain: "home.example", settle: time.Millisecond}
	if _, err := acq.acquire(context.Background(), "s1"); err != nil {
		t.Fatalf("acquire on reconnected session failed: %v", err)
	}

	cancel()
	second.Close()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("supervisor should stop on context cancellation")
	}
}

func TestSupervisorRoles(t *testing.T) {
	session := newFakeSession()
	client := &fakeClient{script: []func() (relay.Session, error){
		func() (relay.Session, error) { return session, nil },
	}}

	toHome := relay.NewOrigin()
	sup := NewHomeSupervisor(client, "wss://home.example", toHome.Consumer(), zerolog.Nop())
	sup.retryDelay = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sup.Run(ctx)

	waitFor(t, func() bool { return client.attemptCount() == 1 }, "home supervisor should connect")

	client.mu.Lock()
	attempt := client.attempts[0]
	client.mu.Unlock()

	if attempt.publish == nil {
		t.Fatal("home supervisor must publish the bridged feed")
	}
	if attempt.subscribe != nil {
		t.Fatal("home supervisor must not subscribe from the home network")
	}
}

func TestSupervisorRetriesAfterConnectFailure(t *testing.T) {
	client := &fakeClient{script: []func() (relay.Session, error){
		func() (relay.Session, error) { return nil, errors.New("dial timeout") },
		func() (relay.Session, error) { return nil, errors.New("dial timeout") },
	}}

	sup := NewRemoteSupervisor(client, "wss://remote.example", relay.NewOrigin().Producer(), NewSessionRef(), zerolog.Nop())
	sup.retryDelay = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sup.Run(ctx)

	waitFor(t, func() bool { return client.attemptCount() >= 2 }, "supervisor should retry after failure")
}
