package bridge

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"relay-bridge/internal/relay"
)

// fakeRegistry is an httptest registry whose listing can be swapped between
// ticks.
type fakeRegistry struct {
	*httptest.Server
	body atomic.Value
}

func newFakeRegistry(body string) *fakeRegistry {
	r := &fakeRegistry{}
	r.body.Store(body)
	r.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(r.body.Load().(string)))
	}))
	return r
}

func (r *fakeRegistry) setBody(body string) { r.body.Store(body) }

func newTestOrchestrator(t *testing.T, registryURL string, source *relay.Origin, sink *relay.Origin, opts Options, ref *SessionRef) *Orchestrator {
	t.Helper()
	if ref == nil {
		ref = NewSessionRef()
	}
	return NewOrchestrator(
		time.Hour, // ticks are driven manually in tests
		NewRegistryPoller(registryURL, "cloudflare", zerolog.Nop()),
		NewActiveBridges(),
		ref,
		source.Consumer(),
		sink.Producer(),
		opts,
		zerolog.Nop(),
	)
}

func TestOrchestratorSingleBridgePerStream(t *testing.T) {
	registry := newFakeRegistry(`{"broadcasts":[
		{"stream_id":"s1","origin":"cloudflare"},
		{"stream_id":"s1","origin":"cloudflare"}
	]}`)
	defer registry.Close()

	source := relay.NewOrigin()
	sink := relay.NewOrigin()
	b := relay.NewBroadcast("s1")
	source.Producer().Publish("s1", b)

	o := newTestOrchestrator(t, registry.URL, source, sink, Options{}, nil)

	o.tick(context.Background())
	waitFor(t, func() bool {
		_, ok := sink.Consumer().Consume("s1")
		return ok
	}, "stream should be bridged into the sink")

	if o.bridges.Len() != 1 {
		t.Fatalf("duplicate listing in one tick started %d bridges", o.bridges.Len())
	}

	// A later tick while the bridge is still running must not double it.
	o.tick(context.Background())
	time.Sleep(20 * time.Millisecond)
	if o.bridges.Len() != 1 {
		t.Fatalf("overlapping tick started %d bridges", o.bridges.Len())
	}

	b.Close()
	waitFor(t, func() bool { return o.bridges.Len() == 0 }, "bridge should be released after source close")
}

func TestOrchestratorRebridgesAfterCompletion(t *testing.T) {
	registry := newFakeRegistry(`{"broadcasts":[{"stream_id":"s1","origin":"cloudflare"}]}`)
	defer registry.Close()

	source := relay.NewOrigin()
	sink := relay.NewOrigin()
	first := relay.NewBroadcast("s1")
	source.Producer().Publish("s1", first)

	o := newTestOrchestrator(t, registry.URL, source, sink, Options{}, nil)

	o.tick(context.Background())
	waitFor(t, func() bool { return o.bridges.Contains("s1") }, "first bridge should start")

	first.Close()
	waitFor(t, func() bool { return o.bridges.Len() == 0 }, "first bridge should end")

	// The stream comes back; the next listing starts a fresh bridge.
	second := relay.NewBroadcast("s1")
	source.Producer().Publish("s1", second)

	o.tick(context.Background())
	waitFor(t, func() bool { return o.bridges.Contains("s1") }, "stream should be re-bridged from scratch")

	second.Close()
	waitFor(t, func() bool { return o.bridges.Len() == 0 }, "second bridge should end")
}

func TestOrchestratorRegistryFailureIsOneTick(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	o := newTestOrchestrator(t, server.URL, relay.NewOrigin(), relay.NewOrigin(), Options{}, nil)

	o.tick(context.Background())
	if o.bridges.Len() != 0 {
		t.Fatalf("failed fetch must yield zero candidates, got %d bridges", o.bridges.Len())
	}
}

func TestOrchestratorSwallowsBridgeFailures(t *testing.T) {
	registry := newFakeRegistry(`{"broadcasts":[{"stream_id":"gone","origin":"cloudflare"}]}`)
	defer registry.Close()

	// No such broadcast on the source; every bridge attempt fails.
	o := newTestOrchestrator(t, registry.URL, relay.NewOrigin(), relay.NewOrigin(), Options{}, nil)

	o.tick(context.Background())
	waitFor(t, func() bool { return o.bridges.Len() == 0 }, "failed bridge should release its reservation")

	// The stream stays eligible and the loop keeps going.
	o.tick(context.Background())
	waitFor(t, func() bool { return o.bridges.Len() == 0 }, "retry should fail and release again")
}

func TestOrchestratorAnnounceFirstEndToEnd(t *testing.T) {
	registry := newFakeRegistry(`{"broadcasts":[{"stream_id":"s1","origin":"cloudflare"}]}`)
	defer registry.Close()

	source := relay.NewOrigin()
	sink := relay.NewOrigin()

	// The remote only serves a namespace once it has been announced,
	// mirroring a relay without proactive namespace advertisement.
	sess := newFakeSession()
	sess.onAnnounce = func(namespace string) {
		source.Producer().Publish(namespace, relay.NewBroadcast(namespace))
	}
	ref := NewSessionRef()
	ref.Set(sess)

	o := newTestOrchestrator(t, registry.URL, source, sink, Options{
		AnnounceFirst:   true,
		NamespaceDomain: "home.example",
	}, ref)
	o.acquirer.(*announceAcquirer).settle = time.Millisecond

	o.tick(context.Background())

	waitFor(t, func() bool {
		_, ok := sink.Consumer().Consume("s1")
		return ok
	}, "announced stream should be republished under its stream id")

	anns := sess.announcements()
	if len(anns) != 1 || anns[0] != "home.example/s1" {
		t.Fatalf("unexpected announcements: %v", anns)
	}

	src, _ := source.Consumer().Consume("home.example/s1")
	src.Close()
	waitFor(t, func() bool { return o.bridges.Len() == 0 }, "bridge should end with the source broadcast")
	if _, ok := sink.Consumer().Consume("s1"); ok {
		t.Fatal("sink entry should be retired after the source closes")
	}
}
