package bridge

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"relay-bridge/internal/relay"
)

const defaultRetryDelay = 5 * time.Second

// Supervisor maintains one relay connection forever: connect, hand the
// session to whoever needs it, wait for closure, back off, retry. It only
// returns when its context is cancelled.
type Supervisor struct {
	name       string
	url        string
	client     relay.Client
	publish    *relay.OriginConsumer
	subscribe  *relay.OriginProducer
	ref        *SessionRef
	retryDelay time.Duration
	log        zerolog.Logger

	connected atomic.Bool
}

// NewHomeSupervisor supervises the connection to the home network. It
// publishes the bridged broadcasts and subscribes to nothing.
func NewHomeSupervisor(client relay.Client, url string, publish *relay.OriginConsumer, log zerolog.Logger) *Supervisor {
	return &Supervisor{
		name:       "home",
		url:        url,
		client:     client,
		publish:    publish,
		retryDelay: defaultRetryDelay,
		log:        log.With().Str("network", "home").Logger(),
	}
}

// NewRemoteSupervisor supervises the connection to the third-party network.
// It subscribes to remote broadcasts, publishes nothing, and owns the shared
// session reference bridge tasks announce through.
func NewRemoteSupervisor(client relay.Client, url string, subscribe *relay.OriginProducer, ref *SessionRef, log zerolog.Logger) *Supervisor {
	return &Supervisor{
		name:       "remote",
		url:        url,
		client:     client,
		subscribe:  subscribe,
		ref:        ref,
		retryDelay: defaultRetryDelay,
		log:        log.With().Str("network", "remote").Logger(),
	}
}

// Connected reports whether a session is currently established.
func (s *Supervisor) Connected() bool { return s.connected.Load() }

func (s *Supervisor) Run(ctx context.Context) {
	for {
		s.log.Info().Str("url", s.url).Msg("connecting to relay")

		session, err := s.client.Connect(ctx, s.url, s.publish, s.subscribe)
		if err != nil {
			s.log.Error().Err(err).Msg("relay connection failed")
		} else {
			s.log.Info().Msg("connected to relay")
			s.connected.Store(true)
			if s.ref != nil {
				s.ref.Set(session)
			}

			select {
			case <-session.Closed():
				s.log.Warn().Msg("relay connection closed")
			case <-ctx.Done():
				session.Close()
			}

			if s.ref != nil {
				s.ref.Clear()
			}
			s.connected.Store(false)
		}

		select {
		case <-time.After(s.retryDelay):
		case <-ctx.Done():
			return
		}
	}
}
