package relay

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const pingInterval = 30 * time.Second

// WSClient dials relay endpoints over WebSocket. Control messages are JSON
// text frames; media frames are length-prefixed binary frames.
type WSClient struct {
	dialer *websocket.Dialer
	log    zerolog.Logger
}

func NewWSClient(log zerolog.Logger) *WSClient {
	return &WSClient{
		dialer: websocket.DefaultDialer,
		log:    log,
	}
}

func (c *WSClient) Connect(ctx context.Context, rawURL string, publish *OriginConsumer, subscribe *OriginProducer) (Session, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse relay url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("unsupported relay url scheme %q", u.Scheme)
	}

	conn, _, err := c.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", u.Host, err)
	}

	s := &wsSession{
		conn:      conn,
		subscribe: subscribe,
		log:       c.log.With().Str("relay", u.Host).Logger(),
		closed:    make(chan struct{}),
		inbound:   make(map[string]*Broadcast),
	}
	go s.readLoop()
	go s.pingLoop()
	if publish != nil {
		go s.forwardLocal(publish)
	}
	return s, nil
}

type controlMessage struct {
	Type string `json:"type"`
	Path string `json:"path,omitempty"`
}

type wsSession struct {
	conn      *websocket.Conn
	subscribe *OriginProducer
	log       zerolog.Logger

	writeMu sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}

	mu      sync.Mutex
	inbound map[string]*Broadcast
}

func (s *wsSession) Closed() <-chan struct{} { return s.closed }

func (s *wsSession) AnnounceRemote(ctx context.Context, namespace string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-s.closed:
		return fmt.Errorf("session closed")
	default:
	}
	return s.writeControl(controlMessage{Type: "subscribe", Path: namespace})
}

func (s *wsSession) Close() error {
	s.writeMu.Lock()
	s.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	s.writeMu.Unlock()
	return s.conn.Close()
}

func (s *wsSession) readLoop() {
	defer s.teardown()
	for {
		mt, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		switch mt {
		case websocket.TextMessage:
			s.handleControl(data)
		case websocket.BinaryMessage:
			s.handleFrame(data)
		}
	}
}

func (s *wsSession) teardown() {
	s.conn.Close()

	s.mu.Lock()
	inbound := s.inbound
	s.inbound = make(map[string]*Broadcast)
	s.mu.Unlock()

	for path, b := range inbound {
		b.Close()
		if s.subscribe != nil {
			s.subscribe.Unpublish(path)
		}
	}
	s.closeOnce.Do(func() { close(s.closed) })
}

func (s *wsSession) handleControl(data []byte) {
	var msg controlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.log.Debug().Err(err).Msg("discarding malformed control message")
		return
	}

	switch msg.Type {
	case "announce":
		if s.subscribe == nil {
			return
		}
		s.mu.Lock()
		if _, ok := s.inbound[msg.Path]; ok {
			s.mu.Unlock()
			return
		}
		b := NewBroadcast(msg.Path)
		s.inbound[msg.Path] = b
		s.mu.Unlock()

		s.subscribe.Publish(msg.Path, b)
		s.log.Debug().Str("path", msg.Path).Msg("remote broadcast announced")

	case "unannounce":
		s.mu.Lock()
		b, ok := s.inbound[msg.Path]
		delete(s.inbound, msg.Path)
		s.mu.Unlock()
		if !ok {
			return
		}
		b.Close()
		if s.subscribe != nil {
			s.subscribe.Unpublish(msg.Path)
		}
		s.log.Debug().Str("path", msg.Path).Msg("remote broadcast ended")
	}
}

func (s *wsSession) handleFrame(data []byte) {
	path, frame, err := decodeFrame(data)
	if err != nil {
		s.log.Debug().Err(err).Msg("discarding malformed media frame")
		return
	}

	s.mu.Lock()
	b, ok := s.inbound[path]
	s.mu.Unlock()
	if ok {
		b.WriteFrame(frame)
	}
}

// forwardLocal mirrors the local publish origin up the wire: every published
// broadcast is announced and its frames forwarded until it closes or is
// retracted.
func (s *wsSession) forwardLocal(publish *OriginConsumer) {
	anns, stop := publish.Watch()
	defer stop()

	active := make(map[string]chan struct{})
	defer func() {
		for _, done := range active {
			close(done)
		}
	}()

	for {
		select {
		case a, ok := <-anns:
			if !ok {
				return
			}
			if a.Live {
				if _, exists := active[a.Path]; exists {
					continue
				}
				if err := s.writeControl(controlMessage{Type: "announce", Path: a.Path}); err != nil {
					return
				}
				done := make(chan struct{})
				active[a.Path] = done
				go s.forwardBroadcast(a.Path, a.Broadcast, done)
			} else if done, exists := active[a.Path]; exists {
				close(done)
				delete(active, a.Path)
				if err := s.writeControl(controlMessage{Type: "unannounce", Path: a.Path}); err != nil {
					return
				}
			}
		case <-s.closed:
			return
		}
	}
}

func (s *wsSession) forwardBroadcast(path string, b *Broadcast, done <-chan struct{}) {
	frames, cancel := b.Subscribe()
	defer cancel()

	for {
		select {
		case f := <-frames:
			if err := s.writeData(path, f); err != nil {
				return
			}
		case <-b.Closed():
			s.writeControl(controlMessage{Type: "unannounce", Path: path})
			return
		case <-done:
			return
		case <-s.closed:
			return
		}
	}
}

func (s *wsSession) pingLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.writeMu.Lock()
			err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second))
			s.writeMu.Unlock()
			if err != nil {
				return
			}
		case <-s.closed:
			return
		}
	}
}

func (s *wsSession) writeControl(msg controlMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *wsSession) writeData(path string, f Frame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.BinaryMessage, encodeFrame(path, f))
}

func encodeFrame(path string, f Frame) []byte {
	buf := make([]byte, 0, len(path)+len(f.Track)+len(f.Payload)+2*binary.MaxVarintLen64)
	buf = binary.AppendUvarint(buf, uint64(len(path)))
	buf = append(buf, path...)
	buf = binary.AppendUvarint(buf, uint64(len(f.Track)))
	buf = append(buf, f.Track...)
	buf = append(buf, f.Payload...)
	return buf
}

func decodeFrame(data []byte) (string, Frame, error) {
	pathLen, n := binary.Uvarint(data)
	if n <= 0 || uint64(len(data)-n) < pathLen {
		return "", Frame{}, fmt.Errorf("truncated path")
	}
	data = data[n:]
	path := string(data[:pathLen])
	data = data[pathLen:]

	trackLen, n := binary.Uvarint(data)
	if n <= 0 || uint64(len(data)-n) < trackLen {
		return "", Frame{}, fmt.Errorf("truncated track")
	}
	data = data[n:]
	track := string(data[:trackLen])
	payload := data[trackLen:]

	return path, Frame{Track: track, Payload: payload}, nil
}
