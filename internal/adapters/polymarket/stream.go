package polymarket

// stream.go: conexión al canal market del websocket del CLOB.
//
// La reconexión no vive aquí: el hub es el único dueño de la conexión upstream y
// vuelve a llamar a Dial con backoff. Esta capa solo habla el protocolo.

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alejandrodnm/polycopy/internal/domain"
	"github.com/alejandrodnm/polycopy/internal/ports"
)

const (
	defaultMarketWS   = "wss://ws-subscriptions-clob.polymarket.com/ws/market"
	defaultPingEvery  = 10 * time.Second
	streamWriteWait   = 5 * time.Second
	frameQueueLength  = 64
	keepAliveMessage  = "PING"
	keepAliveResponse = "PONG"
)

// Dialer abre conexiones al canal market.
type Dialer struct {
	url       string
	pingEvery time.Duration
	ws        *websocket.Dialer
}

// NewDialer crea un Dialer. url vacía usa producción.
func NewDialer(url string, pingEvery time.Duration) *Dialer {
	if url == "" {
		url = defaultMarketWS
	}
	if pingEvery <= 0 {
		pingEvery = defaultPingEvery
	}
	return &Dialer{
		url:       url,
		pingEvery: pingEvery,
		ws:        &websocket.Dialer{HandshakeTimeout: 10 * time.Second, Proxy: http.ProxyFromEnvironment},
	}
}

// Dial conecta y arranca el read loop y el keep-alive.
func (d *Dialer) Dial(ctx context.Context) (ports.FeedConn, error) {
	conn, _, err := d.ws.DialContext(ctx, d.url, nil)
	if err != nil {
		return nil, transportError("stream.Dial", err)
	}
	s := &streamConn{
		conn:     conn,
		pingWait: d.pingEvery,
		frames:   make(chan []byte, frameQueueLength),
		readErr:  make(chan error, 1),
		done:     make(chan struct{}),
	}
	_ = conn.SetReadDeadline(time.Now().Add(3 * d.pingEvery))
	go s.readLoop()
	go s.pingLoop()
	return s, nil
}

// streamConn implementa ports.FeedConn sobre una conexión gorilla.
type streamConn struct {
	conn     *websocket.Conn
	pingWait time.Duration

	writeMu    sync.Mutex
	subscribed bool

	frames  chan []byte
	readErr chan error

	done      chan struct{}
	closeOnce sync.Once
}

// Subscribe envía el mensaje inicial la primera vez y una operación subscribe después.
func (s *streamConn) Subscribe(_ context.Context, assetIDs []string) error {
	if len(assetIDs) == 0 {
		return nil
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	var msg any = wsOperation{AssetsIDs: assetIDs, Operation: "subscribe"}
	if !s.subscribed {
		msg = wsSubscribe{AssetsIDs: assetIDs, Type: "market"}
	}
	if err := s.writeJSONLocked(msg); err != nil {
		return transportError("stream.Subscribe", err)
	}
	s.subscribed = true
	return nil
}

// Unsubscribe quita assets de la conexión.
func (s *streamConn) Unsubscribe(_ context.Context, assetIDs []string) error {
	if len(assetIDs) == 0 {
		return nil
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.writeJSONLocked(wsOperation{AssetsIDs: assetIDs, Operation: "unsubscribe"}); err != nil {
		return transportError("stream.Unsubscribe", err)
	}
	return nil
}

// Next devuelve los eventos del próximo frame. PONG y frames vacíos devuelven (nil, nil).
func (s *streamConn) Next(ctx context.Context) ([]domain.Event, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case data := <-s.frames:
		if string(data) == keepAliveResponse {
			return nil, nil
		}
		evs, err := mapStreamFrame(data, time.Now().UTC())
		if err != nil {
			return evs, dataError("stream.Next", err)
		}
		return evs, nil
	case err := <-s.readErr:
		return nil, err
	case <-s.done:
		return nil, domain.NewExchangeError(domain.ErrNetwork, "stream.Next", 0, "connection closed")
	}
}

// Close cierra la conexión. Es idempotente.
func (s *streamConn) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		s.writeMu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		s.writeMu.Unlock()
		err = s.conn.Close()
	})
	return err
}

func (s *streamConn) readLoop() {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
			default:
				s.readErr <- readError(err)
			}
			return
		}
		// Cualquier mensaje (incluido PONG) prueba que la conexión sigue viva.
		_ = s.conn.SetReadDeadline(time.Now().Add(3 * s.pingWait))
		select {
		case s.frames <- data:
		case <-s.done:
			return
		}
	}
}

func (s *streamConn) pingLoop() {
	t := time.NewTicker(s.pingWait)
	defer t.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-t.C:
			s.writeMu.Lock()
			_ = s.conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			err := s.conn.WriteMessage(websocket.TextMessage, []byte(keepAliveMessage))
			s.writeMu.Unlock()
			if err != nil {
				// El read loop verá el fallo y el hub reconectará.
				return
			}
		}
	}
}

func (s *streamConn) writeJSONLocked(v any) error {
	_ = s.conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
	return s.conn.WriteJSON(v)
}

func readError(err error) error {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return domain.NewExchangeError(domain.ErrNetwork, "stream.read", 0, "closed by server")
	}
	var ne interface{ Timeout() bool }
	if errors.As(err, &ne) && ne.Timeout() {
		return domain.NewExchangeError(domain.ErrTimeout, "stream.read", 0, fmt.Sprintf("no data in keep-alive window: %v", err))
	}
	return domain.NewExchangeError(domain.ErrNetwork, "stream.read", 0, err.Error())
}
