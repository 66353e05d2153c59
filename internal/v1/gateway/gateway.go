// Package gateway bridges browser WebSocket sessions onto the TCP control
// protocol. Each WS session gets its own upstream connection; the gateway
// relays JSON text frames verbatim until it sees login_ok, then mirrors the
// session encryption in both directions so browsers never handle AES-GCM.
package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/hphmeet/relay/internal/v1/logging"
	"github.com/hphmeet/relay/internal/v1/metrics"
	"github.com/hphmeet/relay/internal/v1/protocol"
)

const (
	dialTimeout = 5 * time.Second
	writeWait   = 10 * time.Second

	// closeUpstreamDown is sent when the control server cannot be reached.
	// 1013 (try again later) is in the range browsers and gorilla clients
	// accept on receive; 1014 is not.
	closeUpstreamDown = websocket.CloseTryAgainLater
)

// Gateway terminates WebSocket sessions and proxies them to the control
// server. The upstream dial goes through a circuit breaker so a down
// control server fails browsers fast instead of piling up dial timeouts.
type Gateway struct {
	upstreamAddr   string
	allowedOrigins []string
	breaker        *gobreaker.CircuitBreaker
}

// New builds a gateway that proxies to the control server at upstreamAddr.
func New(upstreamAddr string, allowedOrigins []string) *Gateway {
	st := gobreaker.Settings{
		Name:        "control-upstream",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logging.Warn(context.Background(), "Upstream circuit breaker state change",
				zap.String("from", from.String()), zap.String("to", to.String()))
		},
	}
	return &Gateway{
		upstreamAddr:   upstreamAddr,
		allowedOrigins: allowedOrigins,
		breaker:        gobreaker.NewCircuitBreaker(st),
	}
}

// RegisterRoutes mounts the WebSocket endpoints on the gin router. /ws and
// /ws-app are aliases; desktop builds historically used the latter.
func (g *Gateway) RegisterRoutes(r gin.IRouter) {
	r.GET("/ws", g.handleWS)
	r.GET("/ws-app", g.handleWS)
}

func (g *Gateway) handleWS(c *gin.Context) {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return originAllowed(r, g.allowedOrigins)
		},
		WriteBufferPool: &sync.Pool{
			New: func() any {
				return make([]byte, 4096)
			},
		},
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Error(c.Request.Context(), "Failed to upgrade connection", zap.Error(err))
		return
	}

	upstream, err := g.dialUpstream()
	if err != nil {
		logging.Error(c.Request.Context(), "Upstream dial failed", zap.Error(err))
		_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
		_ = ws.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(closeUpstreamDown, "control server unavailable"))
		_ = ws.Close()
		return
	}

	s := &session{ws: ws, upstream: upstream}
	s.run()
}

// dialUpstream opens one control-plane TCP connection behind the breaker.
func (g *Gateway) dialUpstream() (net.Conn, error) {
	v, err := g.breaker.Execute(func() (any, error) {
		return net.DialTimeout("tcp", g.upstreamAddr, dialTimeout)
	})
	if err != nil {
		return nil, err
	}
	return v.(net.Conn), nil
}

// originAllowed implements the browser origin policy: an empty allow-list
// admits everything (dev mode), otherwise the Origin header must match
// exactly. Requests without an Origin header are not browsers and pass.
func originAllowed(r *http.Request, allowed []string) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		if origin == a {
			return true
		}
	}
	return false
}

// session is one WS↔TCP bridge. key flips the codec: nil means plaintext
// passthrough, set means both pumps translate AES-GCM.
type session struct {
	ws       *websocket.Conn
	upstream net.Conn

	mu  sync.Mutex
	key []byte

	closeOnce sync.Once
}

func (s *session) sessionKey() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.key
}

func (s *session) setKey(key []byte) {
	s.mu.Lock()
	s.key = key
	s.mu.Unlock()
}

// close tears down both sides; either pump failing ends the session.
func (s *session) close() {
	s.closeOnce.Do(func() {
		_ = s.upstream.Close()
		_ = s.ws.Close()
	})
}

// closeWith sends a WS close frame with a reason before tearing down.
func (s *session) closeWith(code int, reason string) {
	_ = s.ws.SetWriteDeadline(time.Now().Add(writeWait))
	_ = s.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
	s.close()
}

func (s *session) run() {
	metrics.GatewaySessions.Inc()
	defer metrics.GatewaySessions.Dec()

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.upstreamToWS()
	}()
	s.wsToUpstream()
	s.close()
	<-done
}

// wsToUpstream relays browser JSON to the control server, sealing frames
// once the session key is known. Non-text WS frames are ignored.
func (s *session) wsToUpstream() {
	defer s.close()

	for {
		messageType, data, err := s.ws.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		blob := data
		if key := s.sessionKey(); key != nil {
			blob, err = protocol.Seal(key, data)
			if err != nil {
				logging.Error(context.Background(), "Failed to seal upstream frame", zap.Error(err))
				s.closeWith(websocket.CloseInternalServerErr, "encryption failure")
				return
			}
		}
		if err := protocol.WriteFrame(s.upstream, blob); err != nil {
			return
		}
	}
}

// upstreamToWS relays control-server frames to the browser. Plaintext
// frames are watched for login_ok to capture the session key; after that
// every upstream frame is opened before forwarding.
func (s *session) upstreamToWS() {
	defer s.close()

	for {
		blob, err := protocol.ReadFrame(s.upstream)
		if err != nil {
			return
		}

		plain := blob
		if key := s.sessionKey(); key != nil {
			plain, err = protocol.Open(key, blob)
			if err != nil {
				logging.Error(context.Background(), "Failed to open upstream frame", zap.Error(err))
				s.closeWith(websocket.CloseInternalServerErr, "decryption failure")
				return
			}
		} else if key := loginOKKey(plain); key != nil {
			// login_ok is the last plaintext frame; everything after rides
			// the session key in both directions.
			s.setKey(key)
		}

		_ = s.ws.SetWriteDeadline(time.Now().Add(writeWait))
		if err := s.ws.WriteMessage(websocket.TextMessage, plain); err != nil {
			return
		}
	}
}

// loginOKKey extracts the session key from a successful login reply, or
// nil when the frame is anything else.
func loginOKKey(frame []byte) []byte {
	var reply struct {
		OK        bool   `json:"ok"`
		Type      string `json:"type"`
		AESKeyB64 string `json:"aes_key_b64"`
	}
	if err := json.Unmarshal(frame, &reply); err != nil {
		return nil
	}
	if !reply.OK || reply.Type != protocol.TypeLoginOK {
		return nil
	}
	key, err := base64.StdEncoding.DecodeString(reply.AESKeyB64)
	if err != nil || len(key) != 32 {
		return nil
	}
	return key
}
