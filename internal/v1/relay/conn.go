package relay

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hphmeet/relay/internal/v1/logging"
	"github.com/hphmeet/relay/internal/v1/metrics"
	"github.com/hphmeet/relay/internal/v1/protocol"
	"github.com/hphmeet/relay/internal/v1/room"
)

// outboxSize bounds the per-connection write queue. A peer that falls this
// far behind starts losing room traffic instead of stalling the room.
const outboxSize = 64

// outFrame is one queued outbound message. plain forces plaintext framing
// regardless of session state; login replies use it so login_ok is always
// the last plaintext frame in the server-to-client direction.
type outFrame struct {
	v     any
	plain bool
}

// errLogout ends the read loop on an explicit logout command.
var errLogout = errors.New("client logged out")

// conn is one control-plane connection. The read loop owns all per-
// connection mutable state except the fields guarded by mu, which the
// write pump and broadcasting peers also touch.
type conn struct {
	srv  *Server
	sock net.Conn

	mu       sync.Mutex
	username string
	token    string
	key      []byte
	// ready flips once login_ok has been queued; until then the connection
	// refuses routed traffic so nothing can ride the plaintext codec.
	ready  bool
	closed bool
	// udpEndpoints records the advertised media endpoint per kind, keyed
	// "voice"/"video". Tests read it, so it lives under mu.
	udpEndpoints map[string]string

	outbox    chan outFrame
	closeOnce sync.Once

	// Reader-owned bookkeeping, never shared.
	transfers map[string]struct{}
}

func newConn(s *Server, sock net.Conn) *conn {
	return &conn{
		srv:          s,
		sock:         sock,
		outbox:       make(chan outFrame, outboxSize),
		transfers:    make(map[string]struct{}),
		udpEndpoints: make(map[string]string),
	}
}

// --- room.Peer ---

func (c *conn) Username() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.username
}

// Enqueue posts a routed frame to the outbox without blocking. A full outbox
// drops the frame; slow peers lose messages rather than stall the room.
// Frames are refused until the login handshake has queued login_ok, so a
// half-logged-in connection never emits routed traffic in plaintext.
func (c *conn) Enqueue(v any) bool {
	c.mu.Lock()
	if !c.ready {
		c.mu.Unlock()
		return false
	}
	c.mu.Unlock()
	return c.enqueue(outFrame{v: v})
}

func (c *conn) enqueue(f outFrame) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.outbox <- f:
		return true
	default:
		return false
	}
}

func (c *conn) sessionKey() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.key
}

func (c *conn) sessionToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

func (c *conn) setAuthenticated(username string, key []byte) {
	c.mu.Lock()
	c.username = username
	c.key = key
	c.mu.Unlock()
}

func (c *conn) setToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

func (c *conn) setReady() {
	c.mu.Lock()
	c.ready = true
	c.mu.Unlock()
}

// shutdown closes the outbox exactly once. The write pump drains what is
// left and closes the socket.
func (c *conn) shutdown() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.outbox)
	})
}

// run is the connection main loop: a write pump plus the framed read loop.
func (c *conn) run() {
	ctx := logging.WithConn(context.Background(), "", c.sock.RemoteAddr().String())

	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		c.writePump()
	}()

	err := c.readLoop(ctx)
	c.cleanup(ctx, err)
	<-pumpDone
}

func (c *conn) readLoop(ctx context.Context) error {
	for {
		key := c.sessionKey()

		if key != nil && c.srv.cfg.TCPIdleTimeout > 0 {
			_ = c.sock.SetReadDeadline(time.Now().Add(c.srv.cfg.TCPIdleTimeout))
		}

		var msg *protocol.Message
		var err error
		if key == nil {
			msg, err = protocol.ReadPlain(c.sock)
			if errors.Is(err, protocol.ErrBadJSON) {
				// Parse failures on plaintext are soft; the connection continues.
				c.enqueue(outFrame{v: protocol.Errorf("Invalid JSON"), plain: true})
				continue
			}
		} else {
			// Once the session is secure a plaintext frame cannot authenticate;
			// any codec error here is fatal.
			msg, err = protocol.ReadSecure(c.sock, key)
		}
		if err != nil {
			return err
		}

		if err := c.dispatch(ctx, msg); err != nil {
			return err
		}

		if user := c.Username(); user != "" {
			c.srv.sessions.Touch(user)
		}
	}
}

func (c *conn) writePump() {
	defer func() { _ = c.sock.Close() }()

	for f := range c.outbox {
		var err error
		if key := c.sessionKey(); f.plain || key == nil {
			err = protocol.WritePlain(c.sock, f.v)
		} else {
			err = protocol.WriteSecure(c.sock, f.v, key)
		}
		if err != nil {
			// Socket is going away; the read loop sees the same failure.
			return
		}
	}
}

// dispatch routes one command. Unknown types get a generic soft error.
func (c *conn) dispatch(ctx context.Context, msg *protocol.Message) error {
	user := c.Username()

	if user == "" && msg.Type != protocol.TypeLogin {
		c.reply(msg, protocol.Errorf("Not authenticated"))
		return nil
	}

	switch msg.Type {
	case protocol.TypeLogin:
		c.handleLogin(ctx, msg)
	case protocol.TypeLogout:
		return errLogout
	case protocol.TypeListRooms:
		c.reply(msg, protocol.OK(protocol.Field("rooms", c.srv.registry.List())))
	case protocol.TypeCreateRoom:
		c.handleCreateRoom(msg, user)
	case protocol.TypeJoinRoom:
		c.handleJoinRoom(ctx, msg, user)
	case protocol.TypeLeaveRoom:
		c.handleLeaveRoom(ctx, msg, user)
	case protocol.TypeRoomInfo:
		c.handleRoomInfo(msg, user)
	case protocol.TypeKick:
		c.handleKick(ctx, msg, user)
	case protocol.TypeChat:
		c.handleChat(msg, user)
	case protocol.TypeDM:
		c.handleDM(msg, user)
	case protocol.TypeFileMeta:
		c.handleFileMeta(ctx, msg, user)
	case protocol.TypeFileChunk:
		c.handleFileChunk(msg, user)
	case protocol.TypeFileComplete:
		c.handleFileComplete(msg, user)
	case protocol.TypeUDPRegister:
		c.handleUDPRegister(msg, user)
	default:
		c.reply(msg, protocol.Errorf("Unknown command"))
	}
	return nil
}

func (c *conn) handleLogin(ctx context.Context, msg *protocol.Message) {
	var p protocol.LoginPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil || p.Username == "" {
		c.reply(msg, protocol.Errorf("Missing username"))
		return
	}
	if c.Username() != "" {
		c.reply(msg, protocol.Errorf("Already logged in"))
		return
	}

	if c.srv.creds.Exists(p.Username) {
		if !c.srv.creds.Verify(p.Username, p.Password) {
			c.reply(msg, protocol.Errorf("Invalid credentials"))
			return
		}
	} else if c.srv.cfg.AutoRegister {
		if err := c.srv.creds.Add(p.Username, p.Password); err != nil {
			logging.Error(ctx, "Auto-registration failed", zap.Error(err))
			c.reply(msg, protocol.Errorf("Registration failed"))
			return
		}
	} else {
		c.reply(msg, protocol.Errorf("Invalid credentials"))
		return
	}

	// The registry is the authority on "already online"; Register re-checks
	// under its lock so two racing logins cannot both win.
	c.setAuthenticated(p.Username, nil)
	if err := c.srv.registry.Register(c); err != nil {
		c.setAuthenticated("", nil)
		c.reply(msg, protocol.Errorf("Username in use"))
		return
	}

	token, key, err := c.srv.sessions.Create(p.Username)
	if err != nil {
		c.srv.registry.Unregister(p.Username)
		c.setAuthenticated("", nil)
		logging.Error(ctx, "Session creation failed", zap.Error(err))
		c.reply(msg, protocol.Errorf("Internal error"))
		return
	}

	// Key first, then the plaintext login_ok, then ready: every routed frame
	// is refused until login_ok sits in the outbox and is sealed once the
	// gate opens, so login_ok stays the last plaintext frame.
	c.setAuthenticated(p.Username, key)
	c.setToken(token)
	c.enqueue(outFrame{
		v: c.withID(msg, protocol.OK(
			protocol.Field("type", protocol.TypeLoginOK),
			protocol.Field("token", token),
			protocol.Field("aes_key_b64", base64.StdEncoding.EncodeToString(key)),
		)),
		plain: true,
	})
	c.setReady()

	metrics.IncConnection()
	logging.Info(ctx, "User logged in", zap.String("username", p.Username))
}

func (c *conn) handleCreateRoom(msg *protocol.Message, user string) {
	var p protocol.RoomPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil || p.Room == "" {
		c.reply(msg, protocol.Errorf("Missing room"))
		return
	}
	c.srv.registry.Create(p.Room, user)
	c.reply(msg, protocol.OK(protocol.Field("room", p.Room)))
}

func (c *conn) handleJoinRoom(ctx context.Context, msg *protocol.Message, user string) {
	var p protocol.RoomPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil || p.Room == "" {
		c.reply(msg, protocol.Errorf("Missing room"))
		return
	}

	members, left, leftPeers, joined := c.srv.registry.Join(user, p.Room)
	notifyPeers(leftPeers, presenceNotice(protocol.TypeParticipantLeft, left, user))
	if joined {
		c.srv.registry.Broadcast(p.Room, user, presenceNotice(protocol.TypeParticipantJoined, p.Room, user))
	}

	c.reply(msg, protocol.OK(
		protocol.Field("type", "room_joined"),
		protocol.Field("room", p.Room),
		protocol.Field("members", members),
	))
	logging.Info(ctx, "User joined room", zap.String("username", user), zap.String("room", p.Room))
}

func (c *conn) handleLeaveRoom(ctx context.Context, msg *protocol.Message, user string) {
	left, remaining, ok := c.srv.registry.Leave(user)
	if !ok {
		c.reply(msg, protocol.Errorf("Not in a room"))
		return
	}
	notifyPeers(remaining, presenceNotice(protocol.TypeParticipantLeft, left, user))
	c.reply(msg, protocol.OK(protocol.Field("room", left)))
	logging.Info(ctx, "User left room", zap.String("username", user), zap.String("room", left))
}

func (c *conn) handleRoomInfo(msg *protocol.Message, user string) {
	name, ok := c.srv.registry.RoomOf(user)
	if !ok {
		c.reply(msg, protocol.Errorf("Not in a room"))
		return
	}
	c.reply(msg, protocol.OK(
		protocol.Field("type", "room_info"),
		protocol.Field("room", name),
		protocol.Field("owner", c.srv.registry.Owner(name)),
		protocol.Field("members", c.srv.registry.Members(name)),
	))
}

func (c *conn) handleKick(ctx context.Context, msg *protocol.Message, user string) {
	var p protocol.KickPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil || p.Target == "" {
		c.reply(msg, protocol.Errorf("Missing target"))
		return
	}

	name, kicked, err := c.srv.registry.Kick(user, p.Target)
	switch {
	case errors.Is(err, room.ErrNotInRoom):
		c.reply(msg, protocol.Errorf("Not in a room"))
		return
	case errors.Is(err, room.ErrNotOwner):
		c.reply(msg, protocol.Errorf("Only the room owner can kick"))
		return
	case errors.Is(err, room.ErrTargetNotInRoom):
		c.reply(msg, protocol.Errorf("Target is not in the room"))
		return
	case err != nil:
		c.reply(msg, protocol.Errorf("Kick failed"))
		return
	}

	if kicked != nil {
		kicked.Enqueue(protocol.Reply{"type": protocol.TypeKicked, "room": name, "by": user})
	}
	c.srv.registry.Broadcast(name, user, presenceNotice(protocol.TypeParticipantLeft, name, p.Target))
	c.reply(msg, protocol.OK(protocol.Field("kicked", p.Target)))
	logging.Info(ctx, "User kicked from room", zap.String("target", p.Target), zap.String("room", name), zap.String("by", user))
}

func (c *conn) handleChat(msg *protocol.Message, user string) {
	name, ok := c.srv.registry.RoomOf(user)
	if !ok {
		c.reply(msg, protocol.Errorf("Join a room first"))
		return
	}
	c.srv.registry.Broadcast(name, user, forwarded(protocol.TypeChat, user, msg.Payload))
	metrics.MessagesRouted.WithLabelValues(protocol.TypeChat).Inc()
}

func (c *conn) handleDM(msg *protocol.Message, user string) {
	var p protocol.DMPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil || p.To == "" {
		c.reply(msg, protocol.Errorf("Missing recipient"))
		return
	}
	if !c.srv.registry.SendTo(p.To, forwarded(protocol.TypeDM, user, msg.Payload)) {
		c.reply(msg, protocol.Errorf("User is not online"))
		return
	}
	metrics.MessagesRouted.WithLabelValues(protocol.TypeDM).Inc()
}

func (c *conn) handleUDPRegister(msg *protocol.Message, user string) {
	var p protocol.UDPRegisterPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		c.reply(msg, protocol.Errorf("Invalid payload"))
		return
	}
	if p.Media != "voice" && p.Media != "video" {
		c.reply(msg, protocol.Errorf("Unknown media kind"))
		return
	}
	if p.Port < 1 || p.Port > 65535 {
		c.reply(msg, protocol.Errorf("Invalid port"))
		return
	}

	// The IP is taken from the TCP peer, never from the payload; only the
	// port is client-supplied.
	host, _, err := net.SplitHostPort(c.sock.RemoteAddr().String())
	if err != nil {
		host = c.sock.RemoteAddr().String()
	}
	ep := net.JoinHostPort(host, strconv.Itoa(p.Port))
	c.mu.Lock()
	c.udpEndpoints[p.Media] = ep
	c.mu.Unlock()
	c.reply(msg, protocol.OK(protocol.Field("registered", p.Media)))
}

// udpEndpoint returns the recorded media endpoint for kind, or "".
func (c *conn) udpEndpoint(kind string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.udpEndpoints[kind]
}

// cleanup tears down a finished connection: leave the room, notify peers,
// end the session, and release the socket.
func (c *conn) cleanup(ctx context.Context, cause error) {
	user := c.Username()
	if user != "" {
		left, remaining := c.srv.registry.Unregister(user)
		if left != "" {
			notifyPeers(remaining, presenceNotice(protocol.TypeParticipantLeft, left, user))
		}
		// End is token-conditional: if the user already re-logged-in on a new
		// connection, its fresh session is left alone.
		c.srv.sessions.End(user, c.sessionToken())
		metrics.DecConnection()

		if cause != nil && !errors.Is(cause, errLogout) && !isClosedConn(cause) {
			logging.Warn(ctx, "Connection ended with error", zap.String("username", user), zap.Error(cause))
		} else {
			logging.Info(ctx, "User logged out", zap.String("username", user))
		}
	}

	c.srv.removeConn(c)
	c.shutdown()
}

// reply sends a response on this connection, copying the request's
// correlation id when present.
func (c *conn) reply(msg *protocol.Message, r protocol.Reply) {
	c.enqueue(outFrame{v: c.withID(msg, r), plain: c.sessionKey() == nil})
}

func (c *conn) withID(msg *protocol.Message, r protocol.Reply) protocol.Reply {
	if msg.ID != "" {
		r["id"] = msg.ID
	}
	return r
}

func presenceNotice(kind, roomName, user string) protocol.Reply {
	return protocol.Reply{"type": kind, "room": roomName, "user": user}
}

// forwarded rebuilds a relayed frame with the sender stamped on, leaving
// the payload bytes untouched.
func forwarded(kind, from string, payload json.RawMessage) protocol.Reply {
	return protocol.Reply{"type": kind, "from": from, "payload": payload}
}

func notifyPeers(peers []room.Peer, v any) {
	for _, p := range peers {
		p.Enqueue(v)
	}
}

func isClosedConn(err error) bool {
	return errors.Is(err, net.ErrClosed) || errors.Is(err, errLogout)
}
