package udp

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hphmeet/relay/internal/v1/logging"
	"github.com/hphmeet/relay/internal/v1/metrics"
	"github.com/hphmeet/relay/internal/v1/ratelimit"
)

const (
	// maxDatagram fits any media frame the clients produce; larger packets
	// are truncated by the kernel and then fail to parse.
	maxDatagram = 64 << 10

	// readTimeout bounds each blocking read so the loop notices Close and
	// the sweeper stays responsive.
	readTimeout = 1 * time.Second

	defaultLivenessWindow = 20 * time.Second
	defaultSweepInterval  = 10 * time.Second
)

// endpoint is one registered media source/sink, keyed by its UDP address.
type endpoint struct {
	addr     *net.UDPAddr
	user     string
	lastSeen time.Time
}

// Relay is one media-plane listener (voice or video). Membership is keyed
// by source address and refreshed by any well-formed packet; endpoints that
// stay silent past the liveness window are swept out.
type Relay struct {
	media   string
	limiter *ratelimit.Limiter
	conn    *net.UDPConn

	livenessWindow time.Duration
	sweepInterval  time.Duration

	mu     sync.Mutex
	rooms  map[string]map[string]*endpoint
	closed bool

	done chan struct{}
	wg   sync.WaitGroup
}

// NewRelay builds a relay for one media kind ("voice" or "video").
func NewRelay(media string, limiter *ratelimit.Limiter) *Relay {
	return &Relay{
		media:          media,
		limiter:        limiter,
		livenessWindow: defaultLivenessWindow,
		sweepInterval:  defaultSweepInterval,
		rooms:          make(map[string]map[string]*endpoint),
		done:           make(chan struct{}),
	}
}

// Listen binds the media port. A bind failure is fatal for the caller.
func (r *Relay) Listen(addr string) error {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return err
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return err
	}
	r.conn = conn
	logging.Info(context.Background(), "Media relay listening",
		zap.String("media", r.media), zap.String("addr", conn.LocalAddr().String()))
	return nil
}

// Addr returns the bound listener address. Valid after Listen.
func (r *Relay) Addr() net.Addr {
	return r.conn.LocalAddr()
}

// Serve runs the receive loop and the liveness sweeper until Close.
func (r *Relay) Serve() error {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.sweeper()
	}()
	defer r.wg.Wait()

	buf := make([]byte, maxDatagram)
	for {
		_ = r.conn.SetReadDeadline(time.Now().Add(readTimeout))
		n, src, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				if r.isClosed() {
					return nil
				}
				continue
			}
			if r.isClosed() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		r.handlePacket(buf[:n], src)
	}
}

// Close stops the relay and releases the socket. Safe to call once.
func (r *Relay) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	close(r.done)
	var err error
	if r.conn != nil {
		err = r.conn.Close()
	}
	r.wg.Wait()
	return err
}

func (r *Relay) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// handlePacket processes one datagram. Every anomaly is a silent drop;
// answering unauthenticated UDP would make the relay an amplifier.
func (r *Relay) handlePacket(buf []byte, src *net.UDPAddr) {
	pkt, err := Parse(buf)
	if err != nil {
		metrics.UDPPacketsDropped.WithLabelValues(r.media, "bad_packet").Inc()
		return
	}

	if pkt.Type == TypeLeave {
		r.remove(pkt.Room, src)
		return
	}

	// join, keepalive, and media frames all (re)register the source.
	r.register(pkt.Room, pkt.User, src)

	if !pkt.IsMedia() {
		return
	}

	if !r.limiter.AllowUDP(context.Background(), pkt.User) {
		metrics.UDPPacketsDropped.WithLabelValues(r.media, "rate_limit").Inc()
		return
	}
	r.fanOut(pkt.Room, src, buf)
}

// register refreshes (room, addr) membership. Re-registering under a new
// username takes the address over; the last packet wins.
func (r *Relay) register(roomName, user string, src *net.UDPAddr) {
	key := src.String()

	r.mu.Lock()
	members, ok := r.rooms[roomName]
	if !ok {
		members = make(map[string]*endpoint)
		r.rooms[roomName] = members
	}
	ep, ok := members[key]
	if !ok {
		ep = &endpoint{addr: src, user: user}
		members[key] = ep
		metrics.UDPEndpoints.WithLabelValues(r.media).Inc()
	}
	ep.user = user
	ep.lastSeen = time.Now()
	r.mu.Unlock()
}

func (r *Relay) remove(roomName string, src *net.UDPAddr) {
	r.mu.Lock()
	defer r.mu.Unlock()
	members, ok := r.rooms[roomName]
	if !ok {
		return
	}
	if _, ok := members[src.String()]; !ok {
		return
	}
	delete(members, src.String())
	metrics.UDPEndpoints.WithLabelValues(r.media).Dec()
	if len(members) == 0 {
		delete(r.rooms, roomName)
	}
}

// fanOut forwards the datagram verbatim to every room member except the
// source. The member set is snapshotted under the lock; sends happen
// outside it, and one peer's send error never interrupts the rest.
func (r *Relay) fanOut(roomName string, src *net.UDPAddr, datagram []byte) {
	srcKey := src.String()

	r.mu.Lock()
	members := r.rooms[roomName]
	targets := make([]*net.UDPAddr, 0, len(members))
	for key, ep := range members {
		if key != srcKey {
			targets = append(targets, ep.addr)
		}
	}
	r.mu.Unlock()

	for _, addr := range targets {
		if _, err := r.conn.WriteToUDP(datagram, addr); err != nil {
			metrics.UDPPacketsDropped.WithLabelValues(r.media, "send_error").Inc()
			continue
		}
		metrics.UDPPacketsRelayed.WithLabelValues(r.media).Inc()
	}
}

func (r *Relay) sweeper() {
	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			r.sweep(time.Now())
		}
	}
}

// sweep evicts endpoints that have been silent past the liveness window and
// discards rooms they leave empty.
func (r *Relay) sweep(now time.Time) {
	cutoff := now.Add(-r.livenessWindow)
	evicted := 0

	r.mu.Lock()
	for roomName, members := range r.rooms {
		for key, ep := range members {
			if ep.lastSeen.Before(cutoff) {
				delete(members, key)
				metrics.UDPEndpoints.WithLabelValues(r.media).Dec()
				evicted++
			}
		}
		if len(members) == 0 {
			delete(r.rooms, roomName)
		}
	}
	r.mu.Unlock()

	if evicted > 0 {
		logging.Info(context.Background(), "Swept stale media endpoints",
			zap.String("media", r.media), zap.Int("evicted", evicted))
	}
}
