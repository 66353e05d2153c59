// Package room tracks rooms, their member sets, and the index of online
// clients. All mutation happens under one registry mutex held only for map
// operations, never across a network write; broadcasts snapshot the member
// set under the lock and enqueue outside it.
package room

import (
	"errors"
	"sort"
	"sync"

	"github.com/hphmeet/relay/internal/v1/metrics"
)

// Peer is the writer half of a connected client. Enqueue posts to the
// connection's outbox without blocking and reports whether the frame was
// accepted; a full outbox means the peer is slow and the frame is dropped.
type Peer interface {
	Username() string
	Enqueue(v any) bool
}

// Info is one row of a list_rooms reply.
type Info struct {
	Name    string `json:"name"`
	Members int    `json:"members"`
}

var (
	// ErrUserOnline rejects a second concurrent login for the same username.
	ErrUserOnline = errors.New("username in use")
	// ErrNotOwner rejects a kick from anyone but the room owner.
	ErrNotOwner = errors.New("only the room owner can kick")
	// ErrNotInRoom marks operations that need a current room.
	ErrNotInRoom = errors.New("not in a room")
	// ErrTargetNotInRoom marks a kick whose target is not a member.
	ErrTargetNotInRoom = errors.New("target is not in the room")
)

type roomState struct {
	owner   string
	members map[string]struct{}
}

// Registry owns room membership and the username -> connection index.
// Invariant: every username in any room's member set is present in the
// client index and maps back to that room in userRoom.
type Registry struct {
	mu       sync.Mutex
	clients  map[string]Peer
	rooms    map[string]*roomState
	userRoom map[string]string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		clients:  make(map[string]Peer),
		rooms:    make(map[string]*roomState),
		userRoom: make(map[string]string),
	}
}

// Register adds an authenticated connection to the client index. A second
// connection for an already-online username is rejected.
func (r *Registry) Register(p Peer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.clients[p.Username()]; ok {
		return ErrUserOnline
	}
	r.clients[p.Username()] = p
	return nil
}

// Online reports whether username has a registered connection.
func (r *Registry) Online(username string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.clients[username]
	return ok
}

// Peer resolves a username to its connection handle.
func (r *Registry) Peer(username string) (Peer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.clients[username]
	return p, ok
}

// Unregister removes a connection on disconnect, leaving its room if any.
// It returns the room the user left and the remaining peers so the caller
// can notify them outside the lock.
func (r *Registry) Unregister(username string) (left string, remaining []Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.clients[username]; !ok {
		return "", nil
	}
	left = r.leaveLocked(username)
	delete(r.clients, username)
	if left != "" {
		remaining = r.peersInLocked(left, "")
	}
	return left, remaining
}

// Create ensures a room exists. Idempotent; the first creator becomes owner.
func (r *Registry) Create(name, creator string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.createLocked(name, creator)
}

// Join moves username into room name, implicitly leaving any current room.
// It returns the new member list, the room that was implicitly left (empty
// if none), the peers remaining there, and whether membership actually
// changed. Rejoining the current room is a no-op and reports joined false so
// callers do not announce the user a second time.
func (r *Registry) Join(username, name string) (members []string, left string, leftPeers []Peer, joined bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.userRoom[username]; ok {
		if cur == name {
			return r.membersLocked(name), "", nil, false
		}
		left = r.leaveLocked(username)
		if left != "" {
			leftPeers = r.peersInLocked(left, "")
		}
	}

	state := r.createLocked(name, username)
	state.members[username] = struct{}{}
	r.userRoom[username] = name
	metrics.RoomMembers.WithLabelValues(name).Set(float64(len(state.members)))

	return r.membersLocked(name), left, leftPeers, true
}

// Leave removes username from its current room. The second leave in a row
// is a no-op.
func (r *Registry) Leave(username string) (left string, remaining []Peer, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	left = r.leaveLocked(username)
	if left == "" {
		return "", nil, false
	}
	return left, r.peersInLocked(left, ""), true
}

// Kick removes target from owner's current room. Only the owner may kick,
// the target must be a member, and the owner cannot kick themselves.
func (r *Registry) Kick(owner, target string) (room string, kicked Peer, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.userRoom[owner]
	if !ok {
		return "", nil, ErrNotInRoom
	}
	state := r.rooms[room]
	if state.owner != owner {
		return "", nil, ErrNotOwner
	}
	if target == owner {
		return "", nil, ErrTargetNotInRoom
	}
	if _, ok := state.members[target]; !ok {
		return "", nil, ErrTargetNotInRoom
	}

	r.leaveLocked(target)
	kicked = r.clients[target]
	return room, kicked, nil
}

// List returns every room with its member count, sorted by name.
func (r *Registry) List() []Info {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Info, 0, len(r.rooms))
	for name, state := range r.rooms {
		out = append(out, Info{Name: name, Members: len(state.members)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Members returns the sorted member list of a room.
func (r *Registry) Members(name string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.membersLocked(name)
}

// RoomOf returns the current room of username.
func (r *Registry) RoomOf(username string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name, ok := r.userRoom[username]
	return name, ok
}

// Owner returns the owner of a room, or "" if the room does not exist.
func (r *Registry) Owner(name string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if state, ok := r.rooms[name]; ok {
		return state.owner
	}
	return ""
}

// Broadcast fans a message out to every member of room except exclude.
// The member set is snapshotted under the lock; enqueueing happens outside
// it so a slow peer cannot stall room mutations. Returns the number of
// peers that accepted the frame.
func (r *Registry) Broadcast(room, exclude string, v any) int {
	r.mu.Lock()
	peers := r.peersInLocked(room, exclude)
	r.mu.Unlock()

	sent := 0
	for _, p := range peers {
		if p.Enqueue(v) {
			sent++
		} else {
			metrics.BroadcastDrops.Inc()
		}
	}
	return sent
}

// SendTo delivers a message to a single online user.
func (r *Registry) SendTo(username string, v any) bool {
	r.mu.Lock()
	p, ok := r.clients[username]
	r.mu.Unlock()
	if !ok {
		return false
	}
	if !p.Enqueue(v) {
		metrics.BroadcastDrops.Inc()
		return false
	}
	return true
}

// --- internal, registry lock held ---

func (r *Registry) createLocked(name, creator string) *roomState {
	state, ok := r.rooms[name]
	if !ok {
		state = &roomState{owner: creator, members: make(map[string]struct{})}
		r.rooms[name] = state
		metrics.ActiveRooms.Inc()
	}
	return state
}

// leaveLocked removes username from its room, hands off ownership if the
// owner left, and garbage-collects the room when empty. Returns the room
// name or "" if the user was not in one.
func (r *Registry) leaveLocked(username string) string {
	name, ok := r.userRoom[username]
	if !ok {
		return ""
	}
	delete(r.userRoom, username)

	state := r.rooms[name]
	delete(state.members, username)

	if len(state.members) == 0 {
		delete(r.rooms, name)
		metrics.ActiveRooms.Dec()
		metrics.RoomMembers.DeleteLabelValues(name)
		return name
	}

	if state.owner == username {
		for member := range state.members {
			state.owner = member
			break
		}
	}
	metrics.RoomMembers.WithLabelValues(name).Set(float64(len(state.members)))
	return name
}

func (r *Registry) membersLocked(name string) []string {
	state, ok := r.rooms[name]
	if !ok {
		return nil
	}
	members := make([]string, 0, len(state.members))
	for m := range state.members {
		members = append(members, m)
	}
	sort.Strings(members)
	return members
}

func (r *Registry) peersInLocked(name, exclude string) []Peer {
	state, ok := r.rooms[name]
	if !ok {
		return nil
	}
	peers := make([]Peer, 0, len(state.members))
	for member := range state.members {
		if member == exclude {
			continue
		}
		if p, ok := r.clients[member]; ok {
			peers = append(peers, p)
		}
	}
	return peers
}
