// Package registry owns every piece of chat state shared across
// connections: the session table, the username → chatroom directory, the
// per-room history logs, and the banned-address set.  One mutex guards all
// of it, so each exported operation is atomic with respect to every other
// connection's operations.
package registry

import (
	"errors"
	"log"
	"regexp"
	"sort"
	"sync"
	"time"

	"chatter/internal/creds"
	"chatter/internal/protocol"
)

// RoomAll is the default chatroom every new session starts in.
const RoomAll = "all"

var nameRE = regexp.MustCompile(`^[A-Za-z0-9]+$`)

// Operation failures reported back to the requesting client.
var (
	ErrUsernameTaken   = errors.New("username is taken")
	ErrAlreadyLoggedIn = errors.New("connection is already logged in")
	ErrInvalidUsername = errors.New("username must be alphanumeric")
	ErrMissingPassword = errors.New("admin name requires a password")
	ErrWrongPassword   = errors.New("wrong password")
	ErrNotLoggedIn     = errors.New("not logged in")
	ErrInvalidRoom     = errors.New("chatroom must be alphanumeric")
	ErrNotAdmin        = errors.New("not admin")
	ErrNoSuchUser      = errors.New("no such user")
)

// Peer is the outbound half of a connection.  Deliver must not block
// indefinitely: a peer that cannot accept an envelope returns an error and
// is treated as dead.  Close must be safe to call from any goroutine and
// more than once.
type Peer interface {
	Deliver(env protocol.Envelope) error
	RemoteHost() string
	Close() error
}

// Session is the live binding between a logged-in username and its peer.
type Session struct {
	Username string
	Peer     Peer
	Room     string
	LoginAt  time.Time
	Admin    bool
}

// Registry is the single coordination point for shared chat state.
type Registry struct {
	admins *creds.Store

	// mu is the coordination lock: every operation below that touches
	// sessions, byPeer, history, or banned holds it for its full duration.
	mu       sync.Mutex
	sessions map[string]*Session // username → session
	byPeer   map[Peer]*Session
	history  map[string][]protocol.Envelope // room → append-only log
	banned   map[string]struct{}            // remote host → banned
}

// New creates an empty Registry with the default room pre-created.
func New(admins *creds.Store) *Registry {
	return &Registry{
		admins:   admins,
		sessions: make(map[string]*Session),
		byPeer:   make(map[Peer]*Session),
		history:  map[string][]protocol.Envelope{RoomAll: {}},
		banned:   make(map[string]struct{}),
	}
}

// Login creates a session for username on p, bound to the default room.
// On success it returns the new session and the default room's history for
// replay.  Failures are checked in a fixed order: taken name, then
// duplicate connection, then name validity, then admin password checks.
func (r *Registry) Login(p Peer, username, password string) (*Session, []protocol.Envelope, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, taken := r.sessions[username]; taken {
		return nil, nil, ErrUsernameTaken
	}
	if _, dup := r.byPeer[p]; dup {
		return nil, nil, ErrAlreadyLoggedIn
	}
	if !nameRE.MatchString(username) {
		return nil, nil, ErrInvalidUsername
	}
	if r.admins.IsAdmin(username) {
		if password == "" {
			return nil, nil, ErrMissingPassword
		}
		if !r.admins.Verify(username, password) {
			return nil, nil, ErrWrongPassword
		}
	}

	sess := &Session{
		Username: username,
		Peer:     p,
		Room:     RoomAll,
		LoginAt:  time.Now(),
		Admin:    r.admins.IsAdmin(username),
	}
	r.sessions[username] = sess
	r.byPeer[p] = sess
	r.ensureRoomLocked(RoomAll)
	return sess, r.replayLocked(RoomAll), nil
}

// Logout removes p's session from every store and reports it back so the
// dispatcher can acknowledge before closing the connection.
func (r *Registry) Logout(p Peer) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.byPeer[p]
	if !ok {
		return nil, ErrNotLoggedIn
	}
	r.removeLocked(sess)
	return sess, nil
}

// Resolve reverse-maps a peer to its logged-in username.
func (r *Registry) Resolve(p Peer) (username string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.byPeer[p]
	if !ok {
		return "", false
	}
	return sess.Username, true
}

// Move switches p's session to room, creating the room's history log on
// first reference, and returns the room's history for replay.
func (r *Registry) Move(p Peer, room string) ([]protocol.Envelope, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.byPeer[p]
	if !ok {
		return nil, ErrNotLoggedIn
	}
	if !nameRE.MatchString(room) {
		return nil, ErrInvalidRoom
	}
	sess.Room = room
	r.ensureRoomLocked(room)
	return r.replayLocked(room), nil
}

// Names returns p's current room and its member list.
func (r *Registry) Names(p Peer) (room string, members []string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.byPeer[p]
	if !ok {
		return "", nil, ErrNotLoggedIn
	}
	return sess.Room, r.membersLocked(sess.Room), nil
}

// Members enumerates the usernames currently mapped to room.
func (r *Registry) Members(room string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.membersLocked(room)
}

// Replay returns room's full history log in insertion order.
func (r *Registry) Replay(room string) []protocol.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.replayLocked(room)
}

// Broadcast appends a chat message from p to its room's history and
// delivers it to every current member.  A member whose peer rejects the
// delivery is treated as dead: its session is removed and its connection
// closed, without aborting delivery to the remaining members.
func (r *Registry) Broadcast(p Peer, text string) (protocol.Envelope, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.byPeer[p]
	if !ok {
		return protocol.Envelope{}, ErrNotLoggedIn
	}

	env := protocol.NewMessage(sess.Username, text)
	r.ensureRoomLocked(sess.Room)
	r.history[sess.Room] = append(r.history[sess.Room], env)

	var dead []*Session
	for _, member := range r.sessions {
		if member.Room != sess.Room {
			continue
		}
		if err := member.Peer.Deliver(env); err != nil {
			dead = append(dead, member)
		}
	}
	for _, member := range dead {
		log.Printf("[registry] dropping dead session %q: delivery failed", member.Username)
		r.removeLocked(member)
		member.Peer.Close()
	}
	return env, nil
}

// Info snapshots p's session metadata for a control envelope.  All fields
// stay null when p has no session.
func (r *Registry) Info(p Peer) protocol.SessionInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.byPeer[p]
	if !ok {
		return protocol.SessionInfo{}
	}
	// Copies, not pointers into the session: the envelope is marshaled
	// after the lock is released.
	name := sess.Username
	room := sess.Room
	admin := sess.Admin
	loginTime := sess.LoginAt.Format(protocol.TimeLayout)
	elapsed := int(time.Since(sess.LoginAt).Seconds())
	return protocol.SessionInfo{
		Name:      &name,
		Names:     r.membersLocked(room),
		Chatroom:  &room,
		LoginTime: &loginTime,
		Elapsed:   &elapsed,
		Admin:     &admin,
	}
}

// Kick removes target's session on behalf of the admin logged in on p.
// With ban set, target's remote address is also added to the ban list.
// The target is notified, sent a final control envelope showing it is no
// longer logged in, and its connection is closed.
func (r *Registry) Kick(p Peer, target string, ban bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	caller, ok := r.byPeer[p]
	if !ok {
		return ErrNotLoggedIn
	}
	if !caller.Admin {
		return ErrNotAdmin
	}
	victim, ok := r.sessions[target]
	if !ok {
		return ErrNoSuchUser
	}

	verb := "kicked"
	if ban {
		r.banned[victim.Peer.RemoteHost()] = struct{}{}
		verb = "banned"
	}
	victim.Peer.Deliver(protocol.NewInfo("You were " + verb + " by " + caller.Username))
	r.removeLocked(victim)
	victim.Peer.Deliver(protocol.NewControl(protocol.SessionInfo{}))
	victim.Peer.Close()
	log.Printf("[registry] %s %s %q", caller.Username, verb, target)
	return nil
}

// Disconnect removes whatever session is bound to p, if any.  Used when a
// connection dies without a logout.
func (r *Registry) Disconnect(p Peer) (username string, had bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.byPeer[p]
	if !ok {
		return "", false
	}
	r.removeLocked(sess)
	return sess.Username, true
}

// IsBanned reports whether host is on the ban list.  Checked before any
// frame from a new connection is processed.
func (r *Registry) IsBanned(host string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, banned := r.banned[host]
	return banned
}

// --- locked helpers -------------------------------------------------------

func (r *Registry) removeLocked(sess *Session) {
	delete(r.sessions, sess.Username)
	delete(r.byPeer, sess.Peer)
}

func (r *Registry) ensureRoomLocked(room string) {
	if _, ok := r.history[room]; !ok {
		r.history[room] = []protocol.Envelope{}
	}
}

func (r *Registry) replayLocked(room string) []protocol.Envelope {
	logEntries := r.history[room]
	out := make([]protocol.Envelope, len(logEntries))
	copy(out, logEntries)
	return out
}

func (r *Registry) membersLocked(room string) []string {
	members := make([]string, 0, len(r.sessions))
	for name, sess := range r.sessions {
		if sess.Room == room {
			members = append(members, name)
		}
	}
	sort.Strings(members)
	return members
}
