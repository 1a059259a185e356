package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"

	"chatter/internal/protocol"
	"chatter/internal/registry"
)

// argKind is the expected JSON type of a request's content field.
type argKind int

const (
	argNone   argKind = iota // content must be absent or null
	argString                // content must be a string
)

// commandArgs is the full command set and the content shape each command
// requires.  Requests outside this table are answered with the help text.
var commandArgs = map[string]argKind{
	"login":    argString,
	"logout":   argNone,
	"names":    argNone,
	"message":  argString,
	"chatroom": argString,
	"help":     argNone,
	"info":     argNone,
	"kick":     argString,
	"ban":      argString,
}

const helpText = `This server supports requests in the following format:
1. login(user name) - attempts to log in with user name
2. logout() - logs the user out
3. message(message) - sends message to everyone in chat room
4. names() - lists all users in chatroom
5. chatroom(chatroom name) - changes chatroom to chatroom name
6. help() - shows help
7. info() - session information
8. kick(user name) - admin only: disconnects user name
9. ban(user name) - admin only: disconnects and bans user name's address`

// dispatch parses one frame and runs the matching command.  It returns
// true when the connection has reached its terminal state (logout) and the
// read loop should stop.  A panic inside a single command is contained
// here: the sender gets a generic error and the connection stays open.
func (s *Server) dispatch(p registry.Peer, span []byte) (done bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[server] panic handling request: %v", r)
			sendError(p, "Sorry, something went wrong handling that request")
			done = false
		}
	}()

	var req protocol.Request
	if err := json.Unmarshal(span, &req); err != nil {
		// One bad frame does not cost the connection.
		log.Printf("[server] dropping malformed frame: %v", err)
		return false
	}

	name := req.Request
	kind, known := commandArgs[name]
	if !known {
		// Unknown requests get the usage summary.
		sendInfo(p, helpText)
		return false
	}

	if _, err := req.PasswordString(); err != nil {
		sendError(p, "Invalid argument for request "+name)
		return false
	}
	switch kind {
	case argString:
		if _, err := req.ContentString(); err != nil {
			sendError(p, "Invalid argument for request "+name)
			return false
		}
	case argNone:
		if !req.ContentIsNull() {
			sendError(p, "Invalid argument for request "+name)
			return false
		}
	}

	switch name {
	case "login":
		username, _ := req.ContentString()
		password, _ := req.PasswordString()
		s.handleLogin(p, username, password)
	case "logout":
		return s.handleLogout(p)
	case "names":
		s.handleNames(p)
	case "message":
		text, _ := req.ContentString()
		s.handleMessage(p, text)
	case "chatroom":
		room, _ := req.ContentString()
		s.handleChatroom(p, room)
	case "help":
		sendInfo(p, helpText)
	case "info":
		s.handleInfo(p)
	case "kick":
		target, _ := req.ContentString()
		s.handleKick(p, target, false)
	case "ban":
		target, _ := req.ContentString()
		s.handleKick(p, target, true)
	}
	return false
}

func (s *Server) handleLogin(p registry.Peer, username, password string) {
	sess, replay, err := s.reg.Login(p, username, password)
	if err != nil {
		if errors.Is(err, registry.ErrMissingPassword) {
			sendError(p, "Sorry, "+username+" is an admin name, but you provided no password")
			return
		}
		sendError(p, loginErrText(err))
		return
	}
	prefix := ""
	if sess.Admin {
		prefix = "[ADMIN] "
	}
	sendInfo(p, prefix+"You're successfully logged in, "+username)
	p.Deliver(protocol.NewHistory(replay))
	log.Printf("[server] login %q (admin=%v)", username, sess.Admin)
}

func (s *Server) handleLogout(p registry.Peer) bool {
	sess, err := s.reg.Logout(p)
	if err != nil {
		sendError(p, "Sorry, you're not logged in")
		return false
	}
	sendInfo(p, "You're successfully logged out")
	p.Close()
	log.Printf("[server] logout %q", sess.Username)
	return true
}

func (s *Server) handleNames(p registry.Peer) {
	room, members, err := s.reg.Names(p)
	if err != nil {
		sendError(p, "Sorry, you're not logged in")
		return
	}
	sendInfo(p, "Currently in "+room+":\n"+strings.Join(members, "\n"))
}

func (s *Server) handleMessage(p registry.Peer, text string) {
	if _, err := s.reg.Broadcast(p, text); err != nil {
		sendError(p, "Sorry, you're not logged in")
	}
}

func (s *Server) handleChatroom(p registry.Peer, room string) {
	replay, err := s.reg.Move(p, room)
	if err != nil {
		if errors.Is(err, registry.ErrInvalidRoom) {
			sendError(p, "Sorry, chatroom must be alphanumeric")
		} else {
			sendError(p, "Sorry, you're not logged in")
		}
		return
	}
	sendInfo(p, "Successfully changed room to "+room)
	p.Deliver(protocol.NewHistory(replay))
}

func (s *Server) handleInfo(p registry.Peer) {
	p.Deliver(protocol.NewControl(s.reg.Info(p)))
}

func (s *Server) handleKick(p registry.Peer, target string, ban bool) {
	err := s.reg.Kick(p, target, ban)
	switch {
	case err == nil:
	case errors.Is(err, registry.ErrNotLoggedIn):
		sendError(p, "Sorry, you're not logged in")
	case errors.Is(err, registry.ErrNotAdmin):
		sendError(p, "Sorry, you're not admin")
	case errors.Is(err, registry.ErrNoSuchUser):
		sendError(p, fmt.Sprintf("Sorry, there is no user %q", target))
	default:
		sendError(p, "Sorry, something went wrong handling that request")
	}
}

func loginErrText(err error) string {
	switch {
	case errors.Is(err, registry.ErrUsernameTaken):
		return "Sorry, username is taken. Try again"
	case errors.Is(err, registry.ErrAlreadyLoggedIn):
		return "Sorry, you're already logged in"
	case errors.Is(err, registry.ErrInvalidUsername):
		return "Sorry, username must be alphanumeric"
	case errors.Is(err, registry.ErrWrongPassword):
		return "Sorry, wrong password"
	default:
		return "Sorry, something went wrong handling that request"
	}
}

// sendInfo and sendError best-effort deliver a notice to p.  Delivery
// failures are ignored here; a dead peer surfaces on its own read loop.
func sendInfo(p registry.Peer, text string) {
	p.Deliver(protocol.NewInfo(text))
}

func sendError(p registry.Peer, text string) {
	p.Deliver(protocol.NewError(text))
}
