// Chatter TUI client.
//
// Screens
// -------
//   stateLogin – centered login form (username + optional admin password)
//   stateChat  – full-screen chat with scrollable message viewport and a
//                session header fed by the server's control envelopes
//
// Concurrency
// -----------
//   A single goroutine reads the brace-delimited JSON stream from the TCP
//   connection through frame.Decoder and forwards each complete envelope
//   to the pkts channel.  The Bubbletea event loop consumes one envelope
//   at a time via waitForPkt (a tea.Cmd), immediately queuing the next
//   read after each envelope is processed.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"chatter/internal/frame"
	"chatter/internal/protocol"
)

// ---------------------------------------------------------------------------
// Styles
// ---------------------------------------------------------------------------

var (
	purple = lipgloss.Color("99")
	cyan   = lipgloss.Color("86")
	red    = lipgloss.Color("196")
	yellow = lipgloss.Color("220")
	gray   = lipgloss.Color("241")
	white  = lipgloss.Color("255")
	orange = lipgloss.Color("214")
	blue   = lipgloss.Color("75")

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Background(purple).
			Foreground(white).
			Padding(0, 1)

	footerBorderStyle = lipgloss.NewStyle().
				Border(lipgloss.NormalBorder(), true, false, false, false).
				BorderForeground(gray).
				Padding(0, 1)

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(purple).
			Padding(0, 2)

	labelStyle        = lipgloss.NewStyle().Foreground(gray).Width(10)
	focusedLabelStyle = lipgloss.NewStyle().Foreground(cyan).Width(10)
	hintStyle         = lipgloss.NewStyle().Foreground(gray).Italic(true)

	errorStyle  = lipgloss.NewStyle().Foreground(red)
	infoStyle   = lipgloss.NewStyle().Foreground(yellow).Italic(true)
	tsStyle     = lipgloss.NewStyle().Foreground(gray)
	myNameStyle = lipgloss.NewStyle().Bold(true).Foreground(orange)
	peerStyle   = lipgloss.NewStyle().Bold(true).Foreground(blue)
)

// ---------------------------------------------------------------------------
// Bubbletea message types
// ---------------------------------------------------------------------------

type serverEnvMsg []byte      // one complete envelope arrived from the server
type disconnectedMsg struct{} // server closed the connection
type infoTickMsg time.Time    // periodic session-info refresh

// envelope mirrors protocol.Envelope with raw content, so each response
// kind can decode its own content shape.
type envelope struct {
	Timestamp string                `json:"timestamp"`
	Sender    string                `json:"sender"`
	Response  protocol.ResponseKind `json:"response"`
	Content   json.RawMessage       `json:"content"`
}

// ---------------------------------------------------------------------------
// Application state
// ---------------------------------------------------------------------------

type appState int

const (
	stateLogin appState = iota
	stateChat
)

type model struct {
	conn net.Conn
	pkts chan []byte // reader goroutine → bubbletea bridge

	state appState
	me    string // logged-in username

	// Login form
	loginFocus  int
	loginFields [2]textinput.Model // [0]=username  [1]=password (admins only)
	statusMsg   string

	// Chat
	ready     bool
	viewport  viewport.Model
	chatInput textinput.Model
	chatLines []string

	// Session header, refreshed from control envelopes.
	room    string
	members []string
	isAdmin bool

	width, height int
}

func newModel(conn net.Conn, pkts chan []byte) model {
	uf := textinput.New()
	uf.Placeholder = "username"
	uf.Focus()
	uf.CharLimit = 32
	uf.Width = 32

	pf := textinput.New()
	pf.Placeholder = "password (admins only)"
	pf.EchoMode = textinput.EchoPassword
	pf.EchoCharacter = '•'
	pf.CharLimit = 64
	pf.Width = 32

	ci := textinput.New()
	ci.Placeholder = "Message, or /command (try /help)"
	ci.CharLimit = 500

	return model{
		conn:        conn,
		pkts:        pkts,
		state:       stateLogin,
		loginFields: [2]textinput.Model{uf, pf},
		chatInput:   ci,
	}
}

// ---------------------------------------------------------------------------
// Tea interface
// ---------------------------------------------------------------------------

func (m model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, waitForPkt(m.pkts), infoTick())
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		if !m.ready {
			m.viewport = viewport.New(msg.Width, m.vpHeight())
			m.ready = true
		} else {
			m.viewport.Width = msg.Width
			m.viewport.Height = m.vpHeight()
		}
		m.chatInput.Width = msg.Width - 4
		return m, nil

	case serverEnvMsg:
		m = m.handleServerEnv([]byte(msg))
		return m, waitForPkt(m.pkts)

	case disconnectedMsg:
		m.statusMsg = "disconnected from server"
		return m, tea.Quit

	case infoTickMsg:
		// Keep the session header fresh; only worthwhile once logged in.
		if m.state == stateChat {
			sendReq(m.conn, "info", nil, "")
		}
		return m, infoTick()

	case tea.KeyMsg:
		switch m.state {
		case stateLogin:
			return m.handleLoginKey(msg)
		case stateChat:
			return m.handleChatKey(msg)
		}
	}
	return m, nil
}

// vpHeight returns the number of lines available for the chat viewport.
func (m model) vpHeight() int {
	// header (1) + footer border (1) + footer input (1) = 3 lines reserved
	h := m.height - 3
	if h < 1 {
		h = 1
	}
	return h
}

// ---------------------------------------------------------------------------
// Key handlers
// ---------------------------------------------------------------------------

func (m model) handleLoginKey(msg tea.KeyMsg) (model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyCtrlC:
		return m, tea.Quit

	case tea.KeyTab, tea.KeyShiftTab:
		m.loginFocus = (m.loginFocus + 1) % 2
		for i := range m.loginFields {
			if i == m.loginFocus {
				m.loginFields[i].Focus()
			} else {
				m.loginFields[i].Blur()
			}
		}
		return m, textinput.Blink

	case tea.KeyEnter:
		user := strings.TrimSpace(m.loginFields[0].Value())
		pass := m.loginFields[1].Value()
		if user == "" {
			m.statusMsg = "username is required"
			return m, nil
		}
		m.me = user
		sendReq(m.conn, "login", &user, pass)
		m.statusMsg = "Logging in…"
		return m, nil
	}

	var cmd tea.Cmd
	m.loginFields[m.loginFocus], cmd = m.loginFields[m.loginFocus].Update(msg)
	return m, cmd
}

func (m model) handleChatKey(msg tea.KeyMsg) (model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyCtrlC, tea.KeyCtrlQ:
		sendReq(m.conn, "logout", nil, "")
		return m, tea.Quit

	case tea.KeyEnter:
		input := strings.TrimSpace(m.chatInput.Value())
		if input == "" {
			return m, nil
		}
		m.chatInput.Reset()
		if strings.HasPrefix(input, "/") {
			return m.runSlashCommand(input[1:])
		}
		sendReq(m.conn, "message", &input, "")
		return m, nil

	case tea.KeyPgUp:
		m.viewport.HalfViewUp()
		return m, nil

	case tea.KeyPgDown:
		m.viewport.HalfViewDown()
		return m, nil
	}

	var cmd tea.Cmd
	m.chatInput, cmd = m.chatInput.Update(msg)
	return m, cmd
}

// runSlashCommand maps "/name [argument]" onto a wire request.
func (m model) runSlashCommand(input string) (model, tea.Cmd) {
	words := strings.Fields(input)
	if len(words) == 0 {
		return m, nil
	}
	name := words[0]
	switch len(words) {
	case 1:
		sendReq(m.conn, name, nil, "")
		if name == "logout" {
			return m, tea.Quit
		}
	case 2:
		sendReq(m.conn, name, &words[1], "")
	default:
		// Multi-word argument: everything after the command name.
		arg := strings.Join(words[1:], " ")
		sendReq(m.conn, name, &arg, "")
	}
	return m, nil
}

// ---------------------------------------------------------------------------
// Server envelope handler
// ---------------------------------------------------------------------------

func (m model) handleServerEnv(data []byte) model {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return m
	}

	switch env.Response {

	case protocol.KindMessage:
		var text string
		if err := json.Unmarshal(env.Content, &text); err != nil {
			return m
		}
		m.appendChat(m.renderMessage(env.Timestamp, env.Sender, text))

	case protocol.KindInfo:
		var text string
		if err := json.Unmarshal(env.Content, &text); err != nil {
			return m
		}
		if m.state == stateLogin {
			if strings.Contains(text, "successfully logged in") {
				m.state = stateChat
				m.chatInput.Focus()
				m.isAdmin = strings.HasPrefix(text, "[ADMIN]")
				m.appendChat(infoStyle.Render("⚡ " + text))
				sendReq(m.conn, "info", nil, "")
				return m
			}
			m.statusMsg = text
			return m
		}
		m.appendChat(infoStyle.Render("⚡ " + text))

	case protocol.KindError:
		var text string
		if err := json.Unmarshal(env.Content, &text); err != nil {
			return m
		}
		if m.state == stateLogin {
			m.statusMsg = text
			return m
		}
		m.appendChat(errorStyle.Render("⚠ " + text))

	case protocol.KindHistory:
		var msgs []envelope
		if err := json.Unmarshal(env.Content, &msgs); err != nil {
			return m
		}
		// A history envelope replaces the transcript: it arrives on
		// login and on every room switch.
		m.chatLines = nil
		for _, h := range msgs {
			var text string
			if err := json.Unmarshal(h.Content, &text); err != nil {
				continue
			}
			m.chatLines = append(m.chatLines, m.renderMessage(h.Timestamp, h.Sender, text))
		}
		m.refreshViewport()

	case protocol.KindControl:
		var info protocol.SessionInfo
		if err := json.Unmarshal(env.Content, &info); err != nil {
			return m
		}
		if info.Name == nil {
			// Logged out (possibly kicked); back to the login form.
			m.state = stateLogin
			m.statusMsg = "session ended"
			return m
		}
		if info.Chatroom != nil {
			m.room = *info.Chatroom
		}
		m.members = info.Names
		if info.Admin != nil {
			m.isAdmin = *info.Admin
		}
	}
	return m
}

// renderMessage formats one chat line: dim clock, highlighted sender.
func (m model) renderMessage(timestamp, sender, text string) string {
	clock := timestamp
	if len(clock) > 11 {
		clock = clock[11:]
	}
	ts := tsStyle.Render("[" + clock + "]")
	name := peerStyle.Render(sender)
	if sender == m.me {
		name = myNameStyle.Render(sender)
	}
	return ts + " " + name + ": " + text
}

// appendChat adds a rendered line and scrolls the viewport to the bottom.
func (m *model) appendChat(line string) {
	m.chatLines = append(m.chatLines, line)
	m.refreshViewport()
}

func (m *model) refreshViewport() {
	if !m.ready {
		return
	}
	m.viewport.SetContent(strings.Join(m.chatLines, "\n"))
	m.viewport.GotoBottom()
}

// ---------------------------------------------------------------------------
// Views
// ---------------------------------------------------------------------------

func (m model) View() string {
	if m.state == stateLogin {
		return m.viewLogin()
	}
	return m.viewChat()
}

func (m model) viewLogin() string {
	if m.width == 0 {
		return "\n  Connecting to server…"
	}

	title := titleStyle.Render("  Chatter  ")

	renderField := func(label string, f textinput.Model, focused bool) string {
		lbl := labelStyle.Render(label)
		if focused {
			lbl = focusedLabelStyle.Render(label)
		}
		return lbl + "  " + f.View()
	}

	form := lipgloss.JoinVertical(lipgloss.Left,
		title,
		"",
		renderField("Username", m.loginFields[0], m.loginFocus == 0),
		renderField("Password", m.loginFields[1], m.loginFocus == 1),
		"",
		hintStyle.Render("Tab: switch field   Enter: login   Ctrl+C: quit"),
		"",
		m.renderStatus(),
	)

	return lipgloss.Place(m.width, m.height, lipgloss.Center, lipgloss.Center, form)
}

func (m model) viewChat() string {
	if !m.ready {
		return "\n  Connecting…"
	}

	who := m.me
	if m.isAdmin {
		who += " (admin)"
	}
	room := m.room
	if room == "" {
		room = "all"
	}
	hdr := headerStyle.
		Width(m.width).
		Render(fmt.Sprintf(" Chatter  ·  %s  ·  #%s  ·  %d here  ·  /help for commands  Ctrl+C: quit",
			who, room, len(m.members)))

	footer := footerBorderStyle.
		Width(m.width - 2).
		Render(m.chatInput.View())

	return lipgloss.JoinVertical(lipgloss.Left, hdr, m.viewport.View(), footer)
}

func (m model) renderStatus() string {
	if m.statusMsg == "" {
		return ""
	}
	if strings.Contains(m.statusMsg, "Logging in") {
		return hintStyle.Render(m.statusMsg)
	}
	return errorStyle.Render(m.statusMsg)
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// waitForPkt returns a tea.Cmd that blocks until the next envelope arrives.
// When ch is closed (server disconnected), it returns disconnectedMsg.
func waitForPkt(ch <-chan []byte) tea.Cmd {
	return func() tea.Msg {
		data, ok := <-ch
		if !ok {
			return disconnectedMsg{}
		}
		return serverEnvMsg(data)
	}
}

func infoTick() tea.Cmd {
	return tea.Tick(5*time.Second, func(t time.Time) tea.Msg {
		return infoTickMsg(t)
	})
}

// sendReq writes one request object to conn.  content nil encodes as JSON
// null; password is only sent when non-empty.
func sendReq(conn net.Conn, name string, content *string, password string) {
	req := map[string]any{
		"request": name,
		"content": content,
	}
	if password != "" {
		req["password"] = password
	}
	data, err := json.Marshal(req)
	if err != nil {
		return
	}
	conn.Write(data)
}

// ---------------------------------------------------------------------------
// Main
// ---------------------------------------------------------------------------

func main() {
	addr := flag.String("addr", "localhost:9998", "server address")
	flag.Parse()

	conn, err := net.Dial("tcp", *addr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect: %v\n", err)
		os.Exit(1)
	}
	defer conn.Close()

	// pkts bridges the TCP reader goroutine and the Bubbletea event loop.
	pkts := make(chan []byte, 64)

	// Reader goroutine: TCP → frame decoder → pkts channel.  The wire has
	// no delimiter between envelopes, so the same brace-matching decoder
	// the server uses does the splitting here.
	go func() {
		defer close(pkts)
		var dec frame.Decoder
		buf := make([]byte, 4096)
		for {
			n, err := conn.Read(buf)
			if n > 0 {
				dec.Feed(buf[:n])
				for {
					span, ok := dec.Next()
					if !ok {
						break
					}
					pkts <- span
				}
			}
			if err != nil {
				return
			}
		}
	}()

	p := tea.NewProgram(
		newModel(conn, pkts),
		tea.WithAltScreen(),
		tea.WithMouseCellMotion(),
	)
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
