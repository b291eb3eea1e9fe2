package main

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/parleychat/parley/internal/client"
)

// sessionHandlers bridges the session's push events into the program's
// event channel. Sends never block: once the interface has quit and the
// buffer filled, events are dropped instead of wedging the session's
// dispatcher goroutine, which would hang Close on exit.
func sessionHandlers(events chan tea.Msg) client.Handlers {
	return client.Handlers{
		OnRoomJoined: func(roomID int64, name string) {
			pushEvent(events, roomJoinedMsg{roomID: roomID, name: name})
		},
		OnRoomLeft: func(roomID int64, name string) {
			pushEvent(events, roomLeftMsg{roomID: roomID, name: name})
		},
		OnMessage: func(roomID, senderID int64, text string) {
			pushEvent(events, chatMsg{roomID: roomID, senderID: senderID, text: text})
		},
	}
}

func pushEvent(events chan tea.Msg, msg tea.Msg) {
	select {
	case events <- msg:
	default:
	}
}

// Messages fed into the program by the session's push handlers.
type (
	roomJoinedMsg struct {
		roomID int64
		name   string
	}
	roomLeftMsg struct {
		roomID int64
		name   string
	}
	chatMsg struct {
		roomID   int64
		senderID int64
		text     string
	}
	statusMsg string
	errMsg    struct{ err error }
)

var (
	systemStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#808080"))
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF5F5F"))
	roomStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#5FAFFF"))
	senderStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#5FFF87"))
)

const helpText = `Commands:
  /register <name> <key>        create an account
  /login <id> <key>             log in
  /logout                       log out
  /create <name>                create a room
  /add <roomID> <accountID>     add a member (host only)
  /remove <roomID> <accountID>  remove a member
  /leave <roomID>               leave a room
  /switch <roomID>              choose the room plain text goes to
  /rooms                        list joined rooms
  /quit
Anything else is sent to the current room.`

type modelState struct {
	session *client.Session
	events  chan tea.Msg

	viewport  viewport.Model
	textInput textinput.Model
	messages  []string
	ready     bool

	currentRoom int64
}

func initialModel(session *client.Session, events chan tea.Msg) modelState {
	ti := textinput.New()
	ti.Placeholder = "Type a message or /help..."
	ti.Focus()
	ti.CharLimit = 512

	return modelState{
		session:   session,
		events:    events,
		textInput: ti,
		messages:  []string{systemStyle.Render("Type /help for the command list.")},
	}
}

func (m modelState) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.waitForEvent())
}

// waitForEvent blocks on the session's push channel and resubscribes after
// every delivery.
func (m modelState) waitForEvent() tea.Cmd {
	return func() tea.Msg {
		return <-m.events
	}
}

func (m modelState) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var (
		tiCmd tea.Cmd
		vpCmd tea.Cmd
	)

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			return m, tea.Quit
		case tea.KeyEnter:
			line := strings.TrimSpace(m.textInput.Value())
			m.textInput.SetValue("")
			if line == "" {
				return m, nil
			}
			return m.handleInput(line)
		}

	case roomJoinedMsg:
		if m.currentRoom == 0 {
			m.currentRoom = msg.roomID
		}
		m.append(systemStyle.Render(fmt.Sprintf("Joined room %s (%d)", msg.name, msg.roomID)))
		return m, m.waitForEvent()

	case roomLeftMsg:
		if m.currentRoom == msg.roomID {
			m.currentRoom = 0
		}
		m.append(systemStyle.Render(fmt.Sprintf("Left room %s (%d)", msg.name, msg.roomID)))
		return m, m.waitForEvent()

	case chatMsg:
		m.append(fmt.Sprintf("%s %s %s",
			roomStyle.Render(fmt.Sprintf("[%d]", msg.roomID)),
			senderStyle.Render(fmt.Sprintf("<%d>", msg.senderID)),
			msg.text))
		return m, m.waitForEvent()

	case statusMsg:
		m.append(systemStyle.Render(string(msg)))
		return m, nil

	case errMsg:
		m.append(errorStyle.Render(msg.err.Error()))
		return m, nil

	case tea.WindowSizeMsg:
		footerHeight := 2
		if !m.ready {
			m.viewport = viewport.New(msg.Width, msg.Height-footerHeight)
			m.viewport.SetContent(strings.Join(m.messages, "\n"))
			m.ready = true
		} else {
			m.viewport.Width = msg.Width
			m.viewport.Height = msg.Height - footerHeight
		}
		m.textInput.Width = msg.Width
	}

	m.textInput, tiCmd = m.textInput.Update(msg)
	m.viewport, vpCmd = m.viewport.Update(msg)

	return m, tea.Batch(tiCmd, vpCmd)
}

func (m *modelState) append(line string) {
	m.messages = append(m.messages, line)
	if m.ready {
		m.viewport.SetContent(strings.Join(m.messages, "\n"))
		m.viewport.GotoBottom()
	}
}

// handleInput parses one line of input into either a slash command or a
// message to the current room. Session requests run as commands so the
// interface stays responsive while a request is in flight.
func (m modelState) handleInput(line string) (tea.Model, tea.Cmd) {
	if !strings.HasPrefix(line, "/") {
		if m.currentRoom == 0 {
			m.append(errorStyle.Render("No current room. /switch <roomID> first."))
			return m, nil
		}
		roomID := m.currentRoom
		m.append(fmt.Sprintf("%s %s %s",
			roomStyle.Render(fmt.Sprintf("[%d]", roomID)),
			senderStyle.Render("<you>"),
			line))
		return m, request(func() (string, error) {
			_, err := m.session.SendMessage(roomID, line)
			return "", err
		})
	}

	fields := strings.Fields(line)
	cmd, args := fields[0], fields[1:]

	switch cmd {
	case "/help":
		m.append(systemStyle.Render(helpText))
		return m, nil

	case "/register":
		if len(args) < 2 {
			m.append(errorStyle.Render("Usage: /register <name> <key>"))
			return m, nil
		}
		name := strings.Join(args[:len(args)-1], " ")
		key := args[len(args)-1]
		return m, request(func() (string, error) {
			id, err := m.session.Register(name, key)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("Registered %q as account %d. /login %d <key> to sign in.", name, id, id), nil
		})

	case "/login":
		if len(args) != 2 {
			m.append(errorStyle.Render("Usage: /login <id> <key>"))
			return m, nil
		}
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			m.append(errorStyle.Render("Account ID must be a number."))
			return m, nil
		}
		key := args[1]
		return m, request(func() (string, error) {
			if err := m.session.Login(id, key); err != nil {
				return "", err
			}
			return fmt.Sprintf("Logged in as %s (%d).", m.session.Name(), id), nil
		})

	case "/logout":
		return m, request(func() (string, error) {
			if err := m.session.Logout(); err != nil {
				return "", err
			}
			return "Logged out.", nil
		})

	case "/create":
		if len(args) == 0 {
			m.append(errorStyle.Render("Usage: /create <name>"))
			return m, nil
		}
		name := strings.Join(args, " ")
		return m, request(func() (string, error) {
			roomID, err := m.session.CreateRoom(name)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("Created room %q (%d).", name, roomID), nil
		})

	case "/add", "/remove":
		if len(args) != 2 {
			m.append(errorStyle.Render("Usage: " + cmd + " <roomID> <accountID>"))
			return m, nil
		}
		roomID, err1 := strconv.ParseInt(args[0], 10, 64)
		targetID, err2 := strconv.ParseInt(args[1], 10, 64)
		if err1 != nil || err2 != nil {
			m.append(errorStyle.Render("IDs must be numbers."))
			return m, nil
		}
		if cmd == "/add" {
			return m, request(func() (string, error) {
				if err := m.session.AddMember(roomID, targetID); err != nil {
					return "", err
				}
				return fmt.Sprintf("Added %d to room %d.", targetID, roomID), nil
			})
		}
		return m, request(func() (string, error) {
			if err := m.session.RemoveMember(roomID, targetID); err != nil {
				return "", err
			}
			return fmt.Sprintf("Removed %d from room %d.", targetID, roomID), nil
		})

	case "/leave":
		if len(args) != 1 {
			m.append(errorStyle.Render("Usage: /leave <roomID>"))
			return m, nil
		}
		roomID, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			m.append(errorStyle.Render("Room ID must be a number."))
			return m, nil
		}
		self := m.session.AccountID()
		return m, request(func() (string, error) {
			if err := m.session.RemoveMember(roomID, self); err != nil {
				return "", err
			}
			return fmt.Sprintf("Left room %d.", roomID), nil
		})

	case "/switch":
		if len(args) != 1 {
			m.append(errorStyle.Render("Usage: /switch <roomID>"))
			return m, nil
		}
		roomID, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			m.append(errorStyle.Render("Room ID must be a number."))
			return m, nil
		}
		if name, ok := m.session.Rooms()[roomID]; ok {
			m.currentRoom = roomID
			m.append(systemStyle.Render(fmt.Sprintf("Now talking in %s (%d).", name, roomID)))
		} else {
			m.append(errorStyle.Render(fmt.Sprintf("Not a member of room %d.", roomID)))
		}
		return m, nil

	case "/rooms":
		rooms := m.session.Rooms()
		if len(rooms) == 0 {
			m.append(systemStyle.Render("No rooms yet."))
			return m, nil
		}
		ids := make([]int64, 0, len(rooms))
		for id := range rooms {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		var b strings.Builder
		b.WriteString("Rooms:")
		for _, id := range ids {
			marker := " "
			if id == m.currentRoom {
				marker = "*"
			}
			fmt.Fprintf(&b, "\n %s %d  %s", marker, id, rooms[id])
		}
		m.append(systemStyle.Render(b.String()))
		return m, nil

	case "/quit":
		return m, tea.Quit

	default:
		m.append(errorStyle.Render("Unknown command. /help lists the commands."))
		return m, nil
	}
}

// request wraps a session call into a command. A non-empty result becomes
// a status line; errors are shown inline.
func request(fn func() (string, error)) tea.Cmd {
	return func() tea.Msg {
		result, err := fn()
		if err != nil {
			return errMsg{err: err}
		}
		if result == "" {
			return nil
		}
		return statusMsg(result)
	}
}

func (m modelState) View() string {
	if !m.ready {
		return "\n  Connecting..."
	}
	return fmt.Sprintf("%s\n%s\n%s",
		m.viewport.View(),
		strings.Repeat("─", max(m.viewport.Width, 1)),
		m.textInput.View(),
	)
}
