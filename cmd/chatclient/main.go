// Command chatclient is a terminal client for the Parley chat service.
//
// Slash commands drive the session:
//
//	/register <name> <key>   create an account
//	/login <id> <key>        log in
//	/logout                  log out
//	/create <name>           create a room
//	/add <roomID> <accountID>
//	/remove <roomID> <accountID>
//	/leave <roomID>
//	/switch <roomID>         choose the room plain text goes to
//	/rooms                   list joined rooms
//	/quit
//
// Anything else typed is sent as a message to the current room.
package main

import (
	"flag"
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/parleychat/parley/internal/client"
)

func main() {
	addr := flag.String("addr", "localhost:3490", "server address")
	flag.Parse()

	events := make(chan tea.Msg, 64)
	session := client.New(sessionHandlers(events))

	if err := session.Connect(*addr); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to connect to %s: %v\n", *addr, err)
		os.Exit(1)
	}
	if err := session.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start session: %v\n", err)
		os.Exit(1)
	}
	defer session.Close()

	p := tea.NewProgram(initialModel(session, events), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Alas, there's been an error: %v\n", err)
		os.Exit(1)
	}
}
