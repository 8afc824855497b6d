// Package control defines the commands a controller sends to a node.
package control

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/busybox42/meshnode/pkg/types"
)

// Kind names a controller command.
type Kind string

const (
	// handled by the node core
	FloodRequest Kind = "flood_request"
	Topology     Kind = "topology"
	Status       Kind = "status"
	AddSender    Kind = "add_sender"
	RemoveSender Kind = "remove_sender"
	Shutdown     Kind = "shutdown"

	// handled by the personality
	Register          Kind = "register"
	ClientList        Kind = "client_list"
	SendMessage       Kind = "send_message"
	KnownServers      Kind = "known_servers"
	RegisteredServers Kind = "registered_servers"
	RequestServerType Kind = "request_server_type"
	RequestFileList   Kind = "request_file_list"
	RequestTextFile   Kind = "request_text_file"
	RequestMediaFile  Kind = "request_media_file"
)

// Core reports whether the command is handled by the transport core rather than
// by the personality.
func (k Kind) Core() bool {
	switch k {
	case FloodRequest, Topology, Status, AddSender, RemoveSender, Shutdown:
		return true
	}
	return false
}

// Command is one controller instruction. Only the fields relevant to Kind are set.
type Command struct {
	Kind Kind `json:"kind"`
	// Node is the neighbor for sender commands and the server for application commands.
	Node types.NodeID `json:"node,omitempty"`
	// To is the recipient client of a chat message.
	To   types.NodeID `json:"to,omitempty"`
	Text string       `json:"text,omitempty"`
	File string       `json:"file,omitempty"`
	// Link is the outbound channel for AddSender. When nil the node dials the
	// neighbor itself.
	Link chan<- []byte `json:"-"`
}

func (c Command) String() string {
	var b strings.Builder
	b.WriteString(string(c.Kind))
	if c.Node != 0 {
		fmt.Fprintf(&b, " node=%d", c.Node)
	}
	if c.To != 0 {
		fmt.Fprintf(&b, " to=%d", c.To)
	}
	if c.File != "" {
		fmt.Fprintf(&b, " file=%s", c.File)
	}
	return b.String()
}

// Usage lists the textual command forms accepted by Parse.
const Usage = `  flood                          - Start topology discovery
  topology                       - Show the known topology
  status                         - Show node status
  connect <id>                   - Add a neighbor link
  disconnect <id>                - Remove a neighbor link
  servers                        - List known servers
  type <server>                  - Ask a server for its type
  register <server>              - Register with a chat server
  registered                     - List chat servers we registered with
  clients <server>               - List clients of a chat server
  msg <server> <client> <text>   - Send a chat message
  files <server>                 - List files of a content server
  text <server> <file>           - Fetch a text file
  media <server> <file>          - Fetch a media file
  shutdown                       - Stop the node`

// Parse reads a console line such as "msg 9 4 hello there".
func Parse(line string) (Command, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return Command{}, fmt.Errorf("empty command")
	}
	name, args := fields[0], fields[1:]

	var cmd Command
	var want int
	switch name {
	case "flood":
		cmd.Kind = FloodRequest
	case "topology":
		cmd.Kind = Topology
	case "status":
		cmd.Kind = Status
	case "connect":
		cmd.Kind, want = AddSender, 1
	case "disconnect":
		cmd.Kind, want = RemoveSender, 1
	case "servers":
		cmd.Kind = KnownServers
	case "type":
		cmd.Kind, want = RequestServerType, 1
	case "register":
		cmd.Kind, want = Register, 1
	case "registered":
		cmd.Kind = RegisteredServers
	case "clients":
		cmd.Kind, want = ClientList, 1
	case "msg":
		cmd.Kind, want = SendMessage, 3
	case "files":
		cmd.Kind, want = RequestFileList, 1
	case "text":
		cmd.Kind, want = RequestTextFile, 2
	case "media":
		cmd.Kind, want = RequestMediaFile, 2
	case "shutdown", "exit":
		cmd.Kind = Shutdown
	default:
		return Command{}, fmt.Errorf("unknown command %q", name)
	}

	if len(args) < want {
		return Command{}, fmt.Errorf("%s: expected %d arguments, got %d", name, want, len(args))
	}
	if want == 0 {
		return cmd, nil
	}

	id, err := parseID(args[0])
	if err != nil {
		return Command{}, fmt.Errorf("%s: %w", name, err)
	}
	cmd.Node = id

	switch cmd.Kind {
	case SendMessage:
		to, err := parseID(args[1])
		if err != nil {
			return Command{}, fmt.Errorf("%s: %w", name, err)
		}
		cmd.To = to
		cmd.Text = strings.Join(args[2:], " ")
	case RequestTextFile, RequestMediaFile:
		cmd.File = args[1]
	}
	return cmd, nil
}

func parseID(s string) (types.NodeID, error) {
	v, err := strconv.ParseUint(s, 10, 8)
	if err != nil {
		return 0, fmt.Errorf("invalid node id %q", s)
	}
	return types.NodeID(v), nil
}
