// Package app holds what the chat and browser applications share: the JSON
// message envelope exchanged with servers and the server-type exchange.
package app

import (
	"encoding/json"
	"fmt"

	"github.com/busybox42/meshnode/pkg/types"
)

// Kind tags an application message.
type Kind string

const (
	ServerTypeRequest Kind = "server_type_request"
	ServerTypeReply   Kind = "server_type"
	Error             Kind = "error"

	Register          Kind = "register"
	Registered        Kind = "registered"
	ClientListRequest Kind = "client_list_request"
	ClientList        Kind = "client_list"
	SendMessage       Kind = "send_message"
	MessageFrom       Kind = "message_from"
	MessageSent       Kind = "message_sent"

	FileListRequest  Kind = "file_list_request"
	FileList         Kind = "file_list"
	TextFileRequest  Kind = "text_file_request"
	TextFile         Kind = "text_file"
	MediaFileRequest Kind = "media_file_request"
	MediaFile        Kind = "media_file"
)

// ServerType is what a server tells about itself.
type ServerType string

const (
	ChatServer  ServerType = "chat"
	TextServer  ServerType = "text"
	MediaServer ServerType = "media"
)

// Message is the envelope carried as a fragmented payload.
type Message struct {
	Kind       Kind           `json:"kind"`
	From       types.NodeID   `json:"from,omitempty"`
	To         types.NodeID   `json:"to,omitempty"`
	Text       string         `json:"text,omitempty"`
	Clients    []types.NodeID `json:"clients,omitempty"`
	ServerType ServerType     `json:"server_type,omitempty"`
	File       string         `json:"file,omitempty"`
	Files      []string       `json:"files,omitempty"`
	Data       []byte         `json:"data,omitempty"`
}

func Encode(m Message) ([]byte, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.Kind, err)
	}
	return raw, nil
}

func Decode(raw []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(raw, &m); err != nil {
		return Message{}, fmt.Errorf("decode application message: %w", err)
	}
	if m.Kind == "" {
		return Message{}, fmt.Errorf("decode application message: missing kind")
	}
	return m, nil
}
