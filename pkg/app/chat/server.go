package chat

import (
	"fmt"
	"sort"

	"github.com/busybox42/meshnode/pkg/app"
	"github.com/busybox42/meshnode/pkg/control"
	"github.com/busybox42/meshnode/pkg/node"
	"github.com/busybox42/meshnode/pkg/types"
	"github.com/sirupsen/logrus"
)

// Server relays chat messages between registered clients.
type Server struct {
	core    node.Core
	log     logrus.FieldLogger
	clients map[types.NodeID]bool
}

func NewServer(core node.Core, log logrus.FieldLogger) *Server {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Server{
		core:    core,
		log:     log.WithFields(logrus.Fields{"node": core.ID(), "component": "chat-server"}),
		clients: make(map[types.NodeID]bool),
	}
}

func (s *Server) reply(dst types.NodeID, m app.Message) {
	raw, err := app.Encode(m)
	if err != nil {
		s.log.WithError(err).Warn("Reply not sent")
		return
	}
	s.core.Send(dst, raw).OnDone(func(err error) {
		if err != nil {
			s.log.WithError(err).Warnf("%s to %d not delivered", m.Kind, dst)
		}
	})
}

func (s *Server) registeredClients() []types.NodeID {
	ids := make([]types.NodeID, 0, len(s.clients))
	for id := range s.clients {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (s *Server) HandlePayload(src types.NodeID, payload []byte) {
	m, err := app.Decode(payload)
	if err != nil {
		s.log.WithError(err).Warnf("Bad request from %d", src)
		return
	}

	switch m.Kind {
	case app.ServerTypeRequest:
		s.reply(src, app.Message{Kind: app.ServerTypeReply, ServerType: app.ChatServer})
	case app.Register:
		s.clients[src] = true
		s.log.Infof("Client %d registered", src)
		s.reply(src, app.Message{Kind: app.Registered})
	case app.ClientListRequest:
		s.reply(src, app.Message{Kind: app.ClientList, Clients: s.registeredClients()})
	case app.SendMessage:
		if !s.clients[src] {
			s.reply(src, app.Message{Kind: app.Error, Text: fmt.Sprintf("client %d is not registered", src)})
			return
		}
		if !s.clients[m.To] {
			s.reply(src, app.Message{Kind: app.Error, Text: fmt.Sprintf("client %d is not registered", m.To)})
			return
		}
		s.reply(m.To, app.Message{Kind: app.MessageFrom, From: src, Text: m.Text})
		s.reply(src, app.Message{Kind: app.MessageSent})
	default:
		s.reply(src, app.Message{Kind: app.Error, Text: fmt.Sprintf("unsupported request %s", m.Kind)})
	}
}

func (s *Server) HandleCommand(cmd control.Command) {
	s.log.Debugf("Ignoring command %s", cmd.Kind)
}
