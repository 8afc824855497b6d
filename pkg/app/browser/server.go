package browser

import (
	"fmt"
	"sort"

	"github.com/busybox42/meshnode/pkg/app"
	"github.com/busybox42/meshnode/pkg/control"
	"github.com/busybox42/meshnode/pkg/node"
	"github.com/busybox42/meshnode/pkg/types"
	"github.com/sirupsen/logrus"
)

// Server serves text and media files from memory. Its announced type is media
// when it holds any media file and text otherwise.
type Server struct {
	core  node.Core
	log   logrus.FieldLogger
	text  map[string]string
	media map[string][]byte
}

func NewServer(core node.Core, log logrus.FieldLogger, text map[string]string, media map[string][]byte) *Server {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if text == nil {
		text = map[string]string{}
	}
	if media == nil {
		media = map[string][]byte{}
	}
	return &Server{
		core:  core,
		log:   log.WithFields(logrus.Fields{"node": core.ID(), "component": "content-server"}),
		text:  text,
		media: media,
	}
}

func (s *Server) kind() app.ServerType {
	if len(s.media) > 0 {
		return app.MediaServer
	}
	return app.TextServer
}

func (s *Server) files() []string {
	names := make([]string, 0, len(s.text)+len(s.media))
	for name := range s.text {
		names = append(names, name)
	}
	for name := range s.media {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
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

func (s *Server) HandlePayload(src types.NodeID, payload []byte) {
	m, err := app.Decode(payload)
	if err != nil {
		s.log.WithError(err).Warnf("Bad request from %d", src)
		return
	}

	switch m.Kind {
	case app.ServerTypeRequest:
		s.reply(src, app.Message{Kind: app.ServerTypeReply, ServerType: s.kind()})
	case app.FileListRequest:
		s.reply(src, app.Message{Kind: app.FileList, Files: s.files()})
	case app.TextFileRequest:
		text, ok := s.text[m.File]
		if !ok {
			s.reply(src, app.Message{Kind: app.Error, Text: fmt.Sprintf("no text file %q", m.File)})
			return
		}
		s.reply(src, app.Message{Kind: app.TextFile, File: m.File, Text: text})
	case app.MediaFileRequest:
		data, ok := s.media[m.File]
		if !ok {
			s.reply(src, app.Message{Kind: app.Error, Text: fmt.Sprintf("no media file %q", m.File)})
			return
		}
		s.reply(src, app.Message{Kind: app.MediaFile, File: m.File, Data: data})
	default:
		s.reply(src, app.Message{Kind: app.Error, Text: fmt.Sprintf("unsupported request %s", m.Kind)})
	}
}

func (s *Server) HandleCommand(cmd control.Command) {
	s.log.Debugf("Ignoring command %s", cmd.Kind)
}
