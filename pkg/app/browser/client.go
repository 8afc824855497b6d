// Package browser implements the content browsing personality and a content server.
package browser

import (
	"fmt"

	"github.com/busybox42/meshnode/pkg/app"
	"github.com/busybox42/meshnode/pkg/control"
	"github.com/busybox42/meshnode/pkg/node"
	"github.com/busybox42/meshnode/pkg/report"
	"github.com/busybox42/meshnode/pkg/types"
	"github.com/sirupsen/logrus"
)

// Files is reported when a server returned its file list.
type Files struct {
	Server types.NodeID `json:"server"`
	Files  []string     `json:"files"`
}

// File is reported when a server returned a text or media file.
type File struct {
	Server types.NodeID `json:"server"`
	Name   string       `json:"name"`
	Text   string       `json:"text,omitempty"`
	Data   []byte       `json:"data,omitempty"`
}

// Client is the browser personality.
type Client struct {
	*app.Base
}

func NewClient(core node.Core, log logrus.FieldLogger) *Client {
	return &Client{Base: app.NewBase(core, log)}
}

func (c *Client) HandleCommand(cmd control.Command) {
	if c.Base.HandleCommand(cmd) {
		return
	}
	switch cmd.Kind {
	case control.RequestFileList:
		c.Send(cmd.Node, app.Message{Kind: app.FileListRequest})
	case control.RequestTextFile:
		c.Send(cmd.Node, app.Message{Kind: app.TextFileRequest, File: cmd.File})
	case control.RequestMediaFile:
		c.Send(cmd.Node, app.Message{Kind: app.MediaFileRequest, File: cmd.File})
	default:
		c.Fail(string(cmd.Kind), fmt.Errorf("not supported by the browser"))
	}
}

func (c *Client) HandlePayload(src types.NodeID, payload []byte) {
	m, err := app.Decode(payload)
	if err != nil {
		c.Fail(fmt.Sprintf("payload from %d", src), err)
		return
	}
	if c.Base.HandleMessage(src, m) {
		return
	}

	id := c.Core.ID()
	switch m.Kind {
	case app.FileList:
		c.Core.Report(report.New(id, report.FileList).WithPeer(src).
			WithData(Files{Server: src, Files: m.Files}))
	case app.TextFile:
		c.Core.Report(report.New(id, report.TextFile).WithPeer(src).
			WithData(File{Server: src, Name: m.File, Text: m.Text}))
	case app.MediaFile:
		c.Log.Infof("Media %s from %d (%d bytes)", m.File, src, len(m.Data))
		c.Core.Report(report.New(id, report.MediaFile).WithPeer(src).
			WithData(File{Server: src, Name: m.File, Data: m.Data}))
	default:
		c.Log.Warnf("Unexpected %s from %d", m.Kind, src)
	}
}
