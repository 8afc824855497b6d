package commands

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/busybox42/meshnode/internal/config"
	"github.com/busybox42/meshnode/pkg/app/browser"
	"github.com/busybox42/meshnode/pkg/app/chat"
	"github.com/busybox42/meshnode/pkg/node"
	"github.com/busybox42/meshnode/pkg/types"
)

// personality builds the application for an endpoint. It returns nil for
// nodes without an application.
func personality(n *node.Node, t types.NodeType, app string, content config.Content, log logrus.FieldLogger) (node.Personality, error) {
	switch app {
	case "", config.AppNone:
		return nil, nil
	case config.AppChat:
		if t == types.Server {
			return chat.NewServer(n, log), nil
		}
		return chat.NewClient(n, log), nil
	case config.AppBrowser:
		if t != types.Server {
			return browser.NewClient(n, log), nil
		}
		media := make(map[string][]byte, len(content.Media))
		for name, path := range content.Media {
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("media %s: %w", name, err)
			}
			media[name] = data
		}
		return browser.NewServer(n, log, content.Text, media), nil
	}
	return nil, fmt.Errorf("unknown app %q", app)
}
