// Package config loads node and simulation files.
package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/busybox42/meshnode/internal/meshsim"
	"github.com/busybox42/meshnode/pkg/node"
	"github.com/busybox42/meshnode/pkg/types"
)

const (
	AppNone    = "none"
	AppChat    = "chat"
	AppBrowser = "browser"
)

// MQTT points at the broker used for events and remote commands.
type MQTT struct {
	Broker   string `yaml:"broker"`
	ClientID string `yaml:"client_id"`
}

// Journal configures the on-disk event journal.
type Journal struct {
	Path string `yaml:"path"`
	// Max bounds the number of stored events; zero keeps everything.
	Max int `yaml:"max"`
}

// Content is served by a browser server.
type Content struct {
	Text  map[string]string `yaml:"text"`
	Media map[string]string `yaml:"media"` // name to file path
}

// Node is one node's configuration file.
type Node struct {
	ID        types.NodeID            `yaml:"id"`
	Type      string                  `yaml:"type"`
	App       string                  `yaml:"app"`
	Listen    string                  `yaml:"listen"`
	Neighbors map[types.NodeID]string `yaml:"neighbors"`
	Socks     string                  `yaml:"socks"`
	Tor       bool                    `yaml:"tor"`
	MQTT      MQTT                    `yaml:"mqtt"`
	Journal   Journal                 `yaml:"journal"`
	Inspect   string                  `yaml:"inspect"`
	LogLevel  string                  `yaml:"log_level"`
	Content   Content                 `yaml:"content"`
	Policy    node.Policy             `yaml:"policy"`

	nodeType types.NodeType
}

// Default returns a client configuration with the default policy.
func Default() Node {
	return Node{
		Type:     types.Client.String(),
		App:      AppNone,
		Listen:   ":7000",
		LogLevel: "info",
		Policy:   node.DefaultPolicy(),
	}
}

// Load reads and validates a node file. Fields missing from the file keep
// their defaults.
func Load(path string) (Node, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Node{}, fmt.Errorf("failed to read config: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (Node, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Node{}, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Node{}, err
	}
	return cfg, nil
}

// Validate checks the file and resolves the node type.
func (c *Node) Validate() error {
	if c.ID == 0 {
		return errors.New("config: id is required")
	}
	t, err := types.ParseNodeType(c.Type)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if t == types.Drone {
		return errors.New("config: a node cannot be a drone")
	}
	c.nodeType = t

	switch c.App {
	case "", AppNone:
		c.App = AppNone
	case AppChat, AppBrowser:
	default:
		return fmt.Errorf("config: unknown app %q", c.App)
	}
	for id := range c.Neighbors {
		if id == c.ID {
			return fmt.Errorf("config: node %d lists itself as a neighbor", id)
		}
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.MQTT.Broker != "" && c.MQTT.ClientID == "" {
		c.MQTT.ClientID = fmt.Sprintf("meshnode-%d", c.ID)
	}
	return nil
}

// NodeType is valid after Validate.
func (c Node) NodeType() types.NodeType {
	return c.nodeType
}

func (c Node) Level() logrus.Level {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}

// LoadTopology reads a simulation file.
func LoadTopology(path string) (meshsim.Topology, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return meshsim.Topology{}, fmt.Errorf("failed to read topology: %w", err)
	}
	var t meshsim.Topology
	if err := yaml.Unmarshal(data, &t); err != nil {
		return meshsim.Topology{}, fmt.Errorf("failed to parse topology: %w", err)
	}
	if err := t.Resolve(); err != nil {
		return meshsim.Topology{}, err
	}
	return t, nil
}
