package commands

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/busybox42/meshnode/pkg/control"
	"github.com/busybox42/meshnode/pkg/report"
)

const prompt = "meshnode> "

// console is the interactive prompt. submit hands a parsed command to a node.
type console struct {
	in     io.Reader
	out    io.Writer
	mu     sync.Mutex
	submit func(control.Command) error
}

func newConsole(in io.Reader, out io.Writer, submit func(control.Command) error) *console {
	return &console{in: in, out: out, submit: submit}
}

func (c *console) printf(format string, args ...interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}

// run reads commands until the input ends or a shutdown is submitted.
func (c *console) run() error {
	scanner := bufio.NewScanner(c.in)
	c.printf("%s", prompt)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
		case "help":
			c.printf("Available commands:\n%s\n  help                           - Show this help message\n", control.Usage)
		default:
			cmd, err := control.Parse(line)
			if err != nil {
				c.printf("%v. Type 'help' for usage.\n", err)
				break
			}
			if err := c.submit(cmd); err != nil {
				c.printf("Failed to submit %s: %v\n", cmd.Kind, err)
				break
			}
			if cmd.Kind == control.Shutdown {
				return nil
			}
		}
		c.printf("%s", prompt)
	}
	return scanner.Err()
}

// Write prints an event above the prompt. It makes the console a report.Sink.
func (c *console) Write(e report.Event) error {
	var b strings.Builder
	fmt.Fprintf(&b, "\r[%s] %s", e.Time.Local().Format("15:04:05"), e.Kind)
	if e.Peer != nil {
		fmt.Fprintf(&b, " peer=%d", *e.Peer)
	}
	if e.Session != 0 {
		fmt.Fprintf(&b, " session=%d", e.Session)
	}
	if len(e.Route) > 0 {
		fmt.Fprintf(&b, " route=%s", e.Route)
	}
	if e.Error != "" {
		fmt.Fprintf(&b, " error=%q", e.Error)
	}
	if e.Data != nil {
		data, err := json.Marshal(e.Data)
		if err != nil {
			return err
		}
		fmt.Fprintf(&b, " %s", data)
	}
	c.printf("%s\n%s", b.String(), prompt)
	return nil
}

var consoleAddr string

var consoleCmd = &cobra.Command{
	Use:   "console",
	Short: "Control a running node through its inspect API",
	RunE: func(cmd *cobra.Command, _ []string) error {
		base, err := url.Parse(consoleAddr)
		if err != nil {
			return err
		}
		if base.Scheme == "" {
			base, err = url.Parse("http://" + consoleAddr)
			if err != nil {
				return err
			}
		}

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		r := &remote{base: base, client: &http.Client{Timeout: 10 * time.Second}}
		c := newConsole(os.Stdin, os.Stdout, r.submit)
		go func() {
			if err := r.stream(ctx, c); err != nil && ctx.Err() == nil {
				c.printf("\rEvent stream closed: %v\n%s", err, prompt)
			}
		}()
		return c.run()
	},
}

func init() {
	consoleCmd.Flags().StringVar(&consoleAddr, "addr", "127.0.0.1:8080", "inspect API address of the node")
}

// remote talks to the inspect API of another process.
type remote struct {
	base   *url.URL
	client *http.Client
}

func (r *remote) submit(cmd control.Command) error {
	body, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	resp, err := r.client.Post(r.base.JoinPath("commands").String(), "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		var msg struct {
			Error string `json:"error"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&msg); err == nil && msg.Error != "" {
			return errors.New(msg.Error)
		}
		return fmt.Errorf("unexpected status %s", resp.Status)
	}
	return nil
}

// stream copies events from the websocket endpoint into sink until ctx is done.
func (r *remote) stream(ctx context.Context, sink report.Sink) error {
	u := *r.base.JoinPath("events")
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var e report.Event
		if err := json.Unmarshal(data, &e); err != nil {
			continue
		}
		if err := sink.Write(e); err != nil {
			return err
		}
	}
}
