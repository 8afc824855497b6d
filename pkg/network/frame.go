// Package network carries mesh frames between nodes over stream connections.
// Each neighbor link is one outbound connection; inbound connections only feed
// the node's shared inbound channel.
package network

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/busybox42/meshnode/pkg/types"
)

var (
	ErrFrameTooLarge = errors.New("frame too large")
	ErrBadHello      = errors.New("bad hello")
)

var helloMagic = [4]byte{'m', 'e', 's', 'h'}

// WriteFrame writes a length-prefixed frame. An empty frame is a keep-alive.
func WriteFrame(w io.Writer, data []byte) error {
	if len(data) > maxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(data))
	}
	if err := binary.Write(w, binary.BigEndian, uint32(len(data))); err != nil {
		return fmt.Errorf("failed to write frame length: %w", err)
	}
	if len(data) == 0 {
		return nil
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

// ReadFrame reads the next non-empty frame, skipping keep-alives.
func ReadFrame(r io.Reader) ([]byte, error) {
	for {
		var n uint32
		if err := binary.Read(r, binary.BigEndian, &n); err != nil {
			return nil, err
		}
		if n == 0 {
			continue
		}
		if n > maxFrameSize {
			return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
		}
		data := make([]byte, n)
		if _, err := io.ReadFull(r, data); err != nil {
			return nil, err
		}
		return data, nil
	}
}

// writeHello announces the dialing node on a fresh connection.
func writeHello(w io.Writer, self types.NodeID) error {
	return WriteFrame(w, append(helloMagic[:], byte(self)))
}

func readHello(r io.Reader) (types.NodeID, error) {
	data, err := ReadFrame(r)
	if err != nil {
		return 0, err
	}
	if len(data) != len(helloMagic)+1 || [4]byte(data[:4]) != helloMagic {
		return 0, ErrBadHello
	}
	return types.NodeID(data[4]), nil
}
