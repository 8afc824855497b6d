package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/busybox42/meshnode/pkg/types"
)

// FragmentSize is the maximum number of payload bytes a single fragment carries.
const FragmentSize = 128

const wireVersion uint8 = 0xA7

// ErrMalformedPacket is returned when bytes on a link do not form a valid packet.
var ErrMalformedPacket = errors.New("malformed packet")

// Kind is the variant tag of a packet.
type Kind uint8

const (
	KindFloodRequest Kind = iota
	KindFloodResponse
	KindFragment
	KindAck
	KindNack
)

func (k Kind) String() string {
	switch k {
	case KindFloodRequest:
		return "flood_request"
	case KindFloodResponse:
		return "flood_response"
	case KindFragment:
		return "fragment"
	case KindAck:
		return "ack"
	case KindNack:
		return "nack"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// NackKind tells why a relay could not forward a packet.
type NackKind uint8

const (
	// ErrorInRouting: the reporting relay has no link to Nack.Node.
	ErrorInRouting NackKind = iota
	// DestinationIsDrone: the route ends on a relay.
	DestinationIsDrone
	// Dropped: the relay dropped the packet.
	Dropped
	// UnexpectedRecipient: Nack.Node received a packet whose current hop is not itself.
	UnexpectedRecipient
)

func (k NackKind) String() string {
	switch k {
	case ErrorInRouting:
		return "error_in_routing"
	case DestinationIsDrone:
		return "destination_is_drone"
	case Dropped:
		return "dropped"
	case UnexpectedRecipient:
		return "unexpected_recipient"
	default:
		return fmt.Sprintf("nack(%d)", uint8(k))
	}
}

// RoutingHeader is the source-route carried by every packet except FloodRequest.
type RoutingHeader struct {
	HopIndex uint8
	Hops     []types.NodeID
}

// NewRoutingHeader returns a header addressed to the first hop after the sender.
func NewRoutingHeader(route types.Route) RoutingHeader {
	hops := make([]types.NodeID, len(route))
	copy(hops, route)
	return RoutingHeader{HopIndex: 1, Hops: hops}
}

// Current returns the hop the packet is addressed to right now.
func (h RoutingHeader) Current() (types.NodeID, bool) {
	if int(h.HopIndex) >= len(h.Hops) {
		return 0, false
	}
	return h.Hops[h.HopIndex], true
}

// Route returns the full hop list as a route.
func (h RoutingHeader) Route() types.Route {
	return types.Route(h.Hops)
}

type Fragment struct {
	Index uint64
	Total uint64
	Data  []byte
}

type Ack struct {
	FragmentIndex uint64
}

type Nack struct {
	FragmentIndex uint64
	Kind          NackKind
	Node          types.NodeID
}

type FloodRequest struct {
	FloodID   uint64
	Initiator types.NodeID
	PathTrace []types.Node
}

type FloodResponse struct {
	FloodID   uint64
	PathTrace []types.Node
}

// Packet is the wire envelope. Exactly one body pointer matching Kind is set.
type Packet struct {
	Kind      Kind
	SessionID uint64
	Header    RoutingHeader

	Fragment      *Fragment
	Ack           *Ack
	Nack          *Nack
	FloodRequest  *FloodRequest
	FloodResponse *FloodResponse
}

func NewFragmentPacket(sessionID uint64, route types.Route, frag Fragment) *Packet {
	return &Packet{Kind: KindFragment, SessionID: sessionID, Header: NewRoutingHeader(route), Fragment: &frag}
}

func NewAckPacket(sessionID uint64, route types.Route, fragmentIndex uint64) *Packet {
	return &Packet{Kind: KindAck, SessionID: sessionID, Header: NewRoutingHeader(route), Ack: &Ack{FragmentIndex: fragmentIndex}}
}

func NewNackPacket(sessionID uint64, route types.Route, nack Nack) *Packet {
	return &Packet{Kind: KindNack, SessionID: sessionID, Header: NewRoutingHeader(route), Nack: &nack}
}

func NewFloodRequestPacket(sessionID, floodID uint64, initiator types.Node) *Packet {
	return &Packet{
		Kind:      KindFloodRequest,
		SessionID: sessionID,
		FloodRequest: &FloodRequest{
			FloodID:   floodID,
			Initiator: initiator.ID,
			PathTrace: []types.Node{initiator},
		},
	}
}

// NewFloodResponsePacket builds the response to req travelling back along the reverse of its trace.
func NewFloodResponsePacket(sessionID uint64, req *FloodRequest) *Packet {
	trace := make([]types.Node, len(req.PathTrace))
	copy(trace, req.PathTrace)

	route := make(types.Route, len(trace))
	for i, n := range trace {
		route[i] = n.ID
	}
	return &Packet{
		Kind:          KindFloodResponse,
		SessionID:     sessionID,
		Header:        NewRoutingHeader(route.Reverse()),
		FloodResponse: &FloodResponse{FloodID: req.FloodID, PathTrace: trace},
	}
}

func (p *Packet) String() string {
	return fmt.Sprintf("%s session=%d hops=%v idx=%d", p.Kind, p.SessionID, types.Route(p.Header.Hops), p.Header.HopIndex)
}

func malformed(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrMalformedPacket, fmt.Sprintf(format, args...))
}

func (p *Packet) validate() error {
	switch p.Kind {
	case KindFloodRequest:
		if p.FloodRequest == nil {
			return malformed("flood request without body")
		}
		if len(p.FloodRequest.PathTrace) > 255 {
			return malformed("path trace too long")
		}
		return validateTrace(p.FloodRequest.PathTrace)
	case KindFloodResponse:
		if p.FloodResponse == nil {
			return malformed("flood response without body")
		}
		if len(p.FloodResponse.PathTrace) > 255 {
			return malformed("path trace too long")
		}
		if err := validateTrace(p.FloodResponse.PathTrace); err != nil {
			return err
		}
	case KindFragment:
		if p.Fragment == nil {
			return malformed("fragment without body")
		}
		f := p.Fragment
		if f.Total == 0 || f.Index >= f.Total {
			return malformed("fragment index %d out of %d", f.Index, f.Total)
		}
		if len(f.Data) > FragmentSize {
			return malformed("fragment length %d exceeds %d", len(f.Data), FragmentSize)
		}
	case KindAck:
		if p.Ack == nil {
			return malformed("ack without body")
		}
	case KindNack:
		if p.Nack == nil {
			return malformed("nack without body")
		}
		if p.Nack.Kind > UnexpectedRecipient {
			return malformed("unknown nack kind %d", p.Nack.Kind)
		}
	default:
		return malformed("unknown kind %d", uint8(p.Kind))
	}

	// every kind but FloodRequest is source routed
	if len(p.Header.Hops) < 2 {
		return malformed("route of length %d", len(p.Header.Hops))
	}
	if len(p.Header.Hops) > 255 {
		return malformed("route of length %d", len(p.Header.Hops))
	}
	if int(p.Header.HopIndex) >= len(p.Header.Hops) {
		return malformed("hop index %d beyond route of length %d", p.Header.HopIndex, len(p.Header.Hops))
	}
	return nil
}

func validateTrace(trace []types.Node) error {
	for _, n := range trace {
		if !n.Type.Valid() {
			return malformed("node %d has unknown type %d", n.ID, n.Type)
		}
	}
	return nil
}

// Encode serializes p into its wire form.
func Encode(p *Packet) ([]byte, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}

	buf := new(bytes.Buffer)
	buf.WriteByte(wireVersion)
	buf.WriteByte(byte(p.Kind))
	if err := binary.Write(buf, binary.BigEndian, p.SessionID); err != nil {
		return nil, fmt.Errorf("failed to write session id: %w", err)
	}

	buf.WriteByte(p.Header.HopIndex)
	buf.WriteByte(byte(len(p.Header.Hops)))
	for _, hop := range p.Header.Hops {
		buf.WriteByte(byte(hop))
	}

	switch p.Kind {
	case KindFragment:
		binary.Write(buf, binary.BigEndian, p.Fragment.Index)
		binary.Write(buf, binary.BigEndian, p.Fragment.Total)
		buf.WriteByte(byte(len(p.Fragment.Data)))
		buf.Write(p.Fragment.Data)
	case KindAck:
		binary.Write(buf, binary.BigEndian, p.Ack.FragmentIndex)
	case KindNack:
		binary.Write(buf, binary.BigEndian, p.Nack.FragmentIndex)
		buf.WriteByte(byte(p.Nack.Kind))
		buf.WriteByte(byte(p.Nack.Node))
	case KindFloodRequest:
		binary.Write(buf, binary.BigEndian, p.FloodRequest.FloodID)
		buf.WriteByte(byte(p.FloodRequest.Initiator))
		writeTrace(buf, p.FloodRequest.PathTrace)
	case KindFloodResponse:
		binary.Write(buf, binary.BigEndian, p.FloodResponse.FloodID)
		writeTrace(buf, p.FloodResponse.PathTrace)
	}

	return buf.Bytes(), nil
}

func writeTrace(buf *bytes.Buffer, trace []types.Node) {
	buf.WriteByte(byte(len(trace)))
	for _, n := range trace {
		buf.WriteByte(byte(n.ID))
		buf.WriteByte(byte(n.Type))
	}
}

// Decode parses a wire packet. Every failure wraps ErrMalformedPacket.
func Decode(data []byte) (*Packet, error) {
	buf := bytes.NewReader(data)
	p := &Packet{}

	version, err := buf.ReadByte()
	if err != nil {
		return nil, malformed("empty packet")
	}
	if version != wireVersion {
		return nil, malformed("unknown version 0x%02x", version)
	}

	kind, err := buf.ReadByte()
	if err != nil {
		return nil, malformed("failed to read kind: %v", err)
	}
	p.Kind = Kind(kind)

	if err := binary.Read(buf, binary.BigEndian, &p.SessionID); err != nil {
		return nil, malformed("failed to read session id: %v", err)
	}

	hopIndex, err := buf.ReadByte()
	if err != nil {
		return nil, malformed("failed to read hop index: %v", err)
	}
	hopCount, err := buf.ReadByte()
	if err != nil {
		return nil, malformed("failed to read hop count: %v", err)
	}
	hops := make([]byte, hopCount)
	if _, err := io.ReadFull(buf, hops); err != nil {
		return nil, malformed("failed to read hops: %v", err)
	}
	p.Header.HopIndex = hopIndex
	if hopCount > 0 {
		p.Header.Hops = make([]types.NodeID, hopCount)
		for i, h := range hops {
			p.Header.Hops[i] = types.NodeID(h)
		}
	}

	switch p.Kind {
	case KindFragment:
		f := &Fragment{}
		if err := binary.Read(buf, binary.BigEndian, &f.Index); err != nil {
			return nil, malformed("failed to read fragment index: %v", err)
		}
		if err := binary.Read(buf, binary.BigEndian, &f.Total); err != nil {
			return nil, malformed("failed to read fragment total: %v", err)
		}
		length, err := buf.ReadByte()
		if err != nil {
			return nil, malformed("failed to read fragment length: %v", err)
		}
		f.Data = make([]byte, length)
		if _, err := io.ReadFull(buf, f.Data); err != nil {
			return nil, malformed("failed to read fragment data: %v", err)
		}
		p.Fragment = f
	case KindAck:
		a := &Ack{}
		if err := binary.Read(buf, binary.BigEndian, &a.FragmentIndex); err != nil {
			return nil, malformed("failed to read ack: %v", err)
		}
		p.Ack = a
	case KindNack:
		n := &Nack{}
		if err := binary.Read(buf, binary.BigEndian, &n.FragmentIndex); err != nil {
			return nil, malformed("failed to read nack: %v", err)
		}
		var raw [2]byte
		if _, err := io.ReadFull(buf, raw[:]); err != nil {
			return nil, malformed("failed to read nack: %v", err)
		}
		n.Kind = NackKind(raw[0])
		n.Node = types.NodeID(raw[1])
		p.Nack = n
	case KindFloodRequest:
		r := &FloodRequest{}
		if err := binary.Read(buf, binary.BigEndian, &r.FloodID); err != nil {
			return nil, malformed("failed to read flood id: %v", err)
		}
		initiator, err := buf.ReadByte()
		if err != nil {
			return nil, malformed("failed to read initiator: %v", err)
		}
		r.Initiator = types.NodeID(initiator)
		if r.PathTrace, err = readTrace(buf); err != nil {
			return nil, err
		}
		p.FloodRequest = r
	case KindFloodResponse:
		r := &FloodResponse{}
		if err := binary.Read(buf, binary.BigEndian, &r.FloodID); err != nil {
			return nil, malformed("failed to read flood id: %v", err)
		}
		if r.PathTrace, err = readTrace(buf); err != nil {
			return nil, err
		}
		p.FloodResponse = r
	default:
		return nil, malformed("unknown kind %d", kind)
	}

	if buf.Len() != 0 {
		return nil, malformed("%d trailing bytes", buf.Len())
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func readTrace(buf *bytes.Reader) ([]types.Node, error) {
	count, err := buf.ReadByte()
	if err != nil {
		return nil, malformed("failed to read trace length: %v", err)
	}
	raw := make([]byte, 2*int(count))
	if _, err := io.ReadFull(buf, raw); err != nil {
		return nil, malformed("failed to read trace: %v", err)
	}
	trace := make([]types.Node, count)
	for i := range trace {
		trace[i] = types.Node{ID: types.NodeID(raw[2*i]), Type: types.NodeType(raw[2*i+1])}
	}
	return trace, nil
}
