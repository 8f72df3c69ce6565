package socketcast

import (
	"fmt"
	"reflect"
)

type Packet struct {
	Type             PacketType
	Namespace        string
	Data             any
	DataKind         reflect.Kind
	Id               *int
	NumOfAttachments int
}

type PacketType int

const (
	PacketConnect PacketType = iota
	PacketDisconnect
	PacketEvent
	PacketAck
	PacketConnectError
	PacketBinaryEvent
	PacketBinaryAck
)

// MessageMarker is the Engine.IO "message" packet type. Raw pub/sub
// subscribers receive text frames prefixed with it.
const MessageMarker byte = '4'

func (pt PacketType) Byte() byte {
	return byte(pt) + '0'
}

func (pt PacketType) String() string {
	switch pt {
	case PacketConnect:
		return "CONNECT"
	case PacketDisconnect:
		return "DISCONNECT"
	case PacketEvent:
		return "EVENT"
	case PacketAck:
		return "ACK"
	case PacketConnectError:
		return "CONNECT_ERROR"
	case PacketBinaryEvent:
		return "BINARY_EVENT"
	case PacketBinaryAck:
		return "BINARY_ACK"
	default:
		return fmt.Sprintf("PacketType(%d)", int(pt))
	}
}

func ParsePacketType(b byte) (PacketType, error) {
	pt := PacketType(b - '0')
	if pt < PacketConnect || pt > PacketBinaryAck {
		return 0, fmt.Errorf("socket packet type invalid: %c", b)
	}
	return pt, nil
}

// clone returns a shallow copy whose Data slice can be rewritten without
// touching the caller's arguments.
func (p *Packet) clone() *Packet {
	c := *p
	if data, ok := p.Data.([]any); ok {
		c.Data = append(make([]any, 0, len(data)), data...)
	}
	if p.Id != nil {
		id := *p.Id
		c.Id = &id
	}
	return &c
}

type DisconnectReason string

const (
	DRUnknown                   DisconnectReason = "to be replaced"
	DRServerNamespaceDisconnect DisconnectReason = "server namespace disconnect"
	DRClientNamespaceDisconnect DisconnectReason = "client namespace disconnect"
	DRServerShuttingDown        DisconnectReason = "server shutting down"

	DRTransportClose DisconnectReason = "transport close"
	DRTransportError DisconnectReason = "transport error"
)
