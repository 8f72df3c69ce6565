package cluster

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/taogames/engine.igo/message"
	"github.com/taogames/socketcast"
)

type MessageType int

const (
	MessageInitialHeartbeat MessageType = iota + 1
	MessageHeartbeat
	MessageBroadcast
	MessageSocketsJoin
	MessageSocketsLeave
	MessageDisconnectSockets
	MessageFetchSockets
	MessageFetchSocketsResponse
	MessageBroadcastClientCount
	MessageBroadcastAck
	MessageAdapterClose
)

func (mt MessageType) String() string {
	switch mt {
	case MessageInitialHeartbeat:
		return "INITIAL_HEARTBEAT"
	case MessageHeartbeat:
		return "HEARTBEAT"
	case MessageBroadcast:
		return "BROADCAST"
	case MessageSocketsJoin:
		return "SOCKETS_JOIN"
	case MessageSocketsLeave:
		return "SOCKETS_LEAVE"
	case MessageDisconnectSockets:
		return "DISCONNECT_SOCKETS"
	case MessageFetchSockets:
		return "FETCH_SOCKETS"
	case MessageFetchSocketsResponse:
		return "FETCH_SOCKETS_RESPONSE"
	case MessageBroadcastClientCount:
		return "BROADCAST_CLIENT_COUNT"
	case MessageBroadcastAck:
		return "BROADCAST_ACK"
	case MessageAdapterClose:
		return "ADAPTER_CLOSE"
	default:
		return fmt.Sprintf("MessageType(%d)", int(mt))
	}
}

// Message is the envelope of everything crossing the bus. To is set on
// responses, which only the requesting server handles.
type Message struct {
	UID  string          `json:"uid"`
	Type MessageType     `json:"type"`
	Nsp  string          `json:"nsp"`
	To   string          `json:"to,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

type selectorData struct {
	Rooms                []string      `json:"rooms,omitempty"`
	Except               []string      `json:"except,omitempty"`
	Volatile             bool          `json:"volatile,omitempty"`
	Compress             bool          `json:"compress,omitempty"`
	Timeout              time.Duration `json:"timeout,omitempty"`
	ExpectSingleResponse bool          `json:"expectSingleResponse,omitempty"`
}

func toSelectorData(sel socketcast.Selector) selectorData {
	return selectorData{
		Rooms:                sel.Rooms.Slice(),
		Except:               sel.Except.Slice(),
		Volatile:             sel.Flags.Volatile,
		Compress:             sel.Flags.Compress,
		Timeout:              sel.Flags.Timeout,
		ExpectSingleResponse: sel.Flags.ExpectSingleResponse,
	}
}

func (d selectorData) selector() socketcast.Selector {
	return socketcast.Selector{
		Rooms:  socketcast.NewRoomSet(d.Rooms...),
		Except: socketcast.NewRoomSet(d.Except...),
		Flags: socketcast.BroadcastFlags{
			Volatile:             d.Volatile,
			Compress:             d.Compress,
			Timeout:              d.Timeout,
			ExpectSingleResponse: d.ExpectSingleResponse,
		},
	}
}

// frame is one engine message of an encoded packet.
type frame struct {
	Binary bool   `json:"binary,omitempty"`
	Data   []byte `json:"data"`
}

func toFrames(msgs []*message.Message) []frame {
	frames := make([]frame, 0, len(msgs))
	for _, msg := range msgs {
		frames = append(frames, frame{Binary: msg.Type == message.MTBinary, Data: msg.Data})
	}
	return frames
}

func fromFrames(frames []frame) []*message.Message {
	msgs := make([]*message.Message, 0, len(frames))
	for _, f := range frames {
		mt := message.MTText
		if f.Binary {
			mt = message.MTBinary
		}
		msgs = append(msgs, &message.Message{Type: mt, Data: f.Data})
	}
	return msgs
}

type broadcastData struct {
	Frames    []frame      `json:"frames"`
	Opts      selectorData `json:"opts"`
	RequestID string       `json:"requestId,omitempty"`
}

type clientCountData struct {
	RequestID   string `json:"requestId"`
	ClientCount int    `json:"clientCount"`
}

type ackData struct {
	RequestID string `json:"requestId"`
	Response  any    `json:"response"`
}

type roomsData struct {
	Opts  selectorData `json:"opts"`
	Rooms []string     `json:"rooms"`
}

type disconnectData struct {
	Opts  selectorData `json:"opts"`
	Close bool         `json:"close"`
}

type fetchRequestData struct {
	RequestID string       `json:"requestId"`
	Opts      selectorData `json:"opts"`
}

type fetchResponseData struct {
	RequestID string                     `json:"requestId"`
	Sockets   []socketcast.SocketDetails `json:"sockets"`
}
