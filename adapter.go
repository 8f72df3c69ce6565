package socketcast

import (
	"context"
	"time"
)

// Adapter owns the room membership table of one namespace and delivers
// broadcasts to the sockets a Selector matches.
type Adapter interface {
	AddAll(sid string, rooms ...string)
	Del(sid, room string)
	DelAll(sid string)

	Broadcast(packet *Packet, sel Selector)
	// BroadcastWithAck calls onServerResponded once per server holding
	// matching sockets, with the number of sockets it wrote to, and
	// onClientResponded once per acknowledgment.
	BroadcastWithAck(packet *Packet, sel Selector, onServerResponded func(clientCount int), onClientResponded func(response any))
	ServerCount(ctx context.Context) (int, error)

	Sockets(ctx context.Context, rooms RoomSet) (RoomSet, error)
	SocketRooms(sid string) (RoomSet, bool)
	FetchSockets(ctx context.Context, sel Selector) ([]FetchedSocket, error)
	AddSockets(sel Selector, rooms []string)
	DelSockets(sel Selector, rooms []string)
	DisconnectSockets(sel Selector, close bool)

	Close() error
}

type AdapterIniter func(nsp *Namespace) Adapter

type RoomSet map[string]struct{}

func NewRoomSet(rooms ...string) RoomSet {
	rs := make(RoomSet, len(rooms))
	for _, room := range rooms {
		rs[room] = struct{}{}
	}
	return rs
}

func (rs RoomSet) Has(room string) bool {
	_, ok := rs[room]
	return ok
}

// With returns a copy of rs extended with rooms.
func (rs RoomSet) With(rooms ...string) RoomSet {
	c := make(RoomSet, len(rs)+len(rooms))
	for room := range rs {
		c[room] = struct{}{}
	}
	for _, room := range rooms {
		c[room] = struct{}{}
	}
	return c
}

func (rs RoomSet) Slice() []string {
	s := make([]string, 0, len(rs))
	for room := range rs {
		s = append(s, room)
	}
	return s
}

type BroadcastFlags struct {
	Volatile bool
	Compress bool
	// Local restricts delivery to sockets of this server.
	Local bool
	// Timeout bounds ack aggregation. Zero means the server default.
	Timeout time.Duration
	// ExpectSingleResponse unwraps a one-element response list.
	ExpectSingleResponse bool
}

// Selector describes who receives a broadcast.
type Selector struct {
	Rooms  RoomSet
	Except RoomSet
	Flags  BroadcastFlags
}

// fastPath reports whether a single topic publish reaches exactly the
// selected sockets.
func (sel Selector) fastPath() bool {
	return len(sel.Rooms) <= 1 && len(sel.Except) == 0
}

// WriteOptions travel with pre-encoded frames to a connection.
type WriteOptions struct {
	Volatile bool
	Compress bool
}

func (f BroadcastFlags) writeOptions() WriteOptions {
	return WriteOptions{Volatile: f.Volatile, Compress: f.Compress}
}

type SocketKind int

const (
	LocalSocket SocketKind = iota
	RemoteSocketKind
)

// FetchedSocket is either a live socket of this server or a snapshot of a
// socket held by another server.
type FetchedSocket struct {
	Kind   SocketKind
	Local  *Socket
	Remote *RemoteSocket
}

func (fs FetchedSocket) ID() string {
	if fs.Kind == LocalSocket {
		return fs.Local.Id
	}
	return fs.Remote.ID
}

// SocketDetails is the serializable view of a socket.
type SocketDetails struct {
	ID        string         `json:"id"`
	Handshake Handshake      `json:"handshake"`
	Rooms     []string       `json:"rooms"`
	Data      map[string]any `json:"data"`
}
