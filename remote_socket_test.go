package socketcast

import (
	"context"
	"testing"
	"time"
)

// remoteAdapter pretends every selected socket lives on another server that
// answers acknowledgments with the configured reply.
type remoteAdapter struct {
	reply any

	broadcasts []Selector
	added      []Selector
	addedRooms [][]string
	removed    []Selector
	closed     []bool
}

func (r *remoteAdapter) AddAll(string, ...string) {}
func (r *remoteAdapter) Del(string, string)       {}
func (r *remoteAdapter) DelAll(string)            {}

func (r *remoteAdapter) Broadcast(_ *Packet, sel Selector) {
	r.broadcasts = append(r.broadcasts, sel)
}

func (r *remoteAdapter) BroadcastWithAck(_ *Packet, sel Selector, onServerResponded func(int), onClientResponded func(any)) {
	r.broadcasts = append(r.broadcasts, sel)
	onServerResponded(0)
	go func() {
		onServerResponded(1)
		onClientResponded(r.reply)
	}()
}

func (r *remoteAdapter) ServerCount(context.Context) (int, error) { return 2, nil }

func (r *remoteAdapter) Sockets(context.Context, RoomSet) (RoomSet, error) {
	return NewRoomSet(), nil
}

func (r *remoteAdapter) SocketRooms(string) (RoomSet, bool) { return nil, false }

func (r *remoteAdapter) FetchSockets(context.Context, Selector) ([]FetchedSocket, error) {
	return nil, nil
}

func (r *remoteAdapter) AddSockets(sel Selector, rooms []string) {
	r.added = append(r.added, sel)
	r.addedRooms = append(r.addedRooms, rooms)
}

func (r *remoteAdapter) DelSockets(sel Selector, _ []string) {
	r.removed = append(r.removed, sel)
}

func (r *remoteAdapter) DisconnectSockets(_ Selector, close bool) {
	r.closed = append(r.closed, close)
}

func (r *remoteAdapter) Close() error { return nil }

func newRemoteSocketFixture(t *testing.T, reply any) (*RemoteSocket, *remoteAdapter) {
	t.Helper()
	adapter := &remoteAdapter{reply: reply}
	srv := newTestServer(t, nil)
	srv.adapterInit = func(*Namespace) Adapter { return adapter }
	nsp := NewNamespace(srv, "/game")

	socket := NewRemoteSocket(nsp, SocketDetails{
		ID:        "remote-1",
		Handshake: Handshake{Auth: map[string]any{"token": "t"}},
		Rooms:     []string{"remote-1", "lobby"},
		Data:      map[string]any{"level": 3},
	})
	return socket, adapter
}

func TestRemoteSocketSnapshot(t *testing.T) {
	socket, _ := newRemoteSocketFixture(t, nil)

	if socket.ID != "remote-1" {
		t.Errorf("ID = %q", socket.ID)
	}
	if !socket.Rooms.Has("lobby") {
		t.Errorf("rooms = %v, want lobby", socket.Rooms)
	}
	if socket.Data["level"] != 3 {
		t.Errorf("data = %v", socket.Data)
	}
}

func TestRemoteSocketEmitAckIsSingleResponse(t *testing.T) {
	socket, adapter := newRemoteSocketFixture(t, "pong")

	ch, cb := ackChan()
	if err := socket.Emit("ping", cb); err != nil {
		t.Fatalf("Emit: %v", err)
	}

	r := waitAck(t, ch)
	if r.err != nil {
		t.Fatalf("err = %v", r.err)
	}
	if r.response != "pong" {
		t.Errorf("response = %#v, want bare pong", r.response)
	}

	sel := adapter.broadcasts[0]
	if !sel.Flags.ExpectSingleResponse {
		t.Error("selector does not expect a single response")
	}
	if got := sorted(sel.Rooms); !equalStrings(got, []string{"remote-1"}) {
		t.Errorf("rooms = %q, want [remote-1]", got)
	}
}

func TestRemoteSocketTimeout(t *testing.T) {
	socket, adapter := newRemoteSocketFixture(t, nil)

	if err := socket.Timeout(time.Second).Emit("hello"); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if got := adapter.broadcasts[0].Flags.Timeout; got != time.Second {
		t.Errorf("timeout = %v, want 1s", got)
	}
}

func TestRemoteSocketCommands(t *testing.T) {
	socket, adapter := newRemoteSocketFixture(t, nil)

	socket.Join("vip")
	socket.Leave("lobby")
	socket.Disconnect(true)

	if len(adapter.added) != 1 || !equalStrings(sorted(adapter.added[0].Rooms), []string{"remote-1"}) {
		t.Errorf("AddSockets selectors = %v", adapter.added)
	}
	if !equalStrings(adapter.addedRooms[0], []string{"vip"}) {
		t.Errorf("AddSockets rooms = %v", adapter.addedRooms)
	}
	if len(adapter.removed) != 1 {
		t.Errorf("DelSockets calls = %d, want 1", len(adapter.removed))
	}
	if len(adapter.closed) != 1 || !adapter.closed[0] {
		t.Errorf("DisconnectSockets calls = %v, want [true]", adapter.closed)
	}
}
