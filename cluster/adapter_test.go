package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/taogames/engine.igo/message"
	"github.com/taogames/socketcast"
	"go.uber.org/zap/zaptest"
)

type fakeConn struct {
	id string

	mu     sync.Mutex
	writes [][]*message.Message
	closed bool
}

func (c *fakeConn) ID() string                                           { return c.id }
func (c *fakeConn) Transport() string                                    { return "polling" }
func (c *fakeConn) WriteRaw([]byte, bool, socketcast.WriteOptions) error { return nil }
func (c *fakeConn) Detach(string)                                        {}

func (c *fakeConn) WriteToEngine(msgs []*message.Message, _ socketcast.WriteOptions) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes = append(c.writes, msgs)
	return nil
}

func (c *fakeConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) writeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.writes)
}

// events returns the names of the events written so far.
func (c *fakeConn) events() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var names []string
	for _, msgs := range c.writes {
		packet, err := socketcast.DecodeFrames(socketcast.DefaultParser, msgs)
		if err != nil {
			continue
		}
		if data, ok := packet.Data.([]any); ok && len(data) > 0 {
			if name, ok := data[0].(string); ok {
				names = append(names, name)
			}
		}
	}
	return names
}

func (c *fakeConn) lastPacket(t *testing.T) *socketcast.Packet {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.writes) == 0 {
		t.Fatalf("conn %s: nothing written", c.id)
	}
	packet, err := socketcast.DecodeFrames(socketcast.DefaultParser, c.writes[len(c.writes)-1])
	if err != nil {
		t.Fatalf("conn %s: DecodeFrames: %v", c.id, err)
	}
	return packet
}

type node struct {
	srv     *socketcast.Server
	nsp     *socketcast.Namespace
	adapter *Adapter
}

func newNode(t *testing.T, bus Bus, opts ...Option) *node {
	t.Helper()
	n := &node{}
	init := NewAdapterIniter(bus, opts...)
	n.srv = socketcast.NewServer(
		socketcast.WithLogger(zaptest.NewLogger(t).Sugar()),
		socketcast.WithAckTimeout(time.Second),
		socketcast.WithAdapter(func(nsp *socketcast.Namespace) socketcast.Adapter {
			adp := init(nsp)
			n.adapter = adp.(*Adapter)
			return adp
		}),
	)
	n.nsp = n.srv.Of(socketcast.MainNamespace)
	t.Cleanup(n.srv.Close)
	return n
}

func (n *node) connect(id string) (*socketcast.Socket, *fakeConn) {
	conn := &fakeConn{id: id}
	return n.nsp.Connect(id, conn, nil), conn
}

// newCluster starts count nodes on one bus and waits until they see each
// other.
func newCluster(t *testing.T, count int, opts ...Option) []*node {
	t.Helper()
	bus := NewMemoryBus()
	nodes := make([]*node, count)
	for i := range nodes {
		nodes[i] = newNode(t, bus, opts...)
	}
	for _, n := range nodes {
		waitForServerCount(t, n, count)
	}
	return nodes
}

func waitForServerCount(t *testing.T, n *node, want int) {
	t.Helper()
	waitFor(t, func() bool {
		got, _ := n.adapter.ServerCount(context.Background())
		return got == want
	})
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func respond(t *testing.T, socket *socketcast.Socket, conn *fakeConn, args ...any) {
	t.Helper()
	packet := conn.lastPacket(t)
	if packet.Id == nil {
		t.Fatalf("conn %s: last packet has no ack id", conn.id)
	}
	socket.OnAck(&socketcast.Packet{Type: socketcast.PacketAck, Id: packet.Id, Data: args})
}

func TestServerCountFollowsMembership(t *testing.T) {
	nodes := newCluster(t, 3)

	if err := nodes[2].adapter.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	waitForServerCount(t, nodes[0], 2)
	waitForServerCount(t, nodes[1], 2)
}

func TestSilentServerExpires(t *testing.T) {
	bus := NewMemoryBus()
	n := newNode(t, bus, WithHeartbeatInterval(10*time.Millisecond), WithHeartbeatTimeout(50*time.Millisecond))

	ghost, _ := json.Marshal(Message{UID: "ghost", Type: MessageHeartbeat, Nsp: socketcast.MainNamespace})
	if err := bus.Publish(context.Background(), n.adapter.channel, ghost); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	waitForServerCount(t, n, 2)
	waitForServerCount(t, n, 1)
}

func TestBroadcastReachesEveryServer(t *testing.T) {
	nodes := newCluster(t, 2)
	a, aConn := nodes[0].connect("a")
	_, bConn := nodes[0].connect("b")
	c, cConn := nodes[1].connect("c")
	a.Join("room")
	c.Join("room")

	if err := nodes[0].nsp.To("room").Emit("news", "hi", []byte{1}); err != nil {
		t.Fatalf("Emit: %v", err)
	}

	waitFor(t, func() bool { return cConn.writeCount() == 1 })
	if n := aConn.writeCount(); n != 1 {
		t.Errorf("a writes = %d, want 1", n)
	}
	if n := bConn.writeCount(); n != 0 {
		t.Errorf("b writes = %d, want 0", n)
	}

	packet := cConn.lastPacket(t)
	data := packet.Data.([]any)
	if data[0] != "news" || data[1] != "hi" {
		t.Errorf("data = %#v", data)
	}
	if b, ok := data[2].([]byte); !ok || len(b) != 1 || b[0] != 1 {
		t.Errorf("attachment = %#v", data[2])
	}
}

func TestLocalBroadcastStaysOnServer(t *testing.T) {
	nodes := newCluster(t, 2)
	_, aConn := nodes[0].connect("a")
	_, cConn := nodes[1].connect("c")

	if err := nodes[0].nsp.Local().Emit("news"); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	// A regular broadcast sent afterwards arrives first if the local one
	// leaked to the bus.
	if err := nodes[0].nsp.Emit("marker"); err != nil {
		t.Fatalf("Emit: %v", err)
	}

	waitFor(t, func() bool {
		events := cConn.events()
		return len(events) > 0 && events[len(events)-1] == "marker"
	})
	if events := cConn.events(); len(events) != 1 {
		t.Errorf("remote received %v, want [marker]", events)
	}
	if n := aConn.writeCount(); n != 2 {
		t.Errorf("local writes = %d, want 2", n)
	}
}

func TestBroadcastAckAcrossServers(t *testing.T) {
	nodes := newCluster(t, 2)

	type client struct {
		socket *socketcast.Socket
		conn   *fakeConn
	}
	var clients []client
	for _, id := range []string{"a", "b", "c"} {
		s, conn := nodes[0].connect(id)
		clients = append(clients, client{s, conn})
	}
	for _, id := range []string{"d", "e"} {
		s, conn := nodes[1].connect(id)
		clients = append(clients, client{s, conn})
	}

	results := make(chan []any, 2)
	errs := make(chan error, 2)
	err := nodes[0].nsp.Emit("question", socketcast.AckCallback(func(err error, response any) {
		if err != nil {
			errs <- err
			return
		}
		results <- response.([]any)
	}))
	if err != nil {
		t.Fatalf("Emit: %v", err)
	}

	for _, c := range clients {
		waitFor(t, func() bool { return c.conn.writeCount() == 1 })
		respond(t, c.socket, c.conn, c.socket.Id)
	}

	select {
	case responses := <-results:
		if len(responses) != 5 {
			t.Errorf("responses = %v, want 5", responses)
		}
	case err := <-errs:
		t.Fatalf("ack failed: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("ack callback not called")
	}

	select {
	case extra := <-results:
		t.Errorf("callback called twice: %v", extra)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestBroadcastAckTimeoutAcrossServers(t *testing.T) {
	nodes := newCluster(t, 2)
	a, aConn := nodes[0].connect("a")
	_, dConn := nodes[1].connect("d")

	done := make(chan error, 1)
	go func() {
		_, err := nodes[0].nsp.Timeout(100*time.Millisecond).EmitWithAck(context.Background(), "question")
		done <- err
	}()

	waitFor(t, func() bool { return aConn.writeCount() == 1 && dConn.writeCount() == 1 })
	respond(t, a, aConn, "a")

	select {
	case err := <-done:
		var timeoutErr *socketcast.AckTimeoutError
		if !errors.As(err, &timeoutErr) {
			t.Fatalf("err = %v, want AckTimeoutError", err)
		}
		if len(timeoutErr.Responses) != 1 {
			t.Errorf("partial = %v, want 1 response", timeoutErr.Responses)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("EmitWithAck did not return")
	}
}

func TestFetchSocketsAcrossServers(t *testing.T) {
	nodes := newCluster(t, 2)
	nodes[0].connect("a")
	c, cConn := nodes[1].connect("c")
	c.Join("room")
	c.Set("user", "carol")

	sockets, err := nodes[0].nsp.In("room").FetchSockets(context.Background())
	if err != nil {
		t.Fatalf("FetchSockets: %v", err)
	}
	if len(sockets) != 1 || sockets[0].Kind != socketcast.RemoteSocketKind {
		t.Fatalf("sockets = %+v, want the remote socket c", sockets)
	}
	remote := sockets[0].Remote
	if remote.ID != "c" || remote.Data["user"] != "carol" || !remote.Rooms.Has("room") {
		t.Errorf("remote = %+v", remote)
	}

	remote.Join("vip")
	waitFor(t, func() bool { return c.Rooms().Has("vip") })

	ch := make(chan any, 1)
	if err := remote.Emit("ping", socketcast.AckCallback(func(err error, response any) {
		if err != nil {
			ch <- err
			return
		}
		ch <- response
	})); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	waitFor(t, func() bool { return cConn.writeCount() == 1 })
	respond(t, c, cConn, "pong")

	select {
	case got := <-ch:
		if got != "pong" {
			t.Errorf("ack = %#v, want pong", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("ack callback not called")
	}

	all, err := nodes[0].nsp.AllSockets(context.Background())
	if err != nil {
		t.Fatalf("AllSockets: %v", err)
	}
	if !all.Has("a") || !all.Has("c") || len(all) != 2 {
		t.Errorf("AllSockets = %v, want a and c", all)
	}
}

func TestFetchSocketsTimesOut(t *testing.T) {
	bus := NewMemoryBus()
	n := newNode(t, bus, WithRequestTimeout(50*time.Millisecond))

	// A server that heartbeats but never answers requests.
	ghost, _ := json.Marshal(Message{UID: "ghost", Type: MessageHeartbeat, Nsp: socketcast.MainNamespace})
	if err := bus.Publish(context.Background(), n.adapter.channel, ghost); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	waitForServerCount(t, n, 2)

	_, err := n.adapter.FetchSockets(context.Background(), socketcast.Selector{})
	if !errors.Is(err, ErrRequestTimeout) {
		t.Errorf("FetchSockets = %v, want ErrRequestTimeout", err)
	}

	sockets, err := n.nsp.Local().FetchSockets(context.Background())
	if err != nil || len(sockets) != 0 {
		t.Errorf("local FetchSockets = (%v, %v), want no sockets", sockets, err)
	}
}

func TestSocketsJoinLeaveAndDisconnectAcrossServers(t *testing.T) {
	nodes := newCluster(t, 2)
	a, _ := nodes[0].connect("a")
	c, cConn := nodes[1].connect("c")
	a.Join("team")
	c.Join("team")

	nodes[0].nsp.In("team").SocketsJoin("vip")
	waitFor(t, func() bool { return c.Rooms().Has("vip") })
	if !a.Rooms().Has("vip") {
		t.Error("local socket did not join vip")
	}

	nodes[0].nsp.In("vip").SocketsLeave("team")
	waitFor(t, func() bool { return !c.Rooms().Has("team") })

	nodes[0].nsp.In("vip").DisconnectSockets(true)
	waitFor(t, func() bool { return !c.Connected() })
	if !cConn.isClosed() {
		t.Error("remote connection not closed")
	}
	if a.Connected() {
		t.Error("local socket still connected")
	}
}

func TestMemoryBusHandlerMayPublish(t *testing.T) {
	bus := NewMemoryBus()
	ctx, cancel := context.WithCancel(context.Background())

	got := make(chan string, 2)
	sub, err := bus.Subscribe(ctx, "ch", func(payload []byte) {
		got <- string(payload)
		if string(payload) == "ping" {
			if err := bus.Publish(ctx, "ch", []byte("pong")); err != nil {
				t.Errorf("Publish: %v", err)
			}
		}
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if err := bus.Publish(ctx, "ch", []byte("ping")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	for _, want := range []string{"ping", "pong"} {
		select {
		case p := <-got:
			if p != want {
				t.Errorf("payload = %q, want %q", p, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("%s not delivered", want)
		}
	}

	cancel()
	if err := sub.Wait(); err != nil {
		t.Errorf("Wait: %v", err)
	}
}
