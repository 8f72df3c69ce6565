package socketcast

import (
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/taogames/engine.igo/message"
	"go.uber.org/zap/zaptest"
)

type fakeConn struct {
	id        string
	transport string

	mu       sync.Mutex
	writes   [][]*message.Message
	raw      [][]byte
	rawOpts  []WriteOptions
	detached []string
	closed   bool
}

func newFakeConn(id, transport string) *fakeConn {
	return &fakeConn{id: id, transport: transport}
}

func (c *fakeConn) ID() string        { return c.id }
func (c *fakeConn) Transport() string { return c.transport }

func (c *fakeConn) WriteToEngine(msgs []*message.Message, _ WriteOptions) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes = append(c.writes, msgs)
	return nil
}

func (c *fakeConn) WriteRaw(data []byte, _ bool, opts WriteOptions) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.raw = append(c.raw, data)
	c.rawOpts = append(c.rawOpts, opts)
	return nil
}

func (c *fakeConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *fakeConn) Detach(nsp string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.detached = append(c.detached, nsp)
}

func (c *fakeConn) writeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.writes)
}

func (c *fakeConn) rawCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.raw)
}

// lastPacket decodes the last frames written to the connection.
func (c *fakeConn) lastPacket(t *testing.T) *Packet {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.writes) == 0 {
		t.Fatalf("conn %s: nothing written", c.id)
	}
	packet, err := DecodeFrames(DefaultParser, c.writes[len(c.writes)-1])
	if err != nil {
		t.Fatalf("conn %s: DecodeFrames: %v", c.id, err)
	}
	return packet
}

type publishCall struct {
	topic  string
	data   []byte
	binary bool
	opts   WriteOptions
}

// recordingBinder treats every transport in native as native and records
// subscriptions and publishes without delivering anything.
type recordingBinder struct {
	native map[string]bool

	mu           sync.Mutex
	topics       map[string]map[string]struct{} // Map<ConnId, Set<Topic>>
	subscribes   map[string]int                 // Map<ConnId+Topic, count>
	unsubscribes int
	publishes    []publishCall
}

func newRecordingBinder(native ...string) *recordingBinder {
	b := &recordingBinder{
		native:     make(map[string]bool),
		topics:     make(map[string]map[string]struct{}),
		subscribes: make(map[string]int),
	}
	for _, t := range native {
		b.native[t] = true
	}
	return b
}

func (b *recordingBinder) Native(sub Subscriber) bool {
	return b.native[sub.Transport()]
}

func (b *recordingBinder) Subscribe(sub Subscriber, topic string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.topics[sub.ID()] == nil {
		b.topics[sub.ID()] = make(map[string]struct{})
	}
	b.topics[sub.ID()][topic] = struct{}{}
	b.subscribes[sub.ID()+"|"+topic]++
	return nil
}

func (b *recordingBinder) Unsubscribe(sub Subscriber, topic string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.topics[sub.ID()], topic)
	b.unsubscribes++
	return nil
}

func (b *recordingBinder) Publish(topic string, data []byte, binary bool, opts WriteOptions) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.publishes = append(b.publishes, publishCall{topic: topic, data: data, binary: binary, opts: opts})
	return nil
}

func (b *recordingBinder) subscribedTopics(connID string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var topics []string
	for topic := range b.topics[connID] {
		topics = append(topics, topic)
	}
	sort.Strings(topics)
	return topics
}

func (b *recordingBinder) subscribeCount(connID, topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.subscribes[connID+"|"+topic]
}

func (b *recordingBinder) publishCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.publishes)
}

func newTestServer(t *testing.T, binder TransportBinder) *Server {
	t.Helper()
	if binder == nil {
		binder = NopBinder{}
	}
	return &Server{
		adapterInit: NewInMemoryAdapterIniter(),
		binder:      binder,
		parser:      DefaultParser,
		ackTimeout:  time.Second,
		nsps:        make(map[string]*Namespace),
		logger:      zaptest.NewLogger(t).Sugar(),
		closed:      make(chan struct{}),
	}
}

func newTestNamespace(t *testing.T, binder TransportBinder) *Namespace {
	t.Helper()
	return NewNamespace(newTestServer(t, binder), MainNamespace)
}

// connect adds a socket whose id equals its connection id.
func connect(nsp *Namespace, id, transport string) (*Socket, *fakeConn) {
	conn := newFakeConn(id, transport)
	socket := nsp.Connect(id, conn, nil)
	return socket, conn
}

func sorted(rs RoomSet) []string {
	s := rs.Slice()
	sort.Strings(s)
	return s
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// respond acknowledges the last packet written to conn on behalf of the
// client.
func respond(t *testing.T, socket *Socket, conn *fakeConn, args ...any) {
	t.Helper()
	packet := conn.lastPacket(t)
	if packet.Id == nil {
		t.Fatalf("conn %s: last packet has no ack id", conn.id)
	}
	if args == nil {
		args = []any{}
	}
	socket.OnAck(&Packet{Type: PacketAck, Namespace: socket.nsp.Name(), Id: packet.Id, Data: args})
}
