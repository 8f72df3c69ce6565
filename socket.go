package socketcast

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

type Handshake struct {
	Auth   map[string]any `json:"auth"`
	Issued int64          `json:"issued"`
}

type Socket struct {
	Id string

	connected atomic.Bool

	Handshake Handshake

	dataMu sync.RWMutex
	Data   map[string]any

	nsp *Namespace

	conn Conn
	eh   EventManager

	acksMu sync.Mutex
	acks   map[int]func(args []any)

	onDisconnect func(reason DisconnectReason)

	logger *zap.SugaredLogger
}

func (s *Socket) Connected() bool {
	return s.connected.Load()
}

func (s *Socket) Namespace() *Namespace {
	return s.nsp
}

// Set stores a value in the socket data shared through FetchSockets.
func (s *Socket) Set(key string, value any) {
	s.dataMu.Lock()
	defer s.dataMu.Unlock()
	s.Data[key] = value
}

func (s *Socket) Get(key string) (any, bool) {
	s.dataMu.RLock()
	defer s.dataMu.RUnlock()
	v, ok := s.Data[key]
	return v, ok
}

// Disconnect leaves the namespace. With closeConn the underlying connection
// is closed as well, disconnecting every namespace it carries.
func (s *Socket) Disconnect(closeConn bool) {
	if !s.connected.CompareAndSwap(true, false) {
		return
	}

	s.send(&Packet{Type: PacketDisconnect, Namespace: s.nsp.Name()})
	s.cleanup(DRServerNamespaceDisconnect)

	if closeConn {
		s.conn.Close()
	}
}

// onClose tears the socket down after the client left or the transport went
// away.
func (s *Socket) onClose(reason DisconnectReason) {
	if !s.connected.CompareAndSwap(true, false) {
		return
	}
	s.cleanup(reason)
}

func (s *Socket) cleanup(reason DisconnectReason) {
	s.logger.Debugf("Disconnect: %s", reason)

	s.nsp.remove(s.Id)
	s.conn.Detach(s.nsp.Name())

	s.acksMu.Lock()
	s.acks = make(map[int]func([]any))
	s.acksMu.Unlock()

	if s.onDisconnect == nil {
		return
	}
	s.onDisconnect(reason)
}

func (s *Socket) Join(rooms ...string) {
	s.nsp.adapter.AddAll(s.Id, rooms...)
}

func (s *Socket) Leave(rooms ...string) {
	for _, room := range rooms {
		s.nsp.adapter.Del(s.Id, room)
	}
}

func (s *Socket) Rooms() RoomSet {
	rooms, _ := s.nsp.adapter.SocketRooms(s.Id)
	return rooms
}

// To targets rooms, excluding this socket.
func (s *Socket) To(rooms ...string) *BroadcastOperator {
	return s.nsp.operator().To(rooms...).Except(s.Id)
}

func (s *Socket) In(rooms ...string) *BroadcastOperator {
	return s.To(rooms...)
}

func (s *Socket) Except(rooms ...string) *BroadcastOperator {
	return s.nsp.operator().Except(rooms...).Except(s.Id)
}

// Broadcast targets every socket of the namespace but this one.
func (s *Socket) Broadcast() *BroadcastOperator {
	return s.nsp.operator().Except(s.Id)
}

// Details snapshots the socket for other servers.
func (s *Socket) Details() SocketDetails {
	s.dataMu.RLock()
	data := make(map[string]any, len(s.Data))
	for k, v := range s.Data {
		data[k] = v
	}
	s.dataMu.RUnlock()

	return SocketDetails{
		ID:        s.Id,
		Handshake: s.Handshake,
		Rooms:     s.Rooms().Slice(),
		Data:      data,
	}
}

// Emit sends an event to this socket only. A trailing AckCallback receives
// the client's response, or an *AckTimeoutError after the namespace ack
// timeout.
func (s *Socket) Emit(eName string, args ...any) error {
	if isReservedEvent(eName) {
		return &InvalidEventNameError{Name: eName}
	}
	if !s.connected.Load() {
		return ErrSocketClosed
	}
	s.logger.Debugf("Emit %s: %v", eName, args)

	args, ack := popAck(args)
	data := make([]any, 0, len(args)+1)
	data = append(data, eName)
	data = append(data, args...)

	packet := &Packet{
		Type:      PacketEvent,
		Namespace: s.nsp.Name(),
		Data:      data,
	}

	if ack != nil {
		id := s.nsp.nextAckID()
		packet.Id = &id

		var once sync.Once
		timer := time.AfterFunc(s.nsp.ackTimeout, func() {
			s.removeAck(id)
			once.Do(func() { ack(&AckTimeoutError{}, nil) })
		})
		s.registerAck(id, func(args []any) {
			timer.Stop()
			once.Do(func() { ack(nil, ackResponse(args)) })
		}, 0)
	}

	return s.send(packet)
}

func (s *Socket) send(packet *Packet) error {
	msgs, err := s.nsp.parser.Encode(packet)
	if err != nil {
		s.logger.Error("s.nsp.parser.Encode: ", err)
		return err
	}
	return s.conn.WriteToEngine(msgs, WriteOptions{})
}

func (s *Socket) On(eName string, h any) {
	s.eh.Register(eName, h)
}

func (s *Socket) OnDisconnect(f func(reason DisconnectReason)) {
	s.onDisconnect = f
}

// registerAck keeps fn for the ack id until the client answers or, when
// timeout is positive, until it expires.
func (s *Socket) registerAck(id int, fn func(args []any), timeout time.Duration) {
	s.acksMu.Lock()
	s.acks[id] = fn
	s.acksMu.Unlock()

	if timeout > 0 {
		time.AfterFunc(timeout, func() {
			s.removeAck(id)
		})
	}
}

func (s *Socket) removeAck(id int) {
	s.acksMu.Lock()
	delete(s.acks, id)
	s.acksMu.Unlock()
}

// OnAck hands an acknowledgment received from the client to the callback
// waiting for its id.
func (s *Socket) OnAck(packet *Packet) {
	if packet.Id == nil {
		return
	}

	s.acksMu.Lock()
	fn, ok := s.acks[*packet.Id]
	delete(s.acks, *packet.Id)
	s.acksMu.Unlock()

	if !ok {
		s.logger.Debugf("Unknown ack id %d", *packet.Id)
		return
	}

	args, _ := packet.Data.([]any)
	fn(args)
}

func (s *Socket) dispatch(packet *Packet) {
	eName, err := s.nsp.parser.ParseEventName(packet)
	if err != nil {
		s.logger.Error("s.nsp.parser.ParseEventName: ", err)
		return
	}

	h := s.eh.GetHandler(eName)
	if h == nil {
		s.logger.Debugf("No handler for %s", eName)
		return
	}

	args, err := s.nsp.parser.ParseEventArgs(packet, h.types, h.variadic)
	if err != nil {
		s.logger.Errorf("ParseEventArgs %s: %v", eName, err)
		return
	}

	var ack AckFunc
	if packet.Id != nil {
		id := *packet.Id
		ack = func(ackArgs ...any) {
			if ackArgs == nil {
				ackArgs = []any{}
			}
			err := s.send(&Packet{
				Type:      PacketAck,
				Namespace: s.nsp.Name(),
				Data:      ackArgs,
				Id:        &id,
			})
			if err != nil {
				s.logger.Errorf("Ack %d: %v", id, err)
			}
		}
	}

	defer func() {
		if r := recover(); r != nil {
			s.logger.Errorf("Handler %s panicked: %v", eName, fmt.Sprint(r))
		}
	}()
	h.call(args, ack)
}
