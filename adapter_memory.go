package socketcast

import (
	"context"
	"sync"

	"github.com/taogames/engine.igo/message"
	"go.uber.org/zap"
)

// InMemoryAdapter keeps the room table of a namespace in memory and drives
// the transport binder so that native connections stay subscribed to the
// topics of their rooms.
type InMemoryAdapter struct {
	sync.RWMutex

	nsp    *Namespace
	binder TransportBinder

	Sids  map[string]RoomSet // Map<SocketId, Set<Room>>
	Rooms map[string]RoomSet // Map<Room, Set<SocketId>>

	logger *zap.SugaredLogger
}

var _ Adapter = (*InMemoryAdapter)(nil)

func NewInMemoryAdapterIniter() AdapterIniter {
	return func(nsp *Namespace) Adapter {
		return NewInMemoryAdapter(nsp)
	}
}

func NewInMemoryAdapter(nsp *Namespace) *InMemoryAdapter {
	binder := nsp.binder
	if binder == nil {
		binder = NopBinder{}
	}
	return &InMemoryAdapter{
		nsp:    nsp,
		binder: binder,
		Sids:   make(map[string]RoomSet),
		Rooms:  make(map[string]RoomSet),
		logger: nsp.logger.With("Adapter", "InMemory"),
	}
}

// AddAll joins sid to rooms. The first call for a sid also subscribes its
// connection to the namespace topic and reports the sid to the connection
// logger. Every given room is subscribed again, even when sid already is a
// member.
func (adp *InMemoryAdapter) AddAll(sid string, rooms ...string) {
	adp.logger.Debugf("%s Join %v", sid, rooms)

	if adp.join(sid, rooms) {
		adp.nsp.connLogger(adp.nsp.name, sid)
	}
}

// join records the membership and subscribes the native connection of sid.
// It reports whether sid was unknown before.
func (adp *InMemoryAdapter) join(sid string, rooms []string) bool {
	adp.Lock()
	defer adp.Unlock()

	_, known := adp.Sids[sid]
	isNew := !known
	if isNew {
		adp.Sids[sid] = make(RoomSet)
	}

	joined := make([]string, 0, len(rooms))
	for _, room := range rooms {
		if !validName(room) {
			adp.logger.Warnf("%s Join %q: %v", sid, room, ErrInvalidRoomName)
			continue
		}
		adp.Sids[sid][room] = struct{}{}

		if _, ok := adp.Rooms[room]; !ok {
			adp.Rooms[room] = make(RoomSet)
		}
		adp.Rooms[room][sid] = struct{}{}
		joined = append(joined, room)
	}

	sub := adp.nativeSubscriber(sid)
	if sub == nil {
		return isNew
	}
	if isNew {
		adp.subscribe(sub, Topic(adp.nsp.name, ""))
	}
	for _, room := range joined {
		adp.subscribe(sub, Topic(adp.nsp.name, room))
	}
	return isNew
}

func (adp *InMemoryAdapter) Del(sid, room string) {
	adp.logger.Debugf("%s Leave %v", sid, room)

	adp.Lock()
	defer adp.Unlock()

	if !adp.Sids[sid].Has(room) {
		return
	}
	delete(adp.Sids[sid], room)
	adp.dropMember(room, sid)

	if sub := adp.nativeSubscriber(sid); sub != nil {
		adp.unsubscribe(sub, Topic(adp.nsp.name, room))
	}
}

func (adp *InMemoryAdapter) DelAll(sid string) {
	adp.logger.Debugf("%s LeaveAll", sid)

	adp.Lock()
	defer adp.Unlock()

	rooms, ok := adp.Sids[sid]
	if !ok {
		return
	}
	sub := adp.nativeSubscriber(sid)
	for room := range rooms {
		adp.dropMember(room, sid)
		if sub != nil {
			adp.unsubscribe(sub, Topic(adp.nsp.name, room))
		}
	}
	if sub != nil {
		adp.unsubscribe(sub, Topic(adp.nsp.name, ""))
	}
	delete(adp.Sids, sid)
}

// Resubscribe subscribes the connection of sid to all its topics, after its
// transport was upgraded to a native one.
func (adp *InMemoryAdapter) Resubscribe(sid string) {
	adp.RLock()
	defer adp.RUnlock()

	rooms, ok := adp.Sids[sid]
	if !ok {
		return
	}
	sub := adp.nativeSubscriber(sid)
	if sub == nil {
		return
	}
	adp.subscribe(sub, Topic(adp.nsp.name, ""))
	for room := range rooms {
		adp.subscribe(sub, Topic(adp.nsp.name, room))
	}
}

// dropMember removes sid from room and forgets the room once empty. Must be
// called with the lock held.
func (adp *InMemoryAdapter) dropMember(room, sid string) {
	members, ok := adp.Rooms[room]
	if !ok {
		return
	}
	delete(members, sid)
	if len(members) == 0 {
		delete(adp.Rooms, room)
	}
}

func (adp *InMemoryAdapter) nativeSubscriber(sid string) Subscriber {
	socket := adp.nsp.socket(sid)
	if socket == nil {
		return nil
	}
	if !adp.binder.Native(socket.conn) {
		return nil
	}
	return socket.conn
}

func (adp *InMemoryAdapter) subscribe(sub Subscriber, topic string) {
	if err := adp.binder.Subscribe(sub, topic); err != nil {
		adp.logger.Errorf("Subscribe conn=%s topic=%q: %v", sub.ID(), topic, err)
	}
}

func (adp *InMemoryAdapter) unsubscribe(sub Subscriber, topic string) {
	if err := adp.binder.Unsubscribe(sub, topic); err != nil {
		adp.logger.Errorf("Unsubscribe conn=%s topic=%q: %v", sub.ID(), topic, err)
	}
}

// Broadcast publishes once to the topic of the selector when it names at
// most one room and excludes nothing; non-native connections of this server
// then get the same frames written directly. Any other selector is served by
// writing to each matching socket.
func (adp *InMemoryAdapter) Broadcast(packet *Packet, sel Selector) {
	adp.logger.Debugf("Broadcast %v with selector %v", packet, sel)

	packet = packet.clone()
	packet.Namespace = adp.nsp.name
	msgs, err := adp.nsp.parser.Encode(packet)
	if err != nil {
		adp.logger.Errorf("Broadcast packet %v: %v", packet, err)
		return
	}
	opts := sel.Flags.writeOptions()

	if !sel.fastPath() {
		adp.apply(sel, func(socket *Socket) {
			adp.write(socket, msgs, opts)
		})
		return
	}

	var room string
	for r := range sel.Rooms {
		room = r
	}
	adp.publish(Topic(adp.nsp.name, room), msgs, opts)

	adp.apply(sel, func(socket *Socket) {
		if !adp.binder.Native(socket.conn) {
			adp.write(socket, msgs, opts)
		}
	})
}

func (adp *InMemoryAdapter) publish(topic string, msgs []*message.Message, opts WriteOptions) {
	for _, msg := range msgs {
		var err error
		if msg.Type == message.MTBinary {
			err = adp.binder.Publish(topic, msg.Data, true, opts)
		} else {
			data := make([]byte, 0, len(msg.Data)+1)
			data = append(data, MessageMarker)
			data = append(data, msg.Data...)
			err = adp.binder.Publish(topic, data, false, opts)
		}
		if err != nil {
			adp.logger.Errorf("Publish topic=%q: %v", topic, err)
		}
	}
}

func (adp *InMemoryAdapter) write(socket *Socket, msgs []*message.Message, opts WriteOptions) {
	if err := socket.conn.WriteToEngine(msgs, opts); err != nil {
		adp.logger.Errorf("Broadcast sid=%v WriteToEngine: %v", socket.Id, err)
	}
}

func (adp *InMemoryAdapter) BroadcastWithAck(packet *Packet, sel Selector, onServerResponded func(int), onClientResponded func(any)) {
	adp.logger.Debugf("BroadcastWithAck %v with selector %v", packet, sel)

	packet = packet.clone()
	packet.Namespace = adp.nsp.name
	id := adp.nsp.nextAckID()
	packet.Id = &id

	msgs, err := adp.nsp.parser.Encode(packet)
	if err != nil {
		adp.logger.Errorf("BroadcastWithAck packet %v: %v", packet, err)
		onServerResponded(0)
		return
	}
	opts := sel.Flags.writeOptions()
	timeout := sel.Flags.Timeout
	if timeout <= 0 {
		timeout = adp.nsp.ackTimeout
	}

	clientCount := 0
	adp.apply(sel, func(socket *Socket) {
		clientCount++
		socket.registerAck(id, func(args []any) {
			onClientResponded(ackResponse(args))
		}, timeout)
		adp.write(socket, msgs, opts)
	})

	onServerResponded(clientCount)
}

func (adp *InMemoryAdapter) ServerCount(context.Context) (int, error) {
	return 1, nil
}

// matching returns the ids of the sockets selected by sel: members of any
// target room (every socket when there is none) that are in no excluded room.
func (adp *InMemoryAdapter) matching(sel Selector) []string {
	adp.RLock()
	defer adp.RUnlock()

	except := make(map[string]struct{})
	for room := range sel.Except {
		for sid := range adp.Rooms[room] {
			except[sid] = struct{}{}
		}
	}

	var sids []string
	if len(sel.Rooms) == 0 {
		for sid := range adp.Sids {
			if _, ok := except[sid]; !ok {
				sids = append(sids, sid)
			}
		}
		return sids
	}

	seen := make(map[string]struct{})
	for room := range sel.Rooms {
		for sid := range adp.Rooms[room] {
			if _, ok := except[sid]; ok {
				continue
			}
			if _, ok := seen[sid]; ok {
				continue
			}
			seen[sid] = struct{}{}
			sids = append(sids, sid)
		}
	}
	return sids
}

// apply runs f on every matching socket of this server, without holding the
// adapter lock so that f may join or leave rooms.
func (adp *InMemoryAdapter) apply(sel Selector, f func(*Socket)) {
	for _, sid := range adp.matching(sel) {
		if socket := adp.nsp.socket(sid); socket != nil {
			f(socket)
		}
	}
}

func (adp *InMemoryAdapter) Sockets(_ context.Context, rooms RoomSet) (RoomSet, error) {
	sids := NewRoomSet()
	adp.apply(Selector{Rooms: rooms}, func(socket *Socket) {
		sids[socket.Id] = struct{}{}
	})
	return sids, nil
}

func (adp *InMemoryAdapter) SocketRooms(sid string) (RoomSet, bool) {
	adp.RLock()
	defer adp.RUnlock()

	rooms, ok := adp.Sids[sid]
	if !ok {
		return nil, false
	}
	return rooms.With(), true
}

func (adp *InMemoryAdapter) FetchSockets(_ context.Context, sel Selector) ([]FetchedSocket, error) {
	var sockets []FetchedSocket
	adp.apply(sel, func(socket *Socket) {
		sockets = append(sockets, FetchedSocket{Kind: LocalSocket, Local: socket})
	})
	return sockets, nil
}

func (adp *InMemoryAdapter) AddSockets(sel Selector, rooms []string) {
	adp.apply(sel, func(socket *Socket) {
		socket.Join(rooms...)
	})
}

func (adp *InMemoryAdapter) DelSockets(sel Selector, rooms []string) {
	adp.apply(sel, func(socket *Socket) {
		socket.Leave(rooms...)
	})
}

func (adp *InMemoryAdapter) DisconnectSockets(sel Selector, close bool) {
	adp.apply(sel, func(socket *Socket) {
		socket.Disconnect(close)
	})
}

func (adp *InMemoryAdapter) Close() error {
	adp.Lock()
	defer adp.Unlock()

	adp.Sids = make(map[string]RoomSet)
	adp.Rooms = make(map[string]RoomSet)
	return nil
}
