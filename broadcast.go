package socketcast

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// BroadcastOperator selects target sockets and emits to them. It is
// immutable: every modifier returns a new operator and leaves the receiver
// usable as it was.
type BroadcastOperator struct {
	adapter Adapter
	nsp     *Namespace

	rooms       RoomSet
	except      RoomSet
	flags       BroadcastFlags
	middlewares []BroadcastMiddleware

	logger *zap.SugaredLogger
}

func newBroadcastOperator(nsp *Namespace, adapter Adapter) *BroadcastOperator {
	return &BroadcastOperator{
		adapter: adapter,
		nsp:     nsp,
		rooms:   NewRoomSet(),
		except:  NewRoomSet(),
		logger:  nsp.logger.With("Operator", "Broadcast"),
	}
}

func (b *BroadcastOperator) clone() *BroadcastOperator {
	c := *b
	return &c
}

// To targets rooms in addition to the already targeted ones.
func (b *BroadcastOperator) To(rooms ...string) *BroadcastOperator {
	c := b.clone()
	c.rooms = b.rooms.With(rooms...)
	return c
}

func (b *BroadcastOperator) In(rooms ...string) *BroadcastOperator {
	return b.To(rooms...)
}

func (b *BroadcastOperator) Except(rooms ...string) *BroadcastOperator {
	c := b.clone()
	c.except = b.except.With(rooms...)
	return c
}

func (b *BroadcastOperator) Compress(compress bool) *BroadcastOperator {
	c := b.clone()
	c.flags.Compress = compress
	return c
}

// Volatile marks the emit as droppable when a connection cannot take it.
func (b *BroadcastOperator) Volatile() *BroadcastOperator {
	c := b.clone()
	c.flags.Volatile = true
	return c
}

// Local restricts the emit to sockets of this server.
func (b *BroadcastOperator) Local() *BroadcastOperator {
	c := b.clone()
	c.flags.Local = true
	return c
}

func (b *BroadcastOperator) Timeout(timeout time.Duration) *BroadcastOperator {
	c := b.clone()
	c.flags.Timeout = timeout
	return c
}

func (b *BroadcastOperator) expectSingleResponse() *BroadcastOperator {
	c := b.clone()
	c.flags.ExpectSingleResponse = true
	return c
}

// Use appends middlewares run by Emit before dispatch.
func (b *BroadcastOperator) Use(mws ...BroadcastMiddleware) *BroadcastOperator {
	c := b.clone()
	c.middlewares = make([]BroadcastMiddleware, 0, len(b.middlewares)+len(mws))
	c.middlewares = append(c.middlewares, b.middlewares...)
	c.middlewares = append(c.middlewares, mws...)
	return c
}

func (b *BroadcastOperator) Rooms() RoomSet        { return b.rooms.With() }
func (b *BroadcastOperator) ExceptRooms() RoomSet  { return b.except.With() }
func (b *BroadcastOperator) Flags() BroadcastFlags { return b.flags }

func (b *BroadcastOperator) selector() Selector {
	return Selector{Rooms: b.rooms, Except: b.except, Flags: b.flags}
}

func (b *BroadcastOperator) ackTimeout(flags BroadcastFlags) time.Duration {
	if flags.Timeout > 0 {
		return flags.Timeout
	}
	return b.nsp.ackTimeout
}

// Emit sends an event to every selected socket. When the last argument is
// an AckCallback it is called exactly once, after all selected sockets on
// all servers acknowledged or when the timeout expires.
func (b *BroadcastOperator) Emit(eName string, args ...any) error {
	if isReservedEvent(eName) {
		return &InvalidEventNameError{Name: eName}
	}
	if b.adapter == nil {
		return ErrNoAdapter
	}

	args, ack := popAck(args)
	data := make([]any, 0, len(args)+1)
	data = append(data, eName)
	data = append(data, args...)

	packet := &Packet{
		Type:      PacketEvent,
		Namespace: b.nsp.Name(),
		Data:      data,
	}

	sel, packet, err := runMiddlewares(b.middlewares, b.selector(), packet)
	if err != nil {
		return err
	}
	for room := range sel.Rooms {
		if !validName(room) {
			return ErrInvalidRoomName
		}
	}

	if ack == nil {
		b.adapter.Broadcast(packet, sel)
		return nil
	}

	timeout := b.ackTimeout(sel.Flags)
	sel.Flags.Timeout = timeout

	agg := newAckAggregator(ack, sel.Flags.ExpectSingleResponse, b.logger)
	agg.start(timeout)

	b.adapter.BroadcastWithAck(packet, sel, agg.serverResponded, agg.clientResponded)

	if sel.Flags.Local {
		agg.setServerCount(1)
		return nil
	}

	adapter := b.adapter
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		n, err := adapter.ServerCount(ctx)
		if err != nil {
			b.logger.Errorf("ServerCount: %v", err)
			return
		}
		agg.setServerCount(n)
	}()

	return nil
}

// EmitWithAck emits and waits for the aggregated acknowledgment. On timeout
// the returned *AckTimeoutError carries the responses that did arrive.
func (b *BroadcastOperator) EmitWithAck(ctx context.Context, eName string, args ...any) (any, error) {
	type result struct {
		response any
		err      error
	}
	done := make(chan result, 1)

	withAck := make([]any, 0, len(args)+1)
	withAck = append(withAck, args...)
	withAck = append(withAck, AckCallback(func(err error, response any) {
		done <- result{response: response, err: err}
	}))

	if err := b.Emit(eName, withAck...); err != nil {
		return nil, err
	}

	select {
	case r := <-done:
		return r.response, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// AllSockets returns the ids of the sockets in the targeted rooms, on all
// servers.
func (b *BroadcastOperator) AllSockets(ctx context.Context) (RoomSet, error) {
	if b.adapter == nil {
		return nil, ErrNoAdapter
	}
	return b.adapter.Sockets(ctx, b.rooms)
}

// FetchSockets returns the selected sockets: live sockets of this server and
// snapshots of the ones held by other servers.
func (b *BroadcastOperator) FetchSockets(ctx context.Context) ([]FetchedSocket, error) {
	if b.adapter == nil {
		return nil, ErrNoAdapter
	}
	sel := b.selector()
	sel.Flags.Timeout = b.ackTimeout(sel.Flags)
	return b.adapter.FetchSockets(ctx, sel)
}

// SocketsJoin makes the selected sockets join rooms.
func (b *BroadcastOperator) SocketsJoin(rooms ...string) {
	if b.adapter == nil {
		return
	}
	b.adapter.AddSockets(b.selector(), rooms)
}

func (b *BroadcastOperator) SocketsLeave(rooms ...string) {
	if b.adapter == nil {
		return
	}
	b.adapter.DelSockets(b.selector(), rooms)
}

// DisconnectSockets disconnects the selected sockets, closing their
// underlying connection when close is true.
func (b *BroadcastOperator) DisconnectSockets(close bool) {
	if b.adapter == nil {
		return
	}
	b.adapter.DisconnectSockets(b.selector(), close)
}
