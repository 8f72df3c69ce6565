package socketcast

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const MainNamespace = "/"

// ConnectionLogger is told about every socket joining its first room, which
// happens once per socket when it enters a namespace.
type ConnectionLogger func(nsp, sid string)

type Namespace struct {
	name    string
	parser  Parser
	adapter Adapter
	binder  TransportBinder

	ackTimeout time.Duration
	ackIds     atomic.Int64
	connLogger ConnectionLogger

	middlewares []BroadcastMiddleware

	onConnection SocketFunction

	sync.RWMutex
	sockets map[string]*Socket

	logger *zap.SugaredLogger
}

type SocketFunction func(*Socket)

func NewNamespace(s *Server, name string) *Namespace {
	nsp := &Namespace{
		name:        name,
		parser:      s.parser,
		binder:      s.binder,
		ackTimeout:  s.ackTimeout,
		connLogger:  s.connLogger,
		middlewares: s.middlewares,
		sockets:     make(map[string]*Socket),
		logger:      s.logger.With("Namespace", name),
	}
	if nsp.connLogger == nil {
		nsp.connLogger = func(nspName, sid string) {
			nsp.logger.Debugf("Socket %s connected to %s", sid, nspName)
		}
	}
	nsp.adapter = s.adapterInit(nsp)

	return nsp
}

func (nsp *Namespace) OnConnection(f SocketFunction) {
	nsp.onConnection = f
}

func (nsp *Namespace) Name() string {
	return nsp.name
}

func (nsp *Namespace) Adapter() Adapter {
	return nsp.adapter
}

func (nsp *Namespace) Logger() *zap.SugaredLogger {
	return nsp.logger
}

func (nsp *Namespace) Parser() Parser {
	return nsp.parser
}

func (nsp *Namespace) nextAckID() int {
	return int(nsp.ackIds.Add(1) - 1)
}

func (nsp *Namespace) Connect(sid string, conn Conn, handshake []byte) *Socket {
	socket := &Socket{
		Id:     sid,
		conn:   conn,
		nsp:    nsp,
		Data:   make(map[string]any),
		acks:   make(map[int]func([]any)),
		logger: nsp.logger.With("Socket", sid),
	}
	socket.connected.Store(true)
	socket.Handshake.Issued = time.Now().UnixMilli()
	if len(handshake) > 0 {
		if err := json.Unmarshal(handshake, &socket.Handshake.Auth); err != nil {
			nsp.logger.Error(err)
		}
	}
	if socket.Handshake.Auth == nil {
		socket.Handshake.Auth = make(map[string]any)
	}

	nsp.Lock()
	nsp.sockets[socket.Id] = socket
	nsp.Unlock()

	nsp.adapter.AddAll(socket.Id, socket.Id)

	if nsp.onConnection != nil {
		nsp.onConnection(socket)
	}
	return socket
}

func (nsp *Namespace) socket(sid string) *Socket {
	nsp.RLock()
	defer nsp.RUnlock()
	return nsp.sockets[sid]
}

// Socket returns the live socket with the given id on this server.
func (nsp *Namespace) Socket(sid string) (*Socket, bool) {
	socket := nsp.socket(sid)
	return socket, socket != nil
}

// remove drops the socket from its rooms while it still counts as live, so
// that its topics get unsubscribed, then forgets it.
func (nsp *Namespace) remove(sid string) {
	nsp.adapter.DelAll(sid)

	nsp.Lock()
	delete(nsp.sockets, sid)
	nsp.Unlock()
}

// TransportUpgraded resubscribes a socket whose connection switched to a
// transport receiving topic publishes natively.
func (nsp *Namespace) TransportUpgraded(sid string) {
	if r, ok := nsp.adapter.(interface{ Resubscribe(string) }); ok {
		r.Resubscribe(sid)
	}
}

func (nsp *Namespace) operator() *BroadcastOperator {
	return newBroadcastOperator(nsp, nsp.adapter).Use(nsp.middlewares...)
}

func (nsp *Namespace) To(rooms ...string) *BroadcastOperator {
	return nsp.operator().To(rooms...)
}

func (nsp *Namespace) In(rooms ...string) *BroadcastOperator {
	return nsp.operator().In(rooms...)
}

func (nsp *Namespace) Except(rooms ...string) *BroadcastOperator {
	return nsp.operator().Except(rooms...)
}

func (nsp *Namespace) Compress(compress bool) *BroadcastOperator {
	return nsp.operator().Compress(compress)
}

func (nsp *Namespace) Volatile() *BroadcastOperator {
	return nsp.operator().Volatile()
}

func (nsp *Namespace) Local() *BroadcastOperator {
	return nsp.operator().Local()
}

func (nsp *Namespace) Timeout(timeout time.Duration) *BroadcastOperator {
	return nsp.operator().Timeout(timeout)
}

func (nsp *Namespace) Use(mws ...BroadcastMiddleware) *BroadcastOperator {
	return nsp.operator().Use(mws...)
}

// Emit broadcasts to every socket of the namespace.
func (nsp *Namespace) Emit(eName string, args ...any) error {
	return nsp.operator().Emit(eName, args...)
}

func (nsp *Namespace) EmitWithAck(ctx context.Context, eName string, args ...any) (any, error) {
	return nsp.operator().EmitWithAck(ctx, eName, args...)
}

func (nsp *Namespace) AllSockets(ctx context.Context) (RoomSet, error) {
	return nsp.operator().AllSockets(ctx)
}

func (nsp *Namespace) FetchSockets(ctx context.Context) ([]FetchedSocket, error) {
	return nsp.operator().FetchSockets(ctx)
}

func (nsp *Namespace) SocketsJoin(rooms ...string) {
	nsp.operator().SocketsJoin(rooms...)
}

func (nsp *Namespace) SocketsLeave(rooms ...string) {
	nsp.operator().SocketsLeave(rooms...)
}

func (nsp *Namespace) DisconnectSockets(close bool) {
	nsp.operator().DisconnectSockets(close)
}

func (nsp *Namespace) ServerCount(ctx context.Context) (int, error) {
	if nsp.adapter == nil {
		return 0, ErrNoAdapter
	}
	return nsp.adapter.ServerCount(ctx)
}
