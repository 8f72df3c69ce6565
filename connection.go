package socketcast

import (
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"

	engineigo "github.com/taogames/engine.igo"
	"github.com/taogames/engine.igo/message"
	"go.uber.org/zap"
)

// Conn is the engine connection shared by the sockets of one client, one
// socket per namespace.
type Conn interface {
	Subscriber
	WriteToEngine(msgs []*message.Message, opts WriteOptions) error
	Close()
	// Detach forgets the socket of a namespace the client left.
	Detach(nsp string)
}

// TransportResolver names the transport of an engine session when it is
// accepted. The default is the session's own Transport.
type TransportResolver func(*engineigo.Session) string

const TransportUnknown = "unknown"

type Connection struct {
	server    *Server
	session   *engineigo.Session
	decoder   Decoder
	transport atomic.Value

	mu        sync.RWMutex
	socketIds map[string]*Socket // map<Namespace, Socket>

	closed atomic.Bool

	logger *zap.SugaredLogger
}

var _ Conn = (*Connection)(nil)

func (conn *Connection) ID() string {
	return conn.session.ID()
}

func (conn *Connection) Transport() string {
	if t, ok := conn.transport.Load().(string); ok {
		return t
	}
	return TransportUnknown
}

// Upgrade records a transport change and resubscribes the sockets of this
// connection when the new transport receives topic publishes natively.
func (conn *Connection) Upgrade(transport string) {
	conn.transport.Store(transport)
	if !conn.server.binder.Native(conn) {
		return
	}

	conn.mu.RLock()
	sockets := make([]*Socket, 0, len(conn.socketIds))
	for _, socket := range conn.socketIds {
		sockets = append(sockets, socket)
	}
	conn.mu.RUnlock()

	for _, socket := range sockets {
		socket.nsp.TransportUpgraded(socket.Id)
	}
}

func (conn *Connection) Connect(nsp *Namespace, handshake []byte) {
	sid := conn.session.ID()
	rPacket := &Packet{
		Type:      PacketConnect,
		Namespace: nsp.Name(),
		Data:      connReply{Sid: sid},
	}
	msgs, err := nsp.parser.Encode(rPacket)
	if err != nil {
		conn.logger.Error("nsp.parser.Encode: ", err)
		return
	}
	if err := conn.WriteToEngine(msgs, WriteOptions{}); err != nil {
		conn.logger.Error("conn.WriteToEngine: ", err)
		return
	}

	socket := nsp.Connect(sid, conn, handshake)
	conn.mu.Lock()
	conn.socketIds[nsp.Name()] = socket
	conn.mu.Unlock()
}

func (conn *Connection) socket(nsp string) *Socket {
	conn.mu.RLock()
	defer conn.mu.RUnlock()
	return conn.socketIds[nsp]
}

func (conn *Connection) Detach(nsp string) {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	delete(conn.socketIds, nsp)
}

// WriteToEngine writes pre-encoded frames. Volatile frames are dropped
// instead of failing when the connection cannot take them.
func (conn *Connection) WriteToEngine(msgs []*message.Message, opts WriteOptions) error {
	if conn.closed.Load() {
		if opts.Volatile {
			return nil
		}
		return ErrSocketClosed
	}
	for _, msg := range msgs {
		if err := conn.session.WriteMessage(msg); err != nil {
			if opts.Volatile {
				conn.logger.Debug("Dropping volatile frame: ", err)
				return nil
			}
			return err
		}
	}
	return nil
}

// WriteRaw writes a topic publish. Text payloads carry the MessageMarker,
// which the engine adds itself on a regular write.
func (conn *Connection) WriteRaw(data []byte, binary bool, opts WriteOptions) error {
	if binary {
		return conn.WriteToEngine([]*message.Message{{Type: message.MTBinary, Data: data}}, opts)
	}
	if len(data) == 0 || data[0] != MessageMarker {
		return errors.New("raw text payload without message marker")
	}
	return conn.WriteToEngine([]*message.Message{{Type: message.MTText, Data: data[1:]}}, opts)
}

func (conn *Connection) ConnectError(namespace string, errMsg interface{}) {
	rPacket := &Packet{
		Type:      PacketConnectError,
		Namespace: namespace,
		Data:      errMsg,
	}

	msgs, err := conn.server.parser.Encode(rPacket)
	if err != nil {
		conn.logger.Error("conn.server.parser.Encode", err)
		return
	}
	if err := conn.WriteToEngine(msgs, WriteOptions{}); err != nil {
		conn.logger.Error("conn.WriteToEngine: ", err)
	}
}

func (conn *Connection) Start() {
	for {
		mt, bs, err := conn.session.ReadMessage()
		if err != nil {
			conn.logger.Debug("conn.session.ReadMessage: ", err)
			conn.closeSockets(DRTransportClose)
			conn.Close()
			return
		}

		conn.onPacket(mt, bs)
	}
}

func (conn *Connection) closeSockets(reason DisconnectReason) {
	conn.mu.RLock()
	sockets := make([]*Socket, 0, len(conn.socketIds))
	for _, socket := range conn.socketIds {
		sockets = append(sockets, socket)
	}
	conn.mu.RUnlock()

	for _, socket := range sockets {
		socket.onClose(reason)
	}
}

func (conn *Connection) onPacket(mt message.MessageType, data []byte) {
	packet, err := conn.decoder.Decode(&message.Message{Type: mt, Data: data})
	if err != nil {
		conn.logger.Error("conn.decoder.Decode: ", err)
		conn.closeSockets(DRTransportError)
		conn.Close()
		return
	}
	if packet == nil {
		// Binary payload concatenating
		return
	}

	nsp, ok := conn.server.namespace(packet.Namespace)
	if !ok {
		conn.ConnectError(packet.Namespace, ErrInvalidNamespace)
		return
	}

	switch packet.Type {
	case PacketConnect:
		handshake, _ := json.Marshal(packet.Data)
		conn.Connect(nsp, handshake)
		return
	}

	socket := conn.socket(nsp.Name())
	if socket == nil {
		conn.logger.Debugf("Packet %v for unconnected namespace %s", packet.Type, nsp.Name())
		return
	}

	switch packet.Type {
	case PacketDisconnect:
		socket.onClose(DRClientNamespaceDisconnect)
	case PacketEvent, PacketBinaryEvent:
		go socket.dispatch(packet)
	case PacketAck, PacketBinaryAck:
		socket.OnAck(packet)
	default:
		// Not supported
	}
}

func (conn *Connection) Close() {
	if !conn.closed.CompareAndSwap(false, true) {
		return
	}
	conn.session.Close()
}

type connReply struct {
	Sid string `json:"sid"`
}
