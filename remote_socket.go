package socketcast

import "time"

// RemoteSocket is a read-only snapshot of a socket held by another server.
// Its methods are routed through the adapter to whichever server owns it.
type RemoteSocket struct {
	ID        string
	Handshake Handshake
	Rooms     RoomSet
	Data      map[string]any

	operator *BroadcastOperator
}

func NewRemoteSocket(nsp *Namespace, details SocketDetails) *RemoteSocket {
	return &RemoteSocket{
		ID:        details.ID,
		Handshake: details.Handshake,
		Rooms:     NewRoomSet(details.Rooms...),
		Data:      details.Data,
		operator:  nsp.operator().To(details.ID).expectSingleResponse(),
	}
}

// Emit sends an event to the socket. An AckCallback as last argument gets
// the single response of the socket.
func (s *RemoteSocket) Emit(eName string, args ...any) error {
	return s.operator.Emit(eName, args...)
}

func (s *RemoteSocket) Timeout(timeout time.Duration) *BroadcastOperator {
	return s.operator.Timeout(timeout)
}

func (s *RemoteSocket) Join(rooms ...string) {
	s.operator.SocketsJoin(rooms...)
}

func (s *RemoteSocket) Leave(rooms ...string) {
	s.operator.SocketsLeave(rooms...)
}

func (s *RemoteSocket) Disconnect(close bool) {
	s.operator.DisconnectSockets(close)
}
