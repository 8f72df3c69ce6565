package socketcast

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	engineigo "github.com/taogames/engine.igo"
	"github.com/taogames/engine.igo/message"
	"go.uber.org/zap"
)

const DefaultAckTimeout = 10 * time.Second

type ServerOption func(o *Server)

func WithPingInterval(intv time.Duration) ServerOption {
	return func(s *Server) {
		s.engineOpts = append(s.engineOpts, engineigo.WithPingInterval(intv))
	}
}

func WithPingTimeout(timeout time.Duration) ServerOption {
	return func(s *Server) {
		s.engineOpts = append(s.engineOpts, engineigo.WithPingTimeout(timeout))
	}
}

func WithMaxPayload(payload int64) ServerOption {
	return func(s *Server) {
		s.engineOpts = append(s.engineOpts, engineigo.WithMaxPayload(payload))
	}
}

func WithLogger(logger *zap.SugaredLogger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithAdapter replaces the in-memory adapter, e.g. by a cluster adapter.
func WithAdapter(init AdapterIniter) ServerOption {
	return func(s *Server) {
		s.adapterInit = init
	}
}

func WithTransportBinder(binder TransportBinder) ServerOption {
	return func(s *Server) {
		s.binder = binder
	}
}

func WithTransportResolver(resolve TransportResolver) ServerOption {
	return func(s *Server) {
		s.resolveTransport = resolve
	}
}

// WithAckTimeout sets the deadline of emits expecting acknowledgments that
// don't set their own timeout.
func WithAckTimeout(timeout time.Duration) ServerOption {
	return func(s *Server) {
		s.ackTimeout = timeout
	}
}

func WithConnectionLogger(l ConnectionLogger) ServerOption {
	return func(s *Server) {
		s.connLogger = l
	}
}

// WithBroadcastMiddleware installs middlewares on every operator of every
// namespace.
func WithBroadcastMiddleware(mws ...BroadcastMiddleware) ServerOption {
	return func(s *Server) {
		s.middlewares = append(s.middlewares, mws...)
	}
}

type Server struct {
	engine           *engineigo.Server
	engineOpts       []engineigo.ServerOption
	adapterInit      AdapterIniter
	binder           TransportBinder
	resolveTransport TransportResolver
	parser           Parser
	ackTimeout       time.Duration
	connLogger       ConnectionLogger
	middlewares      []BroadcastMiddleware

	nspsMu sync.RWMutex
	nsps   map[string]*Namespace

	logger *zap.SugaredLogger

	closeOnce sync.Once
	closed    chan struct{}
}

func NewServer(opts ...ServerOption) *Server {
	srv := &Server{
		adapterInit: NewInMemoryAdapterIniter(),
		binder:      NopBinder{},
		nsps:        make(map[string]*Namespace),
		parser:      DefaultParser,
		ackTimeout:  DefaultAckTimeout,
		closed:      make(chan struct{}),
	}

	for _, o := range opts {
		o(srv)
	}

	if srv.logger == nil {
		logger, err := zap.NewProduction()
		if err != nil {
			panic(err)
		}
		srv.logger = logger.Sugar()
	}
	if srv.resolveTransport == nil {
		srv.resolveTransport = sessionTransport
	}

	srv.engineOpts = append(srv.engineOpts, engineigo.WithLogger(srv.logger))
	srv.engine = engineigo.NewServer(srv.engineOpts...)

	return srv
}

// sessionTransport names the transport a session was accepted on. The
// connection keeps that name for its lifetime: a polling session upgraded
// to websocket later stays non-native.
func sessionTransport(e *engineigo.Session) string {
	return e.Transport()
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.engine.ServeHTTP(w, r)
}

func (s *Server) Accept() {
	for {
		select {
		case <-s.closed:
			return
		case e := <-s.engine.Accept():
			s.logger.Info("Engine.IO connection received")
			conn := &Connection{
				session:   e,
				server:    s,
				decoder:   s.parser.NewDecoder(),
				socketIds: make(map[string]*Socket),
				logger:    s.logger.With("Connection", e.ID()),
			}
			conn.transport.Store(s.resolveTransport(e))

			// Init
			go func() {
				mt, bs, err := conn.session.ReadMessage()
				if err != nil {
					s.logger.Error("conn.session.ReadMessage(): ", err)
					return
				}

				if mt != message.MTText {
					s.logger.Errorf("first message is %v, not text ", mt)
					conn.Close()
					return
				}
				packet, err := conn.decoder.Decode(&message.Message{Type: mt, Data: bs})
				if err != nil {
					s.logger.Error("parser.Decode error: ", err)
					conn.Close()
					return
				}
				if packet.Type != PacketConnect {
					s.logger.Errorf("first packet is %v, not connect", packet.Type)
					conn.Close()
					return
				}

				nsp, ok := s.namespace(packet.Namespace)
				if !ok {
					conn.ConnectError(packet.Namespace, ErrInvalidNamespace)
					conn.Close()
					return
				}
				handshake, _ := json.Marshal(packet.Data)
				conn.Connect(nsp, handshake)
				conn.Start()
			}()
		}
	}
}

// Close stops accepting connections, disconnects every socket and closes the
// adapters.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)

		s.nspsMu.RLock()
		nsps := make([]*Namespace, 0, len(s.nsps))
		for _, nsp := range s.nsps {
			nsps = append(nsps, nsp)
		}
		s.nspsMu.RUnlock()

		for _, nsp := range nsps {
			nsp.Local().DisconnectSockets(true)
			if err := nsp.adapter.Close(); err != nil {
				s.logger.Errorf("Close adapter of %s: %v", nsp.Name(), err)
			}
		}
	})
}

func (s *Server) namespace(name string) (*Namespace, bool) {
	s.nspsMu.RLock()
	defer s.nspsMu.RUnlock()
	nsp, ok := s.nsps[name]
	return nsp, ok
}

// Of returns the namespace with the given name, creating it on first use.
func (s *Server) Of(name string) *Namespace {
	if !validName(name) {
		panic(fmt.Sprintf("namespace %q contains the topic separator", name))
	}

	s.nspsMu.Lock()
	defer s.nspsMu.Unlock()

	nsp, ok := s.nsps[name]
	if ok {
		return nsp
	}

	nsp = NewNamespace(s, name)
	s.nsps[name] = nsp

	return nsp
}

func (s *Server) To(rooms ...string) *BroadcastOperator {
	return s.Of(MainNamespace).To(rooms...)
}

func (s *Server) Emit(eName string, args ...any) error {
	return s.Of(MainNamespace).Emit(eName, args...)
}
