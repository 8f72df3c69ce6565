// Package cluster spreads the adapter of a namespace over several servers
// exchanging messages on a Bus.
package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/taogames/socketcast"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultHeartbeatInterval = 5 * time.Second
	DefaultHeartbeatTimeout  = 10 * time.Second
	DefaultRequestTimeout    = 5 * time.Second
	DefaultChannelPrefix     = "socketcast"
)

var (
	ErrRequestTimeout = errors.New("cluster: request timed out")
	ErrAdapterClosed  = errors.New("cluster: adapter closed")
)

type Options struct {
	HeartbeatInterval time.Duration
	// HeartbeatTimeout is how long a silent server still counts as alive.
	HeartbeatTimeout time.Duration
	// RequestTimeout bounds FetchSockets when the selector carries no
	// timeout.
	RequestTimeout time.Duration
	ChannelPrefix  string
}

type Option func(o *Options)

func WithHeartbeatInterval(intv time.Duration) Option {
	return func(o *Options) {
		o.HeartbeatInterval = intv
	}
}

func WithHeartbeatTimeout(timeout time.Duration) Option {
	return func(o *Options) {
		o.HeartbeatTimeout = timeout
	}
}

func WithRequestTimeout(timeout time.Duration) Option {
	return func(o *Options) {
		o.RequestTimeout = timeout
	}
}

func WithChannelPrefix(prefix string) Option {
	return func(o *Options) {
		o.ChannelPrefix = prefix
	}
}

// Adapter keeps the local room table in its embedded InMemoryAdapter and
// forwards every non-local operation to the other servers of the cluster.
type Adapter struct {
	*socketcast.InMemoryAdapter

	nsp     *socketcast.Namespace
	bus     Bus
	uid     string
	channel string
	opts    Options

	mu          sync.Mutex
	nodes       map[string]time.Time // Map<ServerId, LastHeartbeat>
	ackRequests map[string]*ackRequest
	fetches     map[string]chan []socketcast.SocketDetails

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group

	closeOnce sync.Once

	logger *zap.SugaredLogger
}

var _ socketcast.Adapter = (*Adapter)(nil)

type ackRequest struct {
	onServerResponded func(int)
	onClientResponded func(any)
}

// NewAdapterIniter returns an AdapterIniter starting a cluster adapter per
// namespace on bus. Adapters that fail to subscribe fall back to serving
// their own server only.
func NewAdapterIniter(bus Bus, opts ...Option) socketcast.AdapterIniter {
	return func(nsp *socketcast.Namespace) socketcast.Adapter {
		adp := NewAdapter(nsp, bus, opts...)
		if err := adp.Start(); err != nil {
			adp.logger.Errorf("Start: %v", err)
		}
		return adp
	}
}

func NewAdapter(nsp *socketcast.Namespace, bus Bus, opts ...Option) *Adapter {
	o := Options{
		HeartbeatInterval: DefaultHeartbeatInterval,
		HeartbeatTimeout:  DefaultHeartbeatTimeout,
		RequestTimeout:    DefaultRequestTimeout,
		ChannelPrefix:     DefaultChannelPrefix,
	}
	for _, opt := range opts {
		opt(&o)
	}

	uid := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	group, ctx := errgroup.WithContext(ctx)

	return &Adapter{
		InMemoryAdapter: socketcast.NewInMemoryAdapter(nsp),
		nsp:             nsp,
		bus:             bus,
		uid:             uid,
		channel:         o.ChannelPrefix + "#" + nsp.Name(),
		opts:            o,
		nodes:           make(map[string]time.Time),
		ackRequests:     make(map[string]*ackRequest),
		fetches:         make(map[string]chan []socketcast.SocketDetails),
		ctx:             ctx,
		cancel:          cancel,
		group:           group,
		logger:          nsp.Logger().With("Adapter", "Cluster", "Server", uid),
	}
}

func (a *Adapter) UID() string {
	return a.uid
}

// Start subscribes to the namespace channel, announces this server and
// starts heartbeating.
func (a *Adapter) Start() error {
	sub, err := a.bus.Subscribe(a.ctx, a.channel, a.onPayload)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", a.channel, err)
	}
	a.group.Go(func() error {
		if err := sub.Wait(); err != nil {
			a.logger.Errorf("Subscription %s: %v", a.channel, err)
			return err
		}
		return nil
	})

	a.publish(MessageInitialHeartbeat, "", nil)

	a.group.Go(func() error {
		ticker := time.NewTicker(a.opts.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-a.ctx.Done():
				return nil
			case <-ticker.C:
				a.publish(MessageHeartbeat, "", nil)
				a.pruneNodes()
			}
		}
	})
	return nil
}

// Close tells the other servers this one is leaving and stops the adapter.
func (a *Adapter) Close() error {
	var err error
	a.closeOnce.Do(func() {
		a.publish(MessageAdapterClose, "", nil)
		a.cancel()
		if werr := a.group.Wait(); werr != nil && !errors.Is(werr, context.Canceled) {
			err = werr
		}
		if cerr := a.InMemoryAdapter.Close(); cerr != nil {
			err = errors.Join(err, cerr)
		}
	})
	return err
}

func (a *Adapter) publish(mt MessageType, to string, data any) {
	msg := Message{UID: a.uid, Type: mt, Nsp: a.nsp.Name(), To: to}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			a.logger.Errorf("Marshal %v: %v", mt, err)
			return
		}
		msg.Data = raw
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		a.logger.Errorf("Marshal %v: %v", mt, err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), a.opts.RequestTimeout)
	defer cancel()
	if err := a.bus.Publish(ctx, a.channel, payload); err != nil {
		a.logger.Errorf("Publish %v: %v", mt, err)
	}
}

func (a *Adapter) onPayload(payload []byte) {
	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		a.logger.Errorf("Unmarshal message: %v", err)
		return
	}
	if msg.UID == a.uid || msg.Nsp != a.nsp.Name() {
		return
	}
	if msg.To != "" && msg.To != a.uid {
		return
	}
	a.logger.Debugf("Received %v from %s", msg.Type, msg.UID)

	if err := a.onMessage(&msg); err != nil {
		a.logger.Errorf("Handle %v from %s: %v", msg.Type, msg.UID, err)
	}
}

func (a *Adapter) onMessage(msg *Message) error {
	switch msg.Type {
	case MessageInitialHeartbeat:
		a.touchNode(msg.UID)
		a.publish(MessageHeartbeat, "", nil)

	case MessageHeartbeat:
		a.touchNode(msg.UID)

	case MessageAdapterClose:
		a.mu.Lock()
		delete(a.nodes, msg.UID)
		a.mu.Unlock()

	case MessageBroadcast:
		var data broadcastData
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			return err
		}
		return a.onBroadcast(msg.UID, &data)

	case MessageBroadcastClientCount:
		var data clientCountData
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			return err
		}
		if req := a.ackRequest(data.RequestID); req != nil {
			req.onServerResponded(data.ClientCount)
		}

	case MessageBroadcastAck:
		var data ackData
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			return err
		}
		if req := a.ackRequest(data.RequestID); req != nil {
			req.onClientResponded(data.Response)
		}

	case MessageSocketsJoin:
		var data roomsData
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			return err
		}
		a.InMemoryAdapter.AddSockets(data.Opts.selector(), data.Rooms)

	case MessageSocketsLeave:
		var data roomsData
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			return err
		}
		a.InMemoryAdapter.DelSockets(data.Opts.selector(), data.Rooms)

	case MessageDisconnectSockets:
		var data disconnectData
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			return err
		}
		a.InMemoryAdapter.DisconnectSockets(data.Opts.selector(), data.Close)

	case MessageFetchSockets:
		var data fetchRequestData
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			return err
		}
		sockets, err := a.InMemoryAdapter.FetchSockets(a.ctx, data.Opts.selector())
		if err != nil {
			return err
		}
		details := make([]socketcast.SocketDetails, 0, len(sockets))
		for _, s := range sockets {
			details = append(details, s.Local.Details())
		}
		a.publish(MessageFetchSocketsResponse, msg.UID, fetchResponseData{
			RequestID: data.RequestID,
			Sockets:   details,
		})

	case MessageFetchSocketsResponse:
		var data fetchResponseData
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			return err
		}
		a.mu.Lock()
		ch, ok := a.fetches[data.RequestID]
		a.mu.Unlock()
		if !ok {
			a.logger.Debugf("Ignoring late fetch response %s", data.RequestID)
			return nil
		}
		select {
		case ch <- data.Sockets:
		default:
			a.logger.Debugf("Ignoring extra fetch response %s", data.RequestID)
		}

	default:
		return fmt.Errorf("unknown message type %v", msg.Type)
	}
	return nil
}

func (a *Adapter) onBroadcast(origin string, data *broadcastData) error {
	packet, err := socketcast.DecodeFrames(a.nsp.Parser(), fromFrames(data.Frames))
	if err != nil {
		return fmt.Errorf("decode broadcast: %w", err)
	}
	sel := data.Opts.selector()

	if data.RequestID == "" {
		a.InMemoryAdapter.Broadcast(packet, sel)
		return nil
	}

	requestID := data.RequestID
	a.InMemoryAdapter.BroadcastWithAck(packet, sel,
		func(clientCount int) {
			a.publish(MessageBroadcastClientCount, origin, clientCountData{
				RequestID:   requestID,
				ClientCount: clientCount,
			})
		},
		func(response any) {
			a.publish(MessageBroadcastAck, origin, ackData{
				RequestID: requestID,
				Response:  response,
			})
		})
	return nil
}

func (a *Adapter) touchNode(uid string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.nodes[uid]; !ok {
		a.logger.Infof("Server %s joined", uid)
	}
	a.nodes[uid] = time.Now()
}

func (a *Adapter) pruneNodes() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for uid, seen := range a.nodes {
		if time.Since(seen) > a.opts.HeartbeatTimeout {
			a.logger.Infof("Server %s timed out", uid)
			delete(a.nodes, uid)
		}
	}
}

func (a *Adapter) ackRequest(requestID string) *ackRequest {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ackRequests[requestID]
}

// ServerCount counts this server and every server heard from within the
// heartbeat timeout.
func (a *Adapter) ServerCount(context.Context) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	count := 1
	for _, seen := range a.nodes {
		if time.Since(seen) <= a.opts.HeartbeatTimeout {
			count++
		}
	}
	return count, nil
}

func (a *Adapter) encode(packet *socketcast.Packet) ([]frame, error) {
	p := *packet
	p.Namespace = a.nsp.Name()
	msgs, err := a.nsp.Parser().Encode(&p)
	if err != nil {
		return nil, err
	}
	return toFrames(msgs), nil
}

func (a *Adapter) Broadcast(packet *socketcast.Packet, sel socketcast.Selector) {
	if !sel.Flags.Local {
		frames, err := a.encode(packet)
		if err != nil {
			a.logger.Errorf("Broadcast packet %v: %v", packet, err)
			return
		}
		a.publish(MessageBroadcast, "", broadcastData{
			Frames: frames,
			Opts:   toSelectorData(sel),
		})
	}
	a.InMemoryAdapter.Broadcast(packet, sel)
}

// BroadcastWithAck relays the counts and acknowledgments of the other
// servers until the selector's timeout.
func (a *Adapter) BroadcastWithAck(packet *socketcast.Packet, sel socketcast.Selector, onServerResponded func(int), onClientResponded func(any)) {
	if !sel.Flags.Local {
		frames, err := a.encode(packet)
		if err != nil {
			a.logger.Errorf("BroadcastWithAck packet %v: %v", packet, err)
			onServerResponded(0)
			return
		}

		requestID := uuid.NewString()
		a.mu.Lock()
		a.ackRequests[requestID] = &ackRequest{
			onServerResponded: onServerResponded,
			onClientResponded: onClientResponded,
		}
		a.mu.Unlock()

		timeout := sel.Flags.Timeout
		if timeout <= 0 {
			timeout = a.opts.RequestTimeout
		}
		time.AfterFunc(timeout, func() {
			a.mu.Lock()
			delete(a.ackRequests, requestID)
			a.mu.Unlock()
		})

		a.publish(MessageBroadcast, "", broadcastData{
			Frames:    frames,
			Opts:      toSelectorData(sel),
			RequestID: requestID,
		})
	}
	a.InMemoryAdapter.BroadcastWithAck(packet, sel, onServerResponded, onClientResponded)
}

// Sockets returns the ids of the sockets in rooms on every server.
func (a *Adapter) Sockets(ctx context.Context, rooms socketcast.RoomSet) (socketcast.RoomSet, error) {
	sockets, err := a.FetchSockets(ctx, socketcast.Selector{Rooms: rooms})
	if err != nil {
		return nil, err
	}
	sids := socketcast.NewRoomSet()
	for _, s := range sockets {
		sids[s.ID()] = struct{}{}
	}
	return sids, nil
}

// FetchSockets waits for the sockets of every other live server, failing
// with ErrRequestTimeout when one of them does not answer in time.
func (a *Adapter) FetchSockets(ctx context.Context, sel socketcast.Selector) ([]socketcast.FetchedSocket, error) {
	sockets, err := a.InMemoryAdapter.FetchSockets(ctx, sel)
	if err != nil || sel.Flags.Local {
		return sockets, err
	}

	count, err := a.ServerCount(ctx)
	if err != nil {
		return nil, err
	}
	expected := count - 1
	if expected == 0 {
		return sockets, nil
	}

	requestID := uuid.NewString()
	ch := make(chan []socketcast.SocketDetails, expected)
	a.mu.Lock()
	a.fetches[requestID] = ch
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		delete(a.fetches, requestID)
		a.mu.Unlock()
	}()

	a.publish(MessageFetchSockets, "", fetchRequestData{
		RequestID: requestID,
		Opts:      toSelectorData(sel),
	})

	timeout := sel.Flags.Timeout
	if timeout <= 0 {
		timeout = a.opts.RequestTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for received := 0; received < expected; received++ {
		select {
		case details := <-ch:
			for _, d := range details {
				sockets = append(sockets, socketcast.FetchedSocket{
					Kind:   socketcast.RemoteSocketKind,
					Remote: socketcast.NewRemoteSocket(a.nsp, d),
				})
			}
		case <-timer.C:
			return nil, fmt.Errorf("%w: fetch sockets, %d of %d servers responded", ErrRequestTimeout, received, expected)
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-a.ctx.Done():
			return nil, ErrAdapterClosed
		}
	}
	return sockets, nil
}

func (a *Adapter) AddSockets(sel socketcast.Selector, rooms []string) {
	if !sel.Flags.Local {
		a.publish(MessageSocketsJoin, "", roomsData{Opts: toSelectorData(sel), Rooms: rooms})
	}
	a.InMemoryAdapter.AddSockets(sel, rooms)
}

func (a *Adapter) DelSockets(sel socketcast.Selector, rooms []string) {
	if !sel.Flags.Local {
		a.publish(MessageSocketsLeave, "", roomsData{Opts: toSelectorData(sel), Rooms: rooms})
	}
	a.InMemoryAdapter.DelSockets(sel, rooms)
}

func (a *Adapter) DisconnectSockets(sel socketcast.Selector, close bool) {
	if !sel.Flags.Local {
		a.publish(MessageDisconnectSockets, "", disconnectData{Opts: toSelectorData(sel), Close: close})
	}
	a.InMemoryAdapter.DisconnectSockets(sel, close)
}
