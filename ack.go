package socketcast

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// AckCallback receives the outcome of an emit expecting acknowledgments:
// either (nil, responses) or (*AckTimeoutError, partial responses).
type AckCallback func(err error, response any)

// ackResponse collapses the arguments a client acknowledged with into one
// response value.
func ackResponse(args []any) any {
	switch len(args) {
	case 0:
		return nil
	case 1:
		return args[0]
	default:
		return args
	}
}

// popAck strips a trailing ack callback from emit arguments.
func popAck(args []any) ([]any, AckCallback) {
	n := len(args)
	if n == 0 {
		return args, nil
	}
	switch cb := args[n-1].(type) {
	case AckCallback:
		return args[:n-1], cb
	case func(error, any):
		return args[:n-1], cb
	}
	return args, nil
}

// ackAggregator collects responses from an unknown number of servers. It
// completes once the cluster size is known, every server reported its
// client count and as many responses as those counts add up to arrived.
type ackAggregator struct {
	mu sync.Mutex

	serverCountKnown    bool
	expectedServerCount int
	actualServerCount   int
	expectedClientCount int
	responses           []any

	single   bool
	done     bool
	timer    *time.Timer
	callback AckCallback

	logger *zap.SugaredLogger
}

func newAckAggregator(callback AckCallback, single bool, logger *zap.SugaredLogger) *ackAggregator {
	return &ackAggregator{
		responses: []any{},
		single:    single,
		callback:  callback,
		logger:    logger,
	}
}

func (a *ackAggregator) start(timeout time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.timer = time.AfterFunc(timeout, a.expire)
}

func (a *ackAggregator) serverResponded(clientCount int) {
	a.update("server count", func() {
		a.actualServerCount++
		a.expectedClientCount += clientCount
	})
}

func (a *ackAggregator) clientResponded(response any) {
	a.update("client response", func() {
		a.responses = append(a.responses, response)
	})
}

func (a *ackAggregator) setServerCount(n int) {
	a.update("cluster size", func() {
		a.serverCountKnown = true
		a.expectedServerCount = n
	})
}

func (a *ackAggregator) update(what string, f func()) {
	a.mu.Lock()
	if a.done {
		a.mu.Unlock()
		a.logger.Debugf("Ignoring late %s", what)
		return
	}
	f()
	if !a.complete() {
		a.mu.Unlock()
		return
	}
	a.done = true
	if a.timer != nil {
		a.timer.Stop()
	}
	result := a.result()
	a.mu.Unlock()

	a.callback(nil, result)
}

func (a *ackAggregator) complete() bool {
	return a.serverCountKnown &&
		a.expectedServerCount == a.actualServerCount &&
		len(a.responses) == a.expectedClientCount
}

func (a *ackAggregator) result() any {
	if !a.single {
		return append([]any{}, a.responses...)
	}
	if len(a.responses) == 0 {
		return nil
	}
	return a.responses[0]
}

func (a *ackAggregator) expire() {
	a.mu.Lock()
	if a.done {
		a.mu.Unlock()
		return
	}
	a.done = true
	partial := append([]any{}, a.responses...)
	a.logger.Debugf("Ack timeout: servers %d/%v, clients %d/%d",
		a.actualServerCount, a.expectedServerCountOrUnknown(), len(partial), a.expectedClientCount)
	a.mu.Unlock()

	var response any
	if !a.single {
		response = partial
	}
	a.callback(&AckTimeoutError{Responses: partial}, response)
}

func (a *ackAggregator) expectedServerCountOrUnknown() any {
	if !a.serverCountKnown {
		return "unknown"
	}
	return a.expectedServerCount
}
