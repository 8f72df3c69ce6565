package socketcast

import (
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

func TestAckAggregatorCompletesOnce(t *testing.T) {
	type step func(a *ackAggregator)
	server := func(n int) step { return func(a *ackAggregator) { a.serverResponded(n) } }
	client := func(v any) step { return func(a *ackAggregator) { a.clientResponded(v) } }
	count := func(n int) step { return func(a *ackAggregator) { a.setServerCount(n) } }

	tests := []struct {
		name  string
		steps []step
	}{
		{
			name:  "servers first",
			steps: []step{count(2), server(3), server(2), client(1), client(2), client(3), client(4), client(5)},
		},
		{
			name:  "clients first",
			steps: []step{client(1), client(2), client(3), client(4), client(5), server(3), server(2), count(2)},
		},
		{
			name:  "interleaved",
			steps: []step{server(3), client(1), client(2), count(2), client(3), client(4), server(2), client(5)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			var got []any
			agg := newAckAggregator(func(err error, response any) {
				calls++
				if err != nil {
					t.Errorf("err = %v", err)
				}
				got, _ = response.([]any)
			}, false, zaptest.NewLogger(t).Sugar())
			agg.start(time.Minute)

			for i, s := range tt.steps {
				if calls != 0 {
					t.Fatalf("completed early, before step %d", i)
				}
				s(agg)
			}

			if calls != 1 {
				t.Fatalf("callback calls = %d, want 1", calls)
			}
			if len(got) != 5 {
				t.Errorf("responses = %v, want 5", got)
			}
		})
	}
}

func TestAckAggregatorWaitsForServerCount(t *testing.T) {
	calls := 0
	agg := newAckAggregator(func(error, any) { calls++ }, false, zaptest.NewLogger(t).Sugar())
	agg.start(time.Minute)

	agg.serverResponded(1)
	agg.clientResponded("x")
	if calls != 0 {
		t.Fatal("completed without knowing the cluster size")
	}

	agg.setServerCount(1)
	if calls != 1 {
		t.Errorf("callback calls = %d, want 1", calls)
	}
}

func TestAckAggregatorTimeoutIgnoresLateResponses(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(core).Sugar()

	results := make(chan ackResult, 2)
	agg := newAckAggregator(func(err error, response any) {
		results <- ackResult{err: err, response: response}
	}, false, logger)

	agg.setServerCount(1)
	agg.serverResponded(5)
	for i := 0; i < 4; i++ {
		agg.clientResponded(i)
	}
	agg.start(10 * time.Millisecond)

	r := waitAck(t, results)
	var timeoutErr *AckTimeoutError
	if !errors.As(r.err, &timeoutErr) {
		t.Fatalf("err = %v, want AckTimeoutError", r.err)
	}
	if len(timeoutErr.Responses) != 4 {
		t.Errorf("partial = %v, want 4 responses", timeoutErr.Responses)
	}

	agg.clientResponded(4)

	select {
	case extra := <-results:
		t.Errorf("callback called twice: %+v", extra)
	default:
	}
	if n := logs.FilterMessageSnippet("Ignoring late").Len(); n != 1 {
		t.Errorf("late response logs = %d, want 1", n)
	}
}

func TestAckAggregatorSingleResponse(t *testing.T) {
	var got any
	agg := newAckAggregator(func(err error, response any) {
		if err != nil {
			t.Errorf("err = %v", err)
		}
		got = response
	}, true, zaptest.NewLogger(t).Sugar())
	agg.start(time.Minute)

	agg.setServerCount(1)
	agg.serverResponded(1)
	agg.clientResponded("bare")

	if got != "bare" {
		t.Errorf("response = %#v, want bare", got)
	}
}

func TestAckAggregatorSingleResponseTimeout(t *testing.T) {
	results := make(chan ackResult, 1)
	agg := newAckAggregator(func(err error, response any) {
		results <- ackResult{err: err, response: response}
	}, true, zaptest.NewLogger(t).Sugar())
	agg.start(10 * time.Millisecond)

	r := waitAck(t, results)
	if !errors.Is(r.err, ErrAckTimeout) {
		t.Errorf("err = %v, want ErrAckTimeout", r.err)
	}
	if r.response != nil {
		t.Errorf("response = %#v, want nil", r.response)
	}
}

func TestAckResponse(t *testing.T) {
	if got := ackResponse(nil); got != nil {
		t.Errorf("ackResponse() = %#v, want nil", got)
	}
	if got := ackResponse([]any{"a"}); got != "a" {
		t.Errorf("ackResponse(a) = %#v, want a", got)
	}
	if got, ok := ackResponse([]any{"a", "b"}).([]any); !ok || len(got) != 2 {
		t.Errorf("ackResponse(a, b) = %#v, want both", got)
	}
}

func TestPopAck(t *testing.T) {
	args, cb := popAck([]any{"x", func(error, any) {}})
	if cb == nil || len(args) != 1 {
		t.Errorf("plain func: args = %v, callback = %v", args, cb != nil)
	}

	args, cb = popAck([]any{"x", 1})
	if cb != nil || len(args) != 2 {
		t.Errorf("no callback: args = %v, callback = %v", args, cb != nil)
	}
}
