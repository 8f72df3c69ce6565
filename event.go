package socketcast

import (
	"fmt"
	"reflect"
	"sync"
)

// AckFunc is the trailing parameter type a handler declares to acknowledge
// an event, e.g. func(name string, ack func(...any)).
type AckFunc = func(...any)

var ackFuncType = reflect.TypeOf(AckFunc(nil))

type EventManager struct {
	mu sync.RWMutex
	m  map[string]*handler
}

type handler struct {
	f        reflect.Value
	types    []reflect.Type
	variadic bool
	acks     bool
}

func (eh *EventManager) Register(eName string, h any) {
	rv := reflect.ValueOf(h)
	if rv.Kind() != reflect.Func {
		panic(fmt.Sprintln("reflect kind is ", rv.Kind()))
	}

	rt := rv.Type()
	types := make([]reflect.Type, rt.NumIn())
	for i := 0; i < rt.NumIn(); i++ {
		types[i] = rt.In(i)
	}

	hd := &handler{
		f:        rv,
		types:    types,
		variadic: rt.IsVariadic(),
	}
	if n := len(types); n > 0 && types[n-1] == ackFuncType {
		hd.acks = true
		hd.variadic = false
		hd.types = types[:n-1]
	}

	eh.mu.Lock()
	defer eh.mu.Unlock()
	if eh.m == nil {
		eh.m = make(map[string]*handler)
	}
	eh.m[eName] = hd
}

func (eh *EventManager) GetHandler(eName string) *handler {
	eh.mu.RLock()
	defer eh.mu.RUnlock()
	return eh.m[eName]
}

// call invokes the handler with decoded args, padding missing trailing
// arguments with zero values.
func (h *handler) call(args []reflect.Value, ack AckFunc) {
	fixed := len(h.types)
	if h.variadic {
		fixed--
	}
	for i := len(args); i < fixed; i++ {
		args = append(args, reflect.Zero(h.types[i]))
	}
	if h.acks {
		if ack == nil {
			ack = func(...any) {}
		}
		args = append(args, reflect.ValueOf(ack))
	}
	h.f.Call(args)
}
