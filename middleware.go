package socketcast

// BroadcastMiddleware runs before a broadcast is handed to the adapter. It
// may narrow or widen the selector, rewrite the packet, or reject the emit
// by returning an error.
type BroadcastMiddleware func(sel Selector, packet *Packet) (Selector, *Packet, error)

func runMiddlewares(mws []BroadcastMiddleware, sel Selector, packet *Packet) (Selector, *Packet, error) {
	var err error
	for _, mw := range mws {
		sel, packet, err = mw(sel, packet)
		if err != nil {
			return sel, nil, err
		}
	}
	return sel, packet, nil
}

// ExceptRooms returns a middleware excluding rooms from every broadcast.
func ExceptRooms(rooms ...string) BroadcastMiddleware {
	return func(sel Selector, packet *Packet) (Selector, *Packet, error) {
		sel.Except = sel.Except.With(rooms...)
		return sel, packet, nil
	}
}

// ForceLocal returns a middleware keeping every broadcast on this server.
func ForceLocal() BroadcastMiddleware {
	return func(sel Selector, packet *Packet) (Selector, *Packet, error) {
		sel.Flags.Local = true
		return sel, packet, nil
	}
}
