package main

import (
	"context"
	"errors"
	"time"

	"github.com/taogames/socketcast"
)

type said struct {
	From string `json:"from"`
	Room string `json:"room"`
	Text string `json:"text"`
}

// registerEvents installs the room chat handlers of the gateway.
func registerEvents(nsp *socketcast.Namespace, ackTimeout time.Duration) {
	nsp.OnConnection(func(socket *socketcast.Socket) {
		logger := nsp.Logger().With("Socket", socket.Id)

		socket.On("join", func(room string, ack socketcast.AckFunc) {
			socket.Join(room)
			ack(socket.Rooms().Slice())
		})

		socket.On("leave", func(room string, ack socketcast.AckFunc) {
			socket.Leave(room)
			ack(socket.Rooms().Slice())
		})

		socket.On("say", func(room, text string) {
			msg := said{From: socket.Id, Room: room, Text: text}
			if err := socket.To(room).Emit("said", msg); err != nil {
				logger.Errorf("say to %s: %v", room, err)
			}
		})

		socket.On("members", func(room string, ack socketcast.AckFunc) {
			ctx, cancel := context.WithTimeout(context.Background(), ackTimeout)
			defer cancel()

			sids, err := nsp.In(room).AllSockets(ctx)
			if err != nil {
				ack(nil, err.Error())
				return
			}
			ack(sids.Slice())
		})

		// ping-all asks every socket in room, on every server, for a pong and
		// acknowledges with whatever came back before the timeout.
		socket.On("ping-all", func(room string, ack socketcast.AckFunc) {
			ctx, cancel := context.WithTimeout(context.Background(), 2*ackTimeout)
			defer cancel()

			responses, err := nsp.In(room).Except(socket.Id).Timeout(ackTimeout).EmitWithAck(ctx, "ping")
			var timeoutErr *socketcast.AckTimeoutError
			switch {
			case errors.As(err, &timeoutErr):
				ack(timeoutErr.Responses, true)
			case err != nil:
				logger.Errorf("ping-all %s: %v", room, err)
				ack(nil, false)
			default:
				ack(responses, false)
			}
		})

		socket.OnDisconnect(func(reason socketcast.DisconnectReason) {
			logger.Debugf("Disconnected: %s", reason)
		})
	})
}
