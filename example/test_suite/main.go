package main

import (
	"fmt"
	"net/http"
	"time"

	"github.com/taogames/socketcast"
	"go.uber.org/zap"
)

// Test cases from https://github.com/socketio/socket.io-protocol

func main() {
	fmt.Println("Testing test suite")

	conf := zap.Config{
		Level:            zap.NewAtomicLevelAt(zap.InfoLevel),
		Development:      true,
		Encoding:         "console",
		EncoderConfig:    zap.NewDevelopmentEncoderConfig(),
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}
	logger, err := conf.Build()
	if err != nil {
		panic(err)
	}

	server := socketcast.NewServer(
		socketcast.WithPingInterval(time.Millisecond*300),
		socketcast.WithPingTimeout(time.Millisecond*200),
		socketcast.WithMaxPayload(1000000),
		socketcast.WithLogger(logger.Sugar()),
	)

	for _, name := range []string{"/", "/custom"} {
		server.Of(name).OnConnection(onConnection)
	}

	go server.Accept()

	http.Handle("/socket.io/", server)
	if err := http.ListenAndServe(":3000", nil); err != nil {
		panic(err)
	}
}

func onConnection(socket *socketcast.Socket) {
	if err := socket.Emit("auth", socket.Handshake.Auth); err != nil {
		socket.Namespace().Logger().Error("Emit auth: ", err)
	}

	socket.On("message", func(args ...any) {
		socket.Emit("message-back", args...)
	})

	socket.On("message-with-ack", func(a, b, c any, ack socketcast.AckFunc) {
		ack(a, b, c)
	})
}
