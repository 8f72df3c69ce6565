package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/taogames/socketcast"
	"go.uber.org/zap"
)

func main() {
	fmt.Println("Testing acknowledgement")

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
		socketcast.WithPingInterval(time.Millisecond*3000),
		socketcast.WithPingTimeout(time.Millisecond*2000),
		socketcast.WithMaxPayload(10000),
		socketcast.WithLogger(logger.Sugar()),
		socketcast.WithAckTimeout(5*time.Second),
	)

	nsp := server.Of("/")
	nsp.OnConnection(func(socket *socketcast.Socket) {
		socket.Join("acks")

		socket.On("ack", func(para string, ack socketcast.AckFunc) {
			ack(para)
		})

		socket.On("ackbin", func(name string, data []byte, ackbin socketcast.AckFunc) {
			if err := os.WriteFile("./"+name, data, 0755); err != nil {
				fmt.Println(err)
			}
			ackbin(strings.TrimSuffix(name, filepath.Ext(name))+"-back"+filepath.Ext(name), data)
		})

		// Ask the client itself, then every other client, to acknowledge.
		socket.On("roundtrip", func(ack socketcast.AckFunc) {
			err := socket.Emit("question", "single", socketcast.AckCallback(func(err error, response any) {
				logger.Sugar().Infof("%s answered %v (err %v)", socket.Id, response, err)
			}))
			if err != nil {
				ack(err.Error())
				return
			}

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			responses, err := nsp.In("acks").Except(socket.Id).EmitWithAck(ctx, "question", "broadcast")
			if err != nil {
				ack(err.Error())
				return
			}
			ack(responses)
		})
	})

	go server.Accept()

	http.Handle("/socket.io/", server)
	if err := http.ListenAndServe(":3000", nil); err != nil {
		panic(err)
	}
}
