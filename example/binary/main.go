package main

import (
	"fmt"
	"net/http"
	"time"

	"github.com/taogames/socketcast"
	"github.com/taogames/socketcast/cluster"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Two servers on :3000 and :3001 sharing an in-process bus. A file uploaded
// to either one reaches the "uploads" room on both.
func main() {
	fmt.Println("Testing binary")

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

	bus := cluster.NewMemoryBus()

	var g errgroup.Group
	for _, addr := range []string{":3000", ":3001"} {
		addr := addr
		server := newServer(bus, logger.Sugar().With("Addr", addr))
		go server.Accept()

		mux := http.NewServeMux()
		mux.Handle("/socket.io/", server)
		g.Go(func() error {
			return http.ListenAndServe(addr, mux)
		})
	}

	if err := g.Wait(); err != nil {
		panic(err)
	}
}

func newServer(bus cluster.Bus, logger *zap.SugaredLogger) *socketcast.Server {
	server := socketcast.NewServer(
		socketcast.WithPingInterval(time.Millisecond*300),
		socketcast.WithPingTimeout(time.Millisecond*200),
		socketcast.WithMaxPayload(10000),
		socketcast.WithLogger(logger),
		socketcast.WithAdapter(cluster.NewAdapterIniter(bus)),
	)

	server.Of("/").OnConnection(func(socket *socketcast.Socket) {
		socket.Join("uploads")

		socket.On("upload", func(name string, data []byte) {
			logger.Infof("%s uploaded %s (%d bytes)", socket.Id, name, len(data))
			if err := socket.To("uploads").Emit("uploaded", name, data); err != nil {
				logger.Error("Emit uploaded: ", err)
			}
		})
	})

	return server
}
