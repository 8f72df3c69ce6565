package main

import (
	"net/http"
	"sync/atomic"

	"github.com/gorilla/handlers"
	"github.com/taogames/socketcast"
	"go.uber.org/zap"
)

const lobby = "lobby"

var numUsers atomic.Int64

type userEvent struct {
	Username string `json:"username"`
	NumUsers int64  `json:"numUsers,omitempty"`
}

type chatMessage struct {
	Username string `json:"username"`
	Message  string `json:"message"`
}

func main() {
	logger, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}

	server := socketcast.NewServer(
		socketcast.WithLogger(logger.Sugar()),
		socketcast.WithTransportBinder(socketcast.NewHubBinder(logger.Sugar())),
	)
	chat := server.Of("/")

	chat.OnConnection(func(socket *socketcast.Socket) {
		username := func() string {
			name, _ := socket.Get("username")
			s, _ := name.(string)
			return s
		}

		socket.On("add user", func(name string) {
			if username() != "" {
				return
			}
			socket.Set("username", name)
			socket.Join(lobby)
			n := numUsers.Add(1)

			socket.Emit("login", userEvent{NumUsers: n})
			socket.To(lobby).Emit("user joined", userEvent{Username: name, NumUsers: n})
		})

		socket.On("new message", func(data string) {
			socket.To(lobby).Emit("new message", chatMessage{Username: username(), Message: data})
		})

		socket.On("typing", func() {
			socket.To(lobby).Volatile().Emit("typing", userEvent{Username: username()})
		})

		socket.On("stop typing", func() {
			socket.To(lobby).Volatile().Emit("stop typing", userEvent{Username: username()})
		})

		socket.OnDisconnect(func(reason socketcast.DisconnectReason) {
			name := username()
			if name == "" {
				return
			}
			n := numUsers.Add(-1)
			chat.To(lobby).Emit("user left", userEvent{Username: name, NumUsers: n})
		})
	})

	go server.Accept()

	router := http.NewServeMux()
	router.Handle("/socket.io/", server)
	router.Handle("/", http.FileServer(http.Dir("")))

	if err := http.ListenAndServe(":3000", handlers.CORS()(router)); err != nil {
		panic(err)
	}
}
