package weave

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
	"golang.org/x/exp/maps"
	"golang.org/x/sync/errgroup"
)

// fans region ops and presence frames out between connected editors.
// the relay does not interpret op frames beyond routing; arbitration
// stays client-side in the lock manager.

type RelayServerSettings struct {
	WriteTimeout   time.Duration
	ReadTimeout    time.Duration
	PingTimeout    time.Duration
	SendBufferSize int
	ReadLimit      int64
}

func DefaultRelayServerSettings() *RelayServerSettings {
	return &RelayServerSettings{
		WriteTimeout:   5 * time.Second,
		ReadTimeout:    15 * time.Second,
		PingTimeout:    5 * time.Second,
		SendBufferSize: 32,
		ReadLimit:      4 * 1024 * 1024,
	}
}

type relayConn struct {
	ws   *websocket.Conn
	send chan []byte
	// set by the hello frame
	clientId Id
}

type RelayServer struct {
	ctx        context.Context
	listenAddr string
	settings   *RelayServerSettings

	mutex sync.Mutex
	conns map[*relayConn]bool
}

func NewRelayServerWithDefaults(ctx context.Context, listenAddr string) *RelayServer {
	return NewRelayServer(ctx, listenAddr, DefaultRelayServerSettings())
}

func NewRelayServer(ctx context.Context, listenAddr string, settings *RelayServerSettings) *RelayServer {
	return &RelayServer{
		ctx:        ctx,
		listenAddr: listenAddr,
		settings:   settings,
	}
}

// blocks until the context is done or the listener fails
func (self *RelayServer) Start() error {
	self.mutex.Lock()
	if self.conns == nil {
		self.conns = map[*relayConn]bool{}
	}
	self.mutex.Unlock()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", self.handleWs)

	server := &http.Server{
		Addr:    self.listenAddr,
		Handler: mux,
	}

	group, groupCtx := errgroup.WithContext(self.ctx)
	group.Go(func() error {
		glog.Infof("[relays]listen %s\n", self.listenAddr)
		return server.ListenAndServe()
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return server.Shutdown(shutdownCtx)
	})
	return group.Wait()
}

// exposed for tests that mount the relay on an existing server
func (self *RelayServer) Handler() http.Handler {
	self.mutex.Lock()
	if self.conns == nil {
		self.conns = map[*relayConn]bool{}
	}
	self.mutex.Unlock()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", self.handleWs)
	return mux
}

var relayUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

func (self *RelayServer) handleWs(w http.ResponseWriter, r *http.Request) {
	// attribution only. the claims are not verified and grant nothing.
	if auth := r.URL.Query().Get("auth"); auth != "" {
		if byJwt, err := ParseByJwtUnverified(auth); err == nil {
			glog.V(1).Infof("[relays]connect user = %s name = %s\n", byJwt.UserId, byJwt.DisplayName)
		}
	}

	ws, err := relayUpgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Infof("[relays]upgrade error = %s\n", err)
		return
	}
	ws.SetReadLimit(self.settings.ReadLimit)

	conn := &relayConn{
		ws:   ws,
		send: make(chan []byte, self.settings.SendBufferSize),
	}

	self.mutex.Lock()
	self.conns[conn] = true
	self.mutex.Unlock()

	go self.writeLoop(conn)
	self.readLoop(conn)
}

func (self *RelayServer) readLoop(conn *relayConn) {
	defer self.drop(conn)

	conn.ws.SetPongHandler(func(string) error {
		conn.ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		return nil
	})

	for {
		conn.ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		_, message, err := conn.ws.ReadMessage()
		if err != nil {
			return
		}

		var frame relayFrame
		if err := json.Unmarshal(message, &frame); err != nil {
			glog.V(1).Infof("[relays]bad frame = %s\n", err)
			continue
		}
		if frame.Type == relayFrameHello {
			conn.clientId = frame.ClientId
			continue
		}
		self.broadcast(conn, message)
	}
}

func (self *RelayServer) writeLoop(conn *relayConn) {
	defer conn.ws.Close()

	for {
		select {
		case <-self.ctx.Done():
			return
		case message, ok := <-conn.send:
			if !ok {
				return
			}
			conn.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := conn.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-time.After(self.settings.PingTimeout):
			conn.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := conn.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// to all connections except the source
func (self *RelayServer) broadcast(source *relayConn, message []byte) {
	self.mutex.Lock()
	conns := maps.Keys(self.conns)
	self.mutex.Unlock()

	for _, conn := range conns {
		if conn == source {
			continue
		}
		select {
		case conn.send <- message:
		default:
			// backpressure. drop the slow consumer rather than stall
			// the fan-out.
			glog.Infof("[relays]drop slow consumer %s\n", conn.clientId)
			go self.drop(conn)
		}
	}
}

func (self *RelayServer) drop(conn *relayConn) {
	self.mutex.Lock()
	ok := self.conns[conn]
	delete(self.conns, conn)
	self.mutex.Unlock()

	if !ok {
		return
	}
	// the write loop exits on its next write against the closed socket.
	// the send channel is left open so concurrent broadcasts stay safe.
	conn.ws.Close()

	if !conn.clientId.IsZero() {
		leave, err := json.Marshal(relayFrame{
			Type:     relayFrameLeave,
			ClientId: conn.clientId,
		})
		if err == nil {
			self.broadcast(conn, leave)
		}
	}
}
