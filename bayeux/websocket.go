package bayeux

import (
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"github.com/flowtide/comet/jsonv"
)

// The websocket transport carries the same bayeux envelopes as the
// long polling transport: every text message from the client is a
// batch, every reply batch is written back as one text message. A
// connect parks on the session like a long poll; flushed events are
// pushed over the socket when they arrive.

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4 * 1024,
	WriteBufferSize: 4 * 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

func (self *Handler) serveWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.V(1).Infof("[bayeux]websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	socket := &websocketState{
		handler:        self,
		conn:           conn,
		connectionName: r.RemoteAddr,
	}
	defer socket.release()

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		if !socket.processBatch(data) {
			return
		}
	}
}

type websocketState struct {
	handler        *Handler
	conn           *websocket.Conn
	connectionName string

	writeLock sync.Mutex

	stateLock sync.Mutex
	held      map[string]*Session
	response  *websocketResponse
}

func (self *websocketState) processBatch(data []byte) bool {
	parsed, err := jsonv.Parse(data)
	if err != nil {
		return false
	}

	var messages []jsonv.Object
	switch v := parsed.(type) {
	case jsonv.Object:
		messages = []jsonv.Object{v}
	case jsonv.Array:
		for i := 0; i < v.Len(); i += 1 {
			inner, isObject := v.At(i).(jsonv.Object)
			if !isObject {
				return false
			}
			messages = append(messages, inner)
		}
	default:
		return false
	}
	if len(messages) == 0 {
		return false
	}

	request := &requestState{
		handler:        self.handler,
		settings:       self.handler.connector.Settings(),
		connectionName: self.connectionName,
		held:           map[string]*Session{},
	}
	// the socket keeps its sessions in use for its whole lifetime
	defer self.adopt(request)

	replies := []jsonv.Value{}
	parked := false
	for _, message := range messages {
		if channelOf(message) == "/meta/connect" {
			connectReplies, connectParked := self.connect(request, message)
			replies = append(replies, connectReplies...)
			parked = parked || connectParked
		} else {
			replies = append(replies, request.dispatch(message, false, nil)...)
		}
	}
	if len(replies) == 0 && parked {
		// the connect reply is written when the session flushes
		return true
	}
	return self.write(jsonv.NewArray(replies...))
}

// connect over a websocket parks a response on the session without
// blocking the read loop. Flushed events are written when they arrive.
func (self *websocketState) connect(request *requestState, message jsonv.Object) ([]jsonv.Value, bool) {
	clientId, hasClientId := fieldString(message, "clientId")
	session := (*Session)(nil)
	if hasClientId {
		session = request.resolve(clientId)
	}
	if session == nil {
		reply := jsonv.NewObject().
			With("channel", jsonv.NewString("/meta/connect")).
			With("successful", jsonv.False).
			With("advice", jsonv.NewObject().
				With("reconnect", jsonv.NewString("handshake")))
		if hasClientId {
			reply = reply.With("clientId", jsonv.NewString(clientId))
		}
		return []jsonv.Value{echoId(reply, message)}, false
	}

	ack := echoId(jsonv.NewObject().
		With("channel", jsonv.NewString("/meta/connect")).
		With("clientId", jsonv.NewString(clientId)).
		With("successful", jsonv.True), message)

	response := &websocketResponse{
		socket:  self,
		session: session,
		ack:     ack,
	}
	events := session.WaitForEvents(response)
	if !events.Empty() {
		return appendEvents(events, ack), false
	}

	self.stateLock.Lock()
	self.response = response
	self.stateLock.Unlock()

	response.timer = time.AfterFunc(request.settings.LongPollingTimeout, func() {
		session.TimeoutResponse(response)
	})
	return nil, true
}

func (self *websocketState) adopt(request *requestState) {
	self.stateLock.Lock()
	if self.held == nil {
		self.held = map[string]*Session{}
	}
	for id, session := range request.held {
		if _, already := self.held[id]; already {
			// this socket already holds a use of the session
			self.handler.connector.IdleSession(session)
		} else {
			self.held[id] = session
		}
	}
	dropped := request.dropped
	self.stateLock.Unlock()

	for _, id := range dropped {
		self.handler.connector.DropSession(id)
	}
}

func (self *websocketState) release() {
	self.stateLock.Lock()
	held := self.held
	self.held = nil
	response := self.response
	self.response = nil
	self.stateLock.Unlock()

	if response != nil {
		response.stop()
		response.session.Detach(response)
	}
	for _, session := range held {
		self.handler.connector.IdleSession(session)
	}
}

func (self *websocketState) write(batch jsonv.Array) bool {
	self.writeLock.Lock()
	defer self.writeLock.Unlock()

	if err := self.conn.WriteMessage(websocket.TextMessage, jsonv.Serialize(batch)); err != nil {
		glog.V(2).Infof("[bayeux]websocket write failed: %v", err)
		return false
	}
	return true
}

type websocketResponse struct {
	socket  *websocketState
	session *Session
	ack     jsonv.Value
	timer   *time.Timer
}

func (self *websocketResponse) OnMessages(events jsonv.Array) {
	self.stop()
	// the flush may run under the root and session locks, the socket
	// write must not stall them
	batch := jsonv.NewArray(appendEvents(events, self.ack)...)
	go self.socket.write(batch)
}

func (self *websocketResponse) OnSecondConnection() {
	self.stop()
}

func (self *websocketResponse) stop() {
	if self.timer != nil {
		self.timer.Stop()
	}
}
