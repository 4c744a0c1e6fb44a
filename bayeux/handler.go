package bayeux

import (
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"github.com/flowtide/comet/jsonv"
)

const protocolVersion = "1.0"

const (
	errInvalidClientId       = "invalid clientId"
	errUnsupportedConnection = "unsupported connection type"
	errSecondConnection      = "second connection detected"
)

// The Handler parses bayeux envelopes out of http requests, dispatches
// them to sessions and writes the replies. A request whose last
// message is a connect blocks until events arrive or the long polling
// timeout fires.
type Handler struct {
	connector *Connector
	handshake HandshakeHandler
}

// NewHandler creates the http endpoint for a connector. The handshake
// handler may be nil; every handshake is accepted then.
func NewHandler(connector *Connector, handshake HandshakeHandler) *Handler {
	return &Handler{
		connector: connector,
		handshake: handshake,
	}
}

func (self *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	settings := self.connector.Settings()

	if settings.EnableWebsocket && websocket.IsWebSocketUpgrade(r) {
		self.serveWebsocket(w, r)
		return
	}

	messages, ok := parseRequest(r)
	if !ok || len(messages) == 0 {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	request := &requestState{
		handler:        self,
		settings:       settings,
		connectionName: r.RemoteAddr,
		held:           map[string]*Session{},
	}
	defer request.release()

	blockAllowed := batchMayBlock(messages)

	replies := []jsonv.Value{}
	for i, message := range messages {
		lastMessage := i == len(messages)-1
		replies = append(replies,
			request.dispatch(message, blockAllowed && lastMessage, r)...)
	}

	body := jsonv.Serialize(jsonv.NewArray(replies...))
	w.Header().Set("Content-Type", "application/json")
	w.Write(body)
}

// batchMayBlock implements the blocking rule: a response is connecting
// only if the last message of the batch is a connect and the batch
// contains no disconnect.
func batchMayBlock(messages []jsonv.Object) bool {
	last := channelOf(messages[len(messages)-1])
	if last != "/meta/connect" {
		return false
	}
	for _, message := range messages {
		if channelOf(message) == "/meta/disconnect" {
			return false
		}
	}
	return true
}

func parseRequest(r *http.Request) ([]jsonv.Object, bool) {
	var texts []string

	switch {
	case r.Method == http.MethodGet:
		texts = r.URL.Query()["message"]
	case strings.HasPrefix(r.Header.Get("Content-Type"), "application/x-www-form-urlencoded"):
		if err := r.ParseForm(); err != nil {
			return nil, false
		}
		texts = r.PostForm["message"]
	default:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			return nil, false
		}
		texts = []string{string(body)}
	}

	messages := []jsonv.Object{}
	for _, text := range texts {
		parsed, err := jsonv.ParseString(text)
		if err != nil {
			glog.V(2).Infof("[bayeux]unparsable message body: %v", err)
			return nil, false
		}
		switch v := parsed.(type) {
		case jsonv.Object:
			messages = append(messages, v)
		case jsonv.Array:
			for i := 0; i < v.Len(); i += 1 {
				inner, isObject := v.At(i).(jsonv.Object)
				if !isObject {
					return nil, false
				}
				messages = append(messages, inner)
			}
		default:
			return nil, false
		}
	}
	return messages, true
}

// requestState tracks the sessions a request resolved, so every use is
// released exactly once at the end of the request.
type requestState struct {
	handler        *Handler
	settings       *Settings
	connectionName string

	held    map[string]*Session
	dropped []string
}

func (self *requestState) resolve(id string) *Session {
	if session, ok := self.held[id]; ok {
		return session
	}
	session := self.handler.connector.FindSession(id)
	if session != nil {
		self.held[id] = session
	}
	return session
}

func (self *requestState) hold(session *Session) {
	self.held[session.Id()] = session
}

func (self *requestState) release() {
	for _, session := range self.held {
		self.handler.connector.IdleSession(session)
	}
	for _, id := range self.dropped {
		self.handler.connector.DropSession(id)
	}
}

func (self *requestState) dispatch(message jsonv.Object, mayBlock bool, r *http.Request) []jsonv.Value {
	channel := channelOf(message)
	switch channel {
	case "/meta/handshake":
		return self.handshake(message)
	case "/meta/connect":
		return self.connect(message, mayBlock, r)
	case "/meta/subscribe":
		return self.subscribe(message)
	case "/meta/unsubscribe":
		return self.unsubscribe(message)
	case "/meta/disconnect":
		return self.disconnect(message)
	default:
		if strings.HasPrefix(channel, "/meta/") || !strings.HasPrefix(channel, "/") {
			// unknown meta channel or malformed channel
			return nil
		}
		return self.publish(message)
	}
}

func (self *requestState) handshake(message jsonv.Object) []jsonv.Value {
	supported := supportedConnectionTypes(message)
	if !supported["long-polling"] && !(self.settings.EnableWebsocket && supported["websocket"]) {
		reply := jsonv.NewObject().
			With("channel", jsonv.NewString("/meta/handshake")).
			With("version", jsonv.NewString(protocolVersion)).
			With("supportedConnectionTypes", self.connectionTypes()).
			With("successful", jsonv.False).
			With("error", jsonv.NewString(errUnsupportedConnection))
		return []jsonv.Value{echoId(reply, message)}
	}

	sessionData := any(nil)
	if self.handler.handshake != nil {
		ok, errText, data := self.handler.handshake.Handshake(field(message, "ext"))
		if !ok {
			reply := jsonv.NewObject().
				With("channel", jsonv.NewString("/meta/handshake")).
				With("version", jsonv.NewString(protocolVersion)).
				With("supportedConnectionTypes", self.connectionTypes()).
				With("successful", jsonv.False).
				With("error", jsonv.NewString(errText))
			return []jsonv.Value{echoId(reply, message)}
		}
		sessionData = data
	}

	session := self.handler.connector.CreateSession(self.connectionName)
	if session == nil {
		// shutting down
		return nil
	}
	session.SetSessionData(sessionData)
	self.hold(session)

	reply := jsonv.NewObject().
		With("channel", jsonv.NewString("/meta/handshake")).
		With("version", jsonv.NewString(protocolVersion)).
		With("supportedConnectionTypes", self.connectionTypes()).
		With("clientId", jsonv.NewString(session.Id())).
		With("successful", jsonv.True)
	return []jsonv.Value{echoId(reply, message)}
}

func (self *requestState) connectionTypes() jsonv.Array {
	types := jsonv.NewArray(jsonv.NewString("long-polling"))
	if self.settings.EnableWebsocket {
		types = types.Append(jsonv.NewString("websocket"))
	}
	return types
}

func supportedConnectionTypes(message jsonv.Object) map[string]bool {
	supported := map[string]bool{}
	types, ok := field(message, "supportedConnectionTypes").(jsonv.Array)
	if !ok {
		return supported
	}
	for i := 0; i < types.Len(); i += 1 {
		if s, isString := types.At(i).(jsonv.String); isString {
			supported[s.Text()] = true
		}
	}
	return supported
}

func (self *requestState) connect(message jsonv.Object, mayBlock bool, r *http.Request) []jsonv.Value {
	clientId, hasClientId := fieldString(message, "clientId")
	session := (*Session)(nil)
	if hasClientId {
		session = self.resolve(clientId)
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
		return []jsonv.Value{echoId(reply, message)}
	}

	if connectionType, _ := fieldString(message, "connectionType"); !self.connectionTypeOk(connectionType) {
		reply := jsonv.NewObject().
			With("channel", jsonv.NewString("/meta/connect")).
			With("clientId", jsonv.NewString(clientId)).
			With("successful", jsonv.False).
			With("error", jsonv.NewString(errUnsupportedConnection))
		return []jsonv.Value{echoId(reply, message)}
	}

	ack := echoId(jsonv.NewObject().
		With("channel", jsonv.NewString("/meta/connect")).
		With("clientId", jsonv.NewString(clientId)).
		With("successful", jsonv.True), message)

	if !mayBlock {
		events := session.Events()
		return appendEvents(events, ack)
	}

	response := newHttpResponse()
	events := session.WaitForEvents(response)
	if !events.Empty() {
		return appendEvents(events, ack)
	}

	timer := time.NewTimer(self.settings.LongPollingTimeout)
	defer timer.Stop()

	select {
	case flushed := <-response.eventsC:
		return appendEvents(flushed, ack)
	case <-response.secondC:
		reply := echoId(jsonv.NewObject().
			With("channel", jsonv.NewString("/meta/connect")).
			With("clientId", jsonv.NewString(clientId)).
			With("successful", jsonv.False).
			With("error", jsonv.NewString(errSecondConnection)), message)
		return []jsonv.Value{reply}
	case <-timer.C:
		session.TimeoutResponse(response)
		// exactly one of the channels carries a token now: the timeout
		// released this response, a concurrent flush already did, or a
		// second connect displaced it
		select {
		case flushed := <-response.eventsC:
			return appendEvents(flushed, ack)
		case <-response.secondC:
			return []jsonv.Value{echoId(jsonv.NewObject().
				With("channel", jsonv.NewString("/meta/connect")).
				With("clientId", jsonv.NewString(clientId)).
				With("successful", jsonv.False).
				With("error", jsonv.NewString(errSecondConnection)), message)}
		}
	case <-r.Context().Done():
		session.Detach(response)
		return nil
	}
}

func (self *requestState) connectionTypeOk(connectionType string) bool {
	if connectionType == "long-polling" {
		return true
	}
	return connectionType == "websocket" && self.settings.EnableWebsocket
}

func (self *requestState) subscribe(message jsonv.Object) []jsonv.Value {
	subscription, hasSubscription := fieldString(message, "subscription")
	if !hasSubscription {
		return nil
	}
	session, invalid := self.sessionOf(message, "/meta/subscribe")
	if session == nil {
		return invalid
	}

	name, ok := NodeNameFromChannel(subscription)
	if !ok {
		reply := jsonv.NewObject().
			With("channel", jsonv.NewString("/meta/subscribe")).
			With("clientId", jsonv.NewString(session.Id())).
			With("subscription", jsonv.NewString(subscription)).
			With("successful", jsonv.False).
			With("error", jsonv.NewString("invalid subscription"))
		return []jsonv.Value{echoId(reply, message)}
	}

	session.Subscribe(name, field(message, "id"))
	return nil
}

func (self *requestState) unsubscribe(message jsonv.Object) []jsonv.Value {
	session, invalid := self.sessionOf(message, "/meta/unsubscribe")
	if session == nil {
		return invalid
	}

	subscription, _ := fieldString(message, "subscription")
	name, ok := NodeNameFromChannel(subscription)
	if !ok {
		reply := jsonv.NewObject().
			With("channel", jsonv.NewString("/meta/unsubscribe")).
			With("clientId", jsonv.NewString(session.Id())).
			With("subscription", jsonv.NewString(subscription)).
			With("successful", jsonv.False).
			With("error", jsonv.NewString("not subscribed"))
		return []jsonv.Value{echoId(reply, message)}
	}

	session.Unsubscribe(name, field(message, "id"))
	return nil
}

func (self *requestState) disconnect(message jsonv.Object) []jsonv.Value {
	clientId, hasClientId := fieldString(message, "clientId")
	session := (*Session)(nil)
	if hasClientId {
		session = self.resolve(clientId)
	}
	if session == nil {
		reply := jsonv.NewObject().
			With("channel", jsonv.NewString("/meta/disconnect")).
			With("successful", jsonv.False).
			With("error", jsonv.NewString(errInvalidClientId))
		if hasClientId {
			reply = reply.With("clientId", jsonv.NewString(clientId))
		}
		return []jsonv.Value{echoId(reply, message)}
	}

	session.Close()
	self.dropped = append(self.dropped, session.Id())

	reply := jsonv.NewObject().
		With("channel", jsonv.NewString("/meta/disconnect")).
		With("clientId", jsonv.NewString(clientId)).
		With("successful", jsonv.True)
	return []jsonv.Value{echoId(reply, message)}
}

func (self *requestState) publish(message jsonv.Object) []jsonv.Value {
	channel := channelOf(message)
	data := field(message, "data")
	if data == nil {
		data = jsonv.Null{}
	}

	sessionData := any(nil)
	clientId, hasClientId := fieldString(message, "clientId")
	if hasClientId {
		if session := self.resolve(clientId); session != nil {
			sessionData = session.SessionData()
		}
	}

	ok, errText := self.handler.connector.Root().Publish(
		jsonv.NewString(channel), data, message, sessionData)

	reply := jsonv.NewObject().
		With("channel", jsonv.NewString(channel)).
		With("successful", jsonv.FromBool(ok))
	if !ok && errText != "" {
		reply = reply.With("error", jsonv.NewString(errText))
	}
	if hasClientId {
		reply = reply.With("clientId", jsonv.NewString(clientId))
	}
	return []jsonv.Value{echoId(reply, message)}
}

// sessionOf resolves the clientId of a subscribe or unsubscribe. On
// failure the second return value is the error reply.
func (self *requestState) sessionOf(message jsonv.Object, channel string) (*Session, []jsonv.Value) {
	clientId, hasClientId := fieldString(message, "clientId")
	if hasClientId {
		if session := self.resolve(clientId); session != nil {
			return session, nil
		}
	}
	reply := jsonv.NewObject().
		With("channel", jsonv.NewString(channel)).
		With("successful", jsonv.False).
		With("error", jsonv.NewString(errInvalidClientId))
	if hasClientId {
		reply = reply.With("clientId", jsonv.NewString(clientId))
	}
	return nil, []jsonv.Value{echoId(reply, message)}
}

// helpers

type httpResponse struct {
	eventsC chan jsonv.Array
	secondC chan struct{}
}

func newHttpResponse() *httpResponse {
	return &httpResponse{
		eventsC: make(chan jsonv.Array, 1),
		secondC: make(chan struct{}, 1),
	}
}

func (self *httpResponse) OnMessages(events jsonv.Array) {
	select {
	case self.eventsC <- events:
	default:
	}
}

func (self *httpResponse) OnSecondConnection() {
	select {
	case self.secondC <- struct{}{}:
	default:
	}
}

func channelOf(message jsonv.Object) string {
	channel, _ := fieldString(message, "channel")
	return channel
}

func field(message jsonv.Object, key string) jsonv.Value {
	value, ok := message.Get(key)
	if !ok {
		return nil
	}
	return value
}

func fieldString(message jsonv.Object, key string) (string, bool) {
	value, ok := message.Get(key)
	if !ok {
		return "", false
	}
	s, isString := value.(jsonv.String)
	if !isString {
		return "", false
	}
	return s.Text(), true
}

func echoId(reply jsonv.Object, message jsonv.Object) jsonv.Value {
	if id, ok := message.Get("id"); ok {
		return reply.With("id", id)
	}
	return reply
}

func appendEvents(events jsonv.Array, ack jsonv.Value) []jsonv.Value {
	replies := make([]jsonv.Value, 0, events.Len()+1)
	for i := 0; i < events.Len(); i += 1 {
		replies = append(replies, events.At(i))
	}
	return append(replies, ack)
}
