package bayeux

import (
	"sync"

	"github.com/golang/glog"

	"github.com/flowtide/comet/jsonv"
	"github.com/flowtide/comet/pubsub"
)

// A Response receives the events a session flushes to a blocked
// connect. Implementations must not call back into the session or the
// root from these callbacks.
type Response interface {
	// OnMessages delivers the flushed events. Called at most once.
	OnMessages(events jsonv.Array)

	// OnSecondConnection tells the response that another connect
	// arrived for the same session and took its place.
	OnSecondConnection()
}

type subscriptionState struct {
	name pubsub.NodeName
	// subscribed but not yet acknowledged by the root
	pending bool
	// the id of the subscribe request, echoed in the late ack
	requestId jsonv.Value
}

// A Session is the per client protocol state: the subscription table,
// the bounded event buffer and the at most one blocked response.
//
// A session never holds its own lock while calling into the root, and
// the root delivers into the session under the root lock. This keeps
// the lock order root before session, always.
type Session struct {
	id       string
	root     *pubsub.Root
	settings *Settings

	stateLock     sync.Mutex
	events        []jsonv.Value
	eventsSize    int
	waiting       Response
	subscriptions map[string]*subscriptionState
	sessionData   any
	closed        bool
}

func NewSession(id string, root *pubsub.Root, settings *Settings) *Session {
	return &Session{
		id:            id,
		root:          root,
		settings:      settings,
		subscriptions: map[string]*subscriptionState{},
	}
}

func (self *Session) Id() string {
	return self.id
}

func (self *Session) SessionData() any {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.sessionData
}

func (self *Session) SetSessionData(data any) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.sessionData = data
}

// Subscribe starts the subscription pipeline for the node. The
// acknowledgment arrives on the event queue: a success ack rides in
// front of the first update, a failure ack carries the error.
func (self *Session) Subscribe(name pubsub.NodeName, requestId jsonv.Value) {
	self.stateLock.Lock()
	if self.closed {
		self.stateLock.Unlock()
		return
	}
	self.subscriptions[name.MapKey()] = &subscriptionState{
		name:      name,
		pending:   true,
		requestId: requestId,
	}
	self.stateLock.Unlock()

	self.root.Subscribe(self, name)
}

// Unsubscribe ends a subscription. A subscription that is still
// pending is cancelled: its subscribe ack is emitted as successful,
// followed by the unsubscribe ack, and the late outcome from the root
// is suppressed.
func (self *Session) Unsubscribe(name pubsub.NodeName, requestId jsonv.Value) {
	self.stateLock.Lock()
	if self.closed {
		self.stateLock.Unlock()
		return
	}
	state := self.subscriptions[name.MapKey()]
	delete(self.subscriptions, name.MapKey())
	self.stateLock.Unlock()

	if state == nil {
		self.enqueueAndFlush(self.unsubscribeAck(name, requestId, "not subscribed"))
		return
	}

	self.root.Unsubscribe(self, name)

	acks := []jsonv.Value{}
	if state.pending {
		acks = append(acks, self.subscribeAck(name, state.requestId, ""))
	}
	acks = append(acks, self.unsubscribeAck(name, requestId, ""))
	self.enqueueAndFlush(acks...)
}

// Publish forwards a client publish to the root.
func (self *Session) Publish(channel jsonv.String, data jsonv.Value, message jsonv.Object) (bool, string) {
	return self.root.Publish(channel, data, message, self.SessionData())
}

// OnUpdate is invoked by the root, either with the initial node value
// right after a successful subscription or on every later update.
func (self *Session) OnUpdate(name pubsub.NodeName, node pubsub.Node) {
	channel := ChannelFromNodeName(name)

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.closed {
		return
	}

	if state := self.subscriptions[name.MapKey()]; state != nil && state.pending {
		state.pending = false
		self.enqueueLocked(self.subscribeAck(name, state.requestId, ""))
	}

	if event, deliver := updateEvent(channel, node.Data()); deliver {
		self.enqueueLocked(event)
	}
	self.flushLocked()
}

// OnSubscribeFailed is invoked by the root when the subscription
// pipeline rejects the node.
func (self *Session) OnSubscribeFailed(name pubsub.NodeName, failure pubsub.SubscribeFailure) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	state := self.subscriptions[name.MapKey()]
	if state == nil || self.closed {
		// cancelled in the meantime
		return
	}
	delete(self.subscriptions, name.MapKey())

	glog.V(1).Infof("[bayeux]subscribe %s failed for %s: %s", name, self.id, failure)
	self.enqueueLocked(self.subscribeAck(name, state.requestId, string(failure)))
	self.flushLocked()
}

// Events drains and returns the buffered events.
func (self *Session) Events() jsonv.Array {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.drainLocked()
}

// WaitForEvents either returns buffered events immediately, without
// retaining the response, or parks the response until events arrive.
// A second response displaces the first, which is notified.
func (self *Session) WaitForEvents(response Response) jsonv.Array {
	self.stateLock.Lock()
	if 0 < len(self.events) || self.closed {
		events := self.drainLocked()
		self.stateLock.Unlock()
		return events
	}
	incumbent := self.waiting
	self.waiting = response
	self.stateLock.Unlock()

	if incumbent != nil {
		glog.V(1).Infof("[bayeux]second connection detected for %s", self.id)
		incumbent.OnSecondConnection()
	}
	return jsonv.NewArray()
}

// Timeout releases the blocked response, if any, with an empty event
// list.
func (self *Session) Timeout() {
	self.stateLock.Lock()
	waiting := self.waiting
	self.waiting = nil
	self.stateLock.Unlock()

	if waiting != nil {
		waiting.OnMessages(jsonv.NewArray())
	}
}

// TimeoutResponse releases the given response with an empty event
// list, but only if it is still the one parked in the slot. A response
// that was already flushed or displaced is left alone.
func (self *Session) TimeoutResponse(response Response) {
	self.stateLock.Lock()
	if self.waiting != response {
		self.stateLock.Unlock()
		return
	}
	self.waiting = nil
	self.stateLock.Unlock()

	response.OnMessages(jsonv.NewArray())
}

// Detach drops the response from the waiting slot if it is still
// parked there. Used when the transport goes away; the session stays
// alive and the client may reconnect.
func (self *Session) Detach(response Response) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.waiting == response {
		self.waiting = nil
	}
}

// Close unsubscribes from every node, releases a blocked response and
// clears the queue. The session becomes inert; a second close is a
// no-op.
func (self *Session) Close() {
	self.stateLock.Lock()
	if self.closed {
		self.stateLock.Unlock()
		return
	}
	self.closed = true
	names := make([]pubsub.NodeName, 0, len(self.subscriptions))
	for _, state := range self.subscriptions {
		names = append(names, state.name)
	}
	self.subscriptions = map[string]*subscriptionState{}
	self.events = nil
	self.eventsSize = 0
	waiting := self.waiting
	self.waiting = nil
	self.stateLock.Unlock()

	glog.V(1).Infof("[bayeux]close session %s", self.id)
	for _, name := range names {
		self.root.Unsubscribe(self, name)
	}
	if waiting != nil {
		waiting.OnMessages(jsonv.NewArray())
	}
}

// internals

func (self *Session) enqueueAndFlush(events ...jsonv.Value) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.closed {
		return
	}
	for _, event := range events {
		self.enqueueLocked(event)
	}
	self.flushLocked()
}

func (self *Session) enqueueLocked(event jsonv.Value) {
	self.events = append(self.events, event)
	self.eventsSize += event.SerializedSize()

	for 0 < len(self.events) &&
		(self.settings.MaxMessagesPerClient < len(self.events) ||
			self.settings.MaxMessagesSizePerClient < self.eventsSize) {
		self.eventsSize -= self.events[0].SerializedSize()
		self.events = self.events[1:]
	}
}

func (self *Session) flushLocked() {
	if self.waiting == nil || len(self.events) == 0 {
		return
	}
	waiting := self.waiting
	self.waiting = nil
	waiting.OnMessages(self.drainLocked())
}

func (self *Session) drainLocked() jsonv.Array {
	events := jsonv.NewArray(self.events...)
	self.events = nil
	self.eventsSize = 0
	return events
}

func (self *Session) subscribeAck(name pubsub.NodeName, requestId jsonv.Value, errText string) jsonv.Value {
	return self.ack("/meta/subscribe", name, requestId, errText)
}

func (self *Session) unsubscribeAck(name pubsub.NodeName, requestId jsonv.Value, errText string) jsonv.Value {
	return self.ack("/meta/unsubscribe", name, requestId, errText)
}

func (self *Session) ack(channel string, name pubsub.NodeName, requestId jsonv.Value, errText string) jsonv.Value {
	reply := jsonv.NewObject().
		With("channel", jsonv.NewString(channel)).
		With("clientId", jsonv.NewString(self.id)).
		With("subscription", jsonv.NewString(ChannelFromNodeName(name))).
		With("successful", jsonv.FromBool(errText == ""))
	if errText != "" {
		reply = reply.With("error", jsonv.NewString(errText))
	}
	if requestId != nil {
		reply = reply.With("id", requestId)
	}
	return reply
}

// updateEvent builds the channel event for a node value. A value that
// is an object with a "data" member contributes that member as the
// event data, plus a verbatim "id" member if it carries one. Any other
// value is the event data itself. Null and empty array values produce
// no event.
func updateEvent(channel string, value jsonv.Value) (jsonv.Value, bool) {
	if value.Kind() == jsonv.KindNull {
		return nil, false
	}
	if arr, ok := value.(jsonv.Array); ok && arr.Empty() {
		return nil, false
	}

	event := jsonv.NewObject().
		With("channel", jsonv.NewString(channel))

	if obj, ok := value.(jsonv.Object); ok {
		if data, has := obj.Get("data"); has {
			event = event.With("data", data)
			if id, hasId := obj.Get("id"); hasId {
				event = event.With("id", id)
			}
			return event, true
		}
	}
	return event.With("data", value), true
}
