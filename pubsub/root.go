package pubsub

import (
	"sync"
	"sync/atomic"

	"github.com/golang/glog"

	"github.com/flowtide/comet/jsonv"
)

type RootSettings struct {
	// every subscription is authorized with the adapter
	AuthorizationRequired bool
	// per-node delta history budget, in percent of the serialized size
	// of the current node value
	KeepUpdateSizePercent int
	// keep nodes created by UpdateNode alive without subscribers
	RetainUnsubscribedNodes bool
}

func DefaultRootSettings() *RootSettings {
	return &RootSettings{
		AuthorizationRequired:   true,
		KeepUpdateSizePercent:   30,
		RetainUnsubscribedNodes: false,
	}
}

const (
	pendingValidation = iota
	pendingAuthorization
	pendingInitialization
)

type pendingSubscription struct {
	subscriber Subscriber
	stage      int
}

type nodeEntry struct {
	name NodeName

	validated    bool
	validating   bool
	initializing bool

	hasNode bool
	node    Node
	// created by UpdateNode rather than by a subscription
	explicit bool

	subscribers map[Subscriber]bool
	pending     []*pendingSubscription
}

// The Root owns all nodes and subscriptions. It mediates validation,
// authorization and initialization with the adapter and fans updates
// out to subscribers.
//
// All state is guarded by one mutex. Adapter requests are issued
// outside the mutex so the adapter is free to answer synchronously
// from within the request. Event deliveries to subscribers happen
// under the mutex, which serializes them in node version order.
// Subscribers must not call back into the root from their delivery
// callbacks.
type Root struct {
	adapter  Adapter
	settings atomic.Pointer[RootSettings]

	stateLock sync.Mutex
	entries   map[string]*nodeEntry
	closed    bool
}

func NewRoot(adapter Adapter, settings *RootSettings) *Root {
	if settings == nil {
		settings = DefaultRootSettings()
	}
	root := &Root{
		adapter: adapter,
		entries: map[string]*nodeEntry{},
	}
	root.settings.Store(settings)
	return root
}

func (self *Root) Settings() *RootSettings {
	return self.settings.Load()
}

// ApplySettings atomically replaces the settings snapshot. Calls in
// flight keep the snapshot they started with.
func (self *Root) ApplySettings(settings *RootSettings) {
	self.settings.Store(settings)
}

// Subscribe runs the subscription pipeline for the subscriber:
// validate, authorize, initialize, then deliver the current node value
// as the first OnUpdate. Failures are reported with OnSubscribeFailed.
func (self *Root) Subscribe(subscriber Subscriber, name NodeName) {
	self.stateLock.Lock()
	if self.closed {
		self.stateLock.Unlock()
		subscriber.OnSubscribeFailed(name, FailureInvalidSubscription)
		return
	}
	entry := self.entryLocked(name)

	var calls []func()
	if !entry.validated {
		entry.pending = append(entry.pending, &pendingSubscription{
			subscriber: subscriber,
			stage:      pendingValidation,
		})
		if !entry.validating {
			entry.validating = true
			calls = append(calls, self.validateCall(name))
		}
	} else {
		calls = self.advanceLocked(entry, subscriber)
	}
	self.stateLock.Unlock()

	for _, call := range calls {
		call()
	}
}

// Unsubscribe detaches the subscriber. A still pending subscription is
// cancelled; its eventual outcome is not reported. The return value
// tells whether the subscriber held a live or pending subscription.
func (self *Root) Unsubscribe(subscriber Subscriber, name NodeName) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	entry := self.entries[name.MapKey()]
	if entry == nil {
		return false
	}

	removed := false
	if entry.subscribers[subscriber] {
		delete(entry.subscribers, subscriber)
		removed = true
	} else {
		for i, p := range entry.pending {
			if p.subscriber == subscriber {
				entry.pending = append(entry.pending[:i], entry.pending[i+1:]...)
				removed = true
				break
			}
		}
	}
	if removed {
		glog.V(2).Infof("[pubsub]unsubscribe %s", name)
		self.maybeDropLocked(entry)
	}
	return removed
}

// UpdateNode sets the node to a new value, creating the node if it
// does not exist, and delivers the update to every subscriber.
func (self *Root) UpdateNode(name NodeName, newValue jsonv.Value) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.closed {
		return
	}

	entry := self.entryLocked(name)
	changed := true
	if entry.hasNode {
		changed = entry.node.Update(newValue, self.Settings().KeepUpdateSizePercent)
	} else {
		entry.node = NewNode(newVersion(), newValue)
		entry.hasNode = true
		entry.explicit = true
	}
	if changed {
		glog.V(2).Infof("[pubsub]update %s v%d", name, entry.node.CurrentVersion())
		for subscriber := range entry.subscribers {
			subscriber.OnUpdate(entry.name, entry.node)
		}
	}
}

// Publish hands a client publish to the adapter. The result is
// returned verbatim.
func (self *Root) Publish(channel jsonv.String, data jsonv.Value, message jsonv.Object, sessionData any) (ok bool, errText string) {
	publisher, isPublisher := self.adapter.(Publisher)
	if !isPublisher {
		return false, "no publish handler"
	}
	defer func() {
		if r := recover(); r != nil {
			glog.Errorf("[pubsub]publish handler panic on %s: %v", channel.Text(), r)
			ok = false
			errText = "internal error"
		}
	}()
	return publisher.Publish(channel, data, message, sessionData, self)
}

// NodeSnapshot returns a copy of the node, if it exists.
func (self *Root) NodeSnapshot(name NodeName) (Node, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	entry := self.entries[name.MapKey()]
	if entry == nil || !entry.hasNode {
		return Node{}, false
	}
	return entry.node, true
}

// Close drops all nodes. Pending subscriptions are dropped silently;
// late adapter answers are ignored.
func (self *Root) Close() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.closed = true
	self.entries = map[string]*nodeEntry{}
}

func (self *Root) entryLocked(name NodeName) *nodeEntry {
	key := name.MapKey()
	entry := self.entries[key]
	if entry == nil {
		entry = &nodeEntry{
			name:        name,
			subscribers: map[Subscriber]bool{},
		}
		self.entries[key] = entry
	}
	return entry
}

func (self *Root) maybeDropLocked(entry *nodeEntry) {
	if 0 < len(entry.subscribers) || 0 < len(entry.pending) {
		return
	}
	if entry.explicit && self.Settings().RetainUnsubscribedNodes {
		return
	}
	delete(self.entries, entry.name.MapKey())
}

// advanceLocked moves a validated subscriber to the next stage:
// authorization if required, otherwise admission.
func (self *Root) advanceLocked(entry *nodeEntry, subscriber Subscriber) []func() {
	if self.Settings().AuthorizationRequired {
		entry.pending = append(entry.pending, &pendingSubscription{
			subscriber: subscriber,
			stage:      pendingAuthorization,
		})
		return []func(){self.authorizeCall(subscriber, entry.name)}
	}
	return self.admitLocked(entry, subscriber)
}

// admitLocked attaches an authorized subscriber. If the node does not
// exist yet, the subscriber waits for initialization.
func (self *Root) admitLocked(entry *nodeEntry, subscriber Subscriber) []func() {
	if entry.hasNode {
		entry.subscribers[subscriber] = true
		subscriber.OnUpdate(entry.name, entry.node)
		return nil
	}
	entry.pending = append(entry.pending, &pendingSubscription{
		subscriber: subscriber,
		stage:      pendingInitialization,
	})
	if !entry.initializing {
		entry.initializing = true
		return []func(){self.initializeCall(entry.name)}
	}
	return nil
}

// takePendingLocked removes and returns all pending subscriptions in
// the given stage.
func (entry *nodeEntry) takePendingLocked(stage int) []*pendingSubscription {
	taken := []*pendingSubscription{}
	kept := entry.pending[:0]
	for _, p := range entry.pending {
		if p.stage == stage {
			taken = append(taken, p)
		} else {
			kept = append(kept, p)
		}
	}
	entry.pending = kept
	return taken
}

// adapter requests

func (self *Root) recoverAdapter(what string, name NodeName, fail func()) {
	if r := recover(); r != nil {
		glog.Errorf("[pubsub]adapter %s panic for %s: %v", what, name, r)
		fail()
	}
}

func (self *Root) validateCall(name NodeName) func() {
	reply := &validationReply{
		root: self,
		name: name,
	}
	return func() {
		defer self.recoverAdapter("validate", name, func() {
			reply.Answer(false)
		})
		self.adapter.Validate(name, reply)
	}
}

func (self *Root) authorizeCall(subscriber Subscriber, name NodeName) func() {
	reply := &authorizationReply{
		root:       self,
		name:       name,
		subscriber: subscriber,
	}
	return func() {
		defer self.recoverAdapter("authorize", name, func() {
			reply.Answer(false)
		})
		self.adapter.Authorize(subscriber, name, reply)
	}
}

func (self *Root) initializeCall(name NodeName) func() {
	reply := &initializationReply{
		root: self,
		name: name,
	}
	return func() {
		defer self.recoverAdapter("initialize", name, func() {
			reply.Skip()
		})
		self.adapter.Initialize(name, reply)
	}
}

// adapter answers. These are the thread safe entry points the reply
// handles call into, possibly long after the request.

func (self *Root) answerValidation(name NodeName, valid bool) {
	self.stateLock.Lock()
	entry := self.entries[name.MapKey()]
	if entry == nil || self.closed {
		self.stateLock.Unlock()
		return
	}
	entry.validating = false

	var calls []func()
	waiting := entry.takePendingLocked(pendingValidation)
	if valid {
		entry.validated = true
		for _, p := range waiting {
			calls = append(calls, self.advanceLocked(entry, p.subscriber)...)
		}
	} else {
		for _, p := range waiting {
			p.subscriber.OnSubscribeFailed(name, FailureInvalidSubscription)
		}
		self.maybeDropLocked(entry)
	}
	self.stateLock.Unlock()

	for _, call := range calls {
		call()
	}
}

func (self *Root) answerAuthorization(name NodeName, subscriber Subscriber, authorized bool) {
	self.stateLock.Lock()
	entry := self.entries[name.MapKey()]
	if entry == nil || self.closed {
		self.stateLock.Unlock()
		return
	}

	found := false
	for i, p := range entry.pending {
		if p.subscriber == subscriber && p.stage == pendingAuthorization {
			entry.pending = append(entry.pending[:i], entry.pending[i+1:]...)
			found = true
			break
		}
	}
	if !found {
		// cancelled by an unsubscribe in the meantime
		self.stateLock.Unlock()
		return
	}

	var calls []func()
	if authorized {
		calls = self.admitLocked(entry, subscriber)
	} else {
		subscriber.OnSubscribeFailed(name, FailureAuthorization)
		self.maybeDropLocked(entry)
	}
	self.stateLock.Unlock()

	for _, call := range calls {
		call()
	}
}

func (self *Root) answerInitialization(name NodeName, initial jsonv.Value, skipped bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	entry := self.entries[name.MapKey()]
	if entry == nil || self.closed {
		return
	}
	entry.initializing = false

	if !skipped && !entry.hasNode {
		entry.node = NewNode(newVersion(), initial)
		entry.hasNode = true
	}

	waiting := entry.takePendingLocked(pendingInitialization)
	for _, p := range waiting {
		if entry.hasNode {
			entry.subscribers[p.subscriber] = true
			p.subscriber.OnUpdate(entry.name, entry.node)
		} else {
			p.subscriber.OnSubscribeFailed(name, FailureInitialization)
		}
	}
	if !entry.hasNode {
		self.maybeDropLocked(entry)
	}
}

// reply handles

type validationReply struct {
	root *Root
	name NodeName
	once sync.Once
}

func (self *validationReply) Answer(valid bool) {
	self.once.Do(func() {
		self.root.answerValidation(self.name, valid)
	})
}

type authorizationReply struct {
	root       *Root
	name       NodeName
	subscriber Subscriber
	once       sync.Once
}

func (self *authorizationReply) Answer(authorized bool) {
	self.once.Do(func() {
		self.root.answerAuthorization(self.name, self.subscriber, authorized)
	})
}

type initializationReply struct {
	root *Root
	name NodeName
	once sync.Once
}

func (self *initializationReply) Answer(initial jsonv.Value) {
	self.once.Do(func() {
		self.root.answerInitialization(self.name, initial, false)
	})
}

func (self *initializationReply) Skip() {
	self.once.Do(func() {
		self.root.answerInitialization(self.name, jsonv.Null{}, true)
	})
}
