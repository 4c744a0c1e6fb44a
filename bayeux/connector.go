package bayeux

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
	"golang.org/x/exp/maps"

	"github.com/flowtide/comet/pubsub"
)

type sessionEntry struct {
	session  *Session
	useCount int
	// armed while useCount is zero
	idleTimer *time.Timer
}

// The Connector is the registry of live sessions, keyed by opaque
// session id. A session handle is use counted: every response that
// resolves a session holds a use until it releases the session with
// IdleSession. A session whose use count stays zero for the session
// timeout is destroyed.
type Connector struct {
	root     *pubsub.Root
	settings atomic.Pointer[Settings]

	stateLock sync.Mutex
	sessions  map[string]*sessionEntry
	closed    bool
}

func NewConnector(root *pubsub.Root, settings *Settings) *Connector {
	if settings == nil {
		settings = DefaultSettings()
	}
	connector := &Connector{
		root:     root,
		sessions: map[string]*sessionEntry{},
	}
	connector.settings.Store(settings)
	return connector
}

func (self *Connector) Root() *pubsub.Root {
	return self.root
}

func (self *Connector) Settings() *Settings {
	return self.settings.Load()
}

// ApplySettings atomically replaces the settings snapshot. Sessions
// keep the snapshot they were created with.
func (self *Connector) ApplySettings(settings *Settings) {
	self.settings.Store(settings)
}

// CreateSession registers a new session under a fresh id. The caller
// holds one use of the session and must release it with IdleSession.
func (self *Connector) CreateSession(connectionName string) *Session {
	settings := self.Settings()

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.closed {
		return nil
	}

	id := settings.GenerateSessionId(connectionName)
	for self.sessions[id] != nil {
		id = settings.GenerateSessionId(connectionName)
	}

	session := NewSession(id, self.root, settings)
	self.sessions[id] = &sessionEntry{
		session:  session,
		useCount: 1,
	}
	glog.V(1).Infof("[bayeux]create session %s", id)
	return session
}

// FindSession resolves a session id. On a hit the use count is
// incremented and a running idle timer is cancelled; the caller must
// release the session with IdleSession.
func (self *Connector) FindSession(id string) *Session {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	entry := self.sessions[id]
	if entry == nil {
		return nil
	}
	entry.useCount += 1
	if entry.idleTimer != nil {
		entry.idleTimer.Stop()
		entry.idleTimer = nil
	}
	return entry.session
}

// IdleSession releases one use of the session. When the use count
// drops to zero the idle timer is armed.
func (self *Connector) IdleSession(session *Session) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	entry := self.sessions[session.Id()]
	if entry == nil || entry.useCount == 0 {
		return
	}
	entry.useCount -= 1
	if entry.useCount == 0 && !self.closed {
		id := session.Id()
		entry.idleTimer = time.AfterFunc(session.settings.SessionTimeout, func() {
			self.sessionTimeoutReached(id)
		})
	}
}

// DropSession removes the session immediately if it is not in use.
func (self *Connector) DropSession(id string) {
	self.stateLock.Lock()
	entry := self.sessions[id]
	if entry == nil || entry.useCount != 0 {
		self.stateLock.Unlock()
		return
	}
	self.removeLocked(id, entry)
	self.stateLock.Unlock()

	entry.session.Close()
}

// ShutDown closes every session and cancels every timer. Blocked
// responses are released with an empty payload.
func (self *Connector) ShutDown() {
	self.stateLock.Lock()
	self.closed = true
	entries := maps.Values(self.sessions)
	self.sessions = map[string]*sessionEntry{}
	for _, entry := range entries {
		if entry.idleTimer != nil {
			entry.idleTimer.Stop()
			entry.idleTimer = nil
		}
	}
	self.stateLock.Unlock()

	glog.Infof("[bayeux]shut down, closing %d sessions", len(entries))
	for _, entry := range entries {
		entry.session.Close()
	}
}

func (self *Connector) sessionTimeoutReached(id string) {
	self.stateLock.Lock()
	entry := self.sessions[id]
	if entry == nil || entry.useCount != 0 {
		self.stateLock.Unlock()
		return
	}
	self.removeLocked(id, entry)
	self.stateLock.Unlock()

	glog.V(1).Infof("[bayeux]session %s timed out", id)
	entry.session.Close()
}

func (self *Connector) removeLocked(id string, entry *sessionEntry) {
	if entry.idleTimer != nil {
		entry.idleTimer.Stop()
		entry.idleTimer = nil
	}
	delete(self.sessions, id)
}
