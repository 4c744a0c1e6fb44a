package pubsub

import (
	"sync"

	"github.com/flowtide/comet/jsonv"
)

// TestAdapter is an adapter for tests. Answers can be configured
// before the request arrives, in which case the request is answered
// synchronously, or after, in which case the stored reply handle is
// answered at configuration time. Both orders exercise the same root
// code paths as a real asynchronous adapter.
type TestAdapter struct {
	mutex sync.Mutex

	validationAnswers  map[string]bool
	pendingValidations map[string]ValidationReply

	authorizationAnswers  map[Subscriber]map[string]bool
	pendingAuthorizations map[Subscriber]map[string]AuthorizationReply

	initializationAnswers  map[string]jsonv.Value
	initializationSkips    map[string]bool
	pendingInitializations map[string]InitializationReply

	validationCount     int
	authorizationCount  int
	initializationCount int
}

func NewTestAdapter() *TestAdapter {
	return &TestAdapter{
		validationAnswers:      map[string]bool{},
		pendingValidations:     map[string]ValidationReply{},
		authorizationAnswers:   map[Subscriber]map[string]bool{},
		pendingAuthorizations:  map[Subscriber]map[string]AuthorizationReply{},
		initializationAnswers:  map[string]jsonv.Value{},
		initializationSkips:    map[string]bool{},
		pendingInitializations: map[string]InitializationReply{},
	}
}

func (self *TestAdapter) Validate(name NodeName, reply ValidationReply) {
	self.mutex.Lock()
	self.validationCount += 1
	answer, answered := self.validationAnswers[name.MapKey()]
	if !answered {
		self.pendingValidations[name.MapKey()] = reply
	}
	self.mutex.Unlock()

	if answered {
		reply.Answer(answer)
	}
}

func (self *TestAdapter) Authorize(subscriber Subscriber, name NodeName, reply AuthorizationReply) {
	self.mutex.Lock()
	self.authorizationCount += 1
	answer, answered := self.authorizationAnswers[subscriber][name.MapKey()]
	if !answered {
		pending := self.pendingAuthorizations[subscriber]
		if pending == nil {
			pending = map[string]AuthorizationReply{}
			self.pendingAuthorizations[subscriber] = pending
		}
		pending[name.MapKey()] = reply
	}
	self.mutex.Unlock()

	if answered {
		reply.Answer(answer)
	}
}

func (self *TestAdapter) Initialize(name NodeName, reply InitializationReply) {
	self.mutex.Lock()
	self.initializationCount += 1
	answer, answered := self.initializationAnswers[name.MapKey()]
	skip := self.initializationSkips[name.MapKey()]
	if !answered && !skip {
		self.pendingInitializations[name.MapKey()] = reply
	}
	self.mutex.Unlock()

	if skip {
		reply.Skip()
	} else if answered {
		reply.Answer(answer)
	}
}

func (self *TestAdapter) AnswerValidation(name NodeName, valid bool) {
	self.mutex.Lock()
	self.validationAnswers[name.MapKey()] = valid
	reply := self.pendingValidations[name.MapKey()]
	delete(self.pendingValidations, name.MapKey())
	self.mutex.Unlock()

	if reply != nil {
		reply.Answer(valid)
	}
}

func (self *TestAdapter) AnswerAuthorization(subscriber Subscriber, name NodeName, authorized bool) {
	self.mutex.Lock()
	answers := self.authorizationAnswers[subscriber]
	if answers == nil {
		answers = map[string]bool{}
		self.authorizationAnswers[subscriber] = answers
	}
	answers[name.MapKey()] = authorized
	var reply AuthorizationReply
	if pending := self.pendingAuthorizations[subscriber]; pending != nil {
		reply = pending[name.MapKey()]
		delete(pending, name.MapKey())
	}
	self.mutex.Unlock()

	if reply != nil {
		reply.Answer(authorized)
	}
}

func (self *TestAdapter) AnswerInitialization(name NodeName, initial jsonv.Value) {
	self.mutex.Lock()
	self.initializationAnswers[name.MapKey()] = initial
	reply := self.pendingInitializations[name.MapKey()]
	delete(self.pendingInitializations, name.MapKey())
	self.mutex.Unlock()

	if reply != nil {
		reply.Answer(initial)
	}
}

func (self *TestAdapter) SkipInitialization(name NodeName) {
	self.mutex.Lock()
	self.initializationSkips[name.MapKey()] = true
	reply := self.pendingInitializations[name.MapKey()]
	delete(self.pendingInitializations, name.MapKey())
	self.mutex.Unlock()

	if reply != nil {
		reply.Skip()
	}
}

func (self *TestAdapter) ValidationCount() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.validationCount
}

func (self *TestAdapter) AuthorizationCount() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.authorizationCount
}

func (self *TestAdapter) InitializationCount() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.initializationCount
}
