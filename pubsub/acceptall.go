package pubsub

import (
	"github.com/flowtide/comet/jsonv"
)

// AcceptAllAdapter accepts every subscription and initializes every
// node with null. Useful for servers whose nodes are driven entirely
// by UpdateNode.
type AcceptAllAdapter struct{}

func (self AcceptAllAdapter) Validate(name NodeName, reply ValidationReply) {
	reply.Answer(true)
}

func (self AcceptAllAdapter) Authorize(subscriber Subscriber, name NodeName, reply AuthorizationReply) {
	reply.Answer(true)
}

func (self AcceptAllAdapter) Initialize(name NodeName, reply InitializationReply) {
	reply.Answer(jsonv.Null{})
}
