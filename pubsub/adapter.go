package pubsub

import (
	"github.com/flowtide/comet/jsonv"
)

// The adapter connects the root to user code. Every request carries a
// reply handle. The adapter may answer synchronously from within the
// call or hold on to the handle and answer later from any goroutine.
// Answering a handle more than once is a no-op after the first answer.

type ValidationReply interface {
	// Answer tells the root whether the node name is valid.
	Answer(valid bool)
}

type AuthorizationReply interface {
	// Answer tells the root whether the subscriber may subscribe.
	Answer(authorized bool)
}

type InitializationReply interface {
	// Answer supplies the initial node value. jsonv.Null is a valid
	// initial value.
	Answer(initial jsonv.Value)
	// Skip declines to initialize the node. The subscription fails.
	Skip()
}

type Adapter interface {
	Validate(name NodeName, reply ValidationReply)
	Authorize(subscriber Subscriber, name NodeName, reply AuthorizationReply)
	Initialize(name NodeName, reply InitializationReply)
}

// Publisher is implemented by adapters that accept client publishes.
// The result is the publish outcome and, on failure, an error text for
// the client.
type Publisher interface {
	Publish(channel jsonv.String, data jsonv.Value, message jsonv.Object, sessionData any, root *Root) (bool, string)
}

// A SubscribeFailure is the reason a subscription was rejected. The
// text is communicated to the client verbatim.
type SubscribeFailure string

const (
	FailureInvalidSubscription = SubscribeFailure("invalid subscription")
	FailureAuthorization       = SubscribeFailure("authorization failed")
	FailureInitialization      = SubscribeFailure("initialization failed")
)

// A Subscriber receives node updates and subscription failures from
// the root. The first OnUpdate for a name acknowledges the
// subscription.
type Subscriber interface {
	OnUpdate(name NodeName, node Node)
	OnSubscribeFailed(name NodeName, failure SubscribeFailure)
}
