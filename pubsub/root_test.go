package pubsub

import (
	"flag"
	"fmt"
	"sync"
	"testing"

	"github.com/go-playground/assert/v2"

	"github.com/flowtide/comet/jsonv"
)

func init() {
	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "INFO")
	flag.Set("v", "0")
}

type recordingSubscriber struct {
	mutex    sync.Mutex
	updates  []string
	failures []SubscribeFailure
}

func (self *recordingSubscriber) OnUpdate(name NodeName, node Node) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.updates = append(self.updates, jsonv.Text(node.Data()))
}

func (self *recordingSubscriber) OnSubscribeFailed(name NodeName, failure SubscribeFailure) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.failures = append(self.failures, failure)
}

func (self *recordingSubscriber) Updates() []string {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	updates := make([]string, len(self.updates))
	copy(updates, self.updates)
	return updates
}

func (self *recordingSubscriber) Failures() []SubscribeFailure {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	failures := make([]SubscribeFailure, len(self.failures))
	copy(failures, self.failures)
	return failures
}

var testName = NewNodeName(Key{"p1", "foo"}, Key{"p2", "bar"})

func TestSubscribeWithSynchronousAnswers(t *testing.T) {
	adapter := NewTestAdapter()
	root := NewRoot(adapter, nil)
	subscriber := &recordingSubscriber{}

	adapter.AnswerValidation(testName, true)
	adapter.AnswerAuthorization(subscriber, testName, true)
	adapter.AnswerInitialization(testName, jsonv.MustParseSingleQuoted("{'data': 42}"))

	root.Subscribe(subscriber, testName)

	assert.Equal(t, subscriber.Updates(), []string{`{"data":42}`})
	assert.Equal(t, len(subscriber.Failures()), 0)
}

func TestSubscribeWithDeferredAnswers(t *testing.T) {
	adapter := NewTestAdapter()
	root := NewRoot(adapter, nil)
	subscriber := &recordingSubscriber{}

	root.Subscribe(subscriber, testName)
	assert.Equal(t, len(subscriber.Updates()), 0)

	adapter.AnswerValidation(testName, true)
	assert.Equal(t, len(subscriber.Updates()), 0)

	adapter.AnswerAuthorization(subscriber, testName, true)
	assert.Equal(t, len(subscriber.Updates()), 0)

	adapter.AnswerInitialization(testName, jsonv.MustParseSingleQuoted("{'data': 42}"))
	assert.Equal(t, subscriber.Updates(), []string{`{"data":42}`})
}

func TestSubscribeValidationFailure(t *testing.T) {
	adapter := NewTestAdapter()
	root := NewRoot(adapter, nil)

	// synchronous
	subscriberA := &recordingSubscriber{}
	adapter.AnswerValidation(testName, false)
	root.Subscribe(subscriberA, testName)
	assert.Equal(t, subscriberA.Failures(), []SubscribeFailure{FailureInvalidSubscription})

	// deferred
	other := NewNodeName(Key{"p1", "other"})
	subscriberB := &recordingSubscriber{}
	root.Subscribe(subscriberB, other)
	assert.Equal(t, len(subscriberB.Failures()), 0)
	adapter.AnswerValidation(other, false)
	assert.Equal(t, subscriberB.Failures(), []SubscribeFailure{FailureInvalidSubscription})
}

func TestSubscribeAuthorizationFailure(t *testing.T) {
	adapter := NewTestAdapter()
	root := NewRoot(adapter, nil)
	subscriber := &recordingSubscriber{}

	root.Subscribe(subscriber, testName)
	adapter.AnswerValidation(testName, true)
	adapter.AnswerAuthorization(subscriber, testName, false)

	assert.Equal(t, subscriber.Failures(), []SubscribeFailure{FailureAuthorization})
	assert.Equal(t, len(subscriber.Updates()), 0)
}

func TestSubscribeInitializationSkipped(t *testing.T) {
	adapter := NewTestAdapter()
	root := NewRoot(adapter, nil)
	subscriber := &recordingSubscriber{}

	root.Subscribe(subscriber, testName)
	adapter.AnswerValidation(testName, true)
	adapter.AnswerAuthorization(subscriber, testName, true)
	adapter.SkipInitialization(testName)

	assert.Equal(t, subscriber.Failures(), []SubscribeFailure{FailureInitialization})
}

func TestSubscribeWithoutAuthorizationRequirement(t *testing.T) {
	adapter := NewTestAdapter()
	settings := DefaultRootSettings()
	settings.AuthorizationRequired = false
	root := NewRoot(adapter, settings)
	subscriber := &recordingSubscriber{}

	adapter.AnswerValidation(testName, true)
	adapter.AnswerInitialization(testName, jsonv.Null{})

	root.Subscribe(subscriber, testName)

	assert.Equal(t, subscriber.Updates(), []string{`null`})
	assert.Equal(t, adapter.AuthorizationCount(), 0)
}

func TestUpdateNodeFansOutInOrder(t *testing.T) {
	adapter := NewTestAdapter()
	settings := DefaultRootSettings()
	settings.AuthorizationRequired = false
	root := NewRoot(adapter, settings)

	subscriberA := &recordingSubscriber{}
	subscriberB := &recordingSubscriber{}

	adapter.AnswerValidation(testName, true)
	adapter.AnswerInitialization(testName, jsonv.NewInt(0))

	root.Subscribe(subscriberA, testName)
	root.Subscribe(subscriberB, testName)

	for i := 1; i <= 3; i += 1 {
		root.UpdateNode(testName, jsonv.NewInt(i))
	}

	expected := []string{`0`, `1`, `2`, `3`}
	assert.Equal(t, subscriberA.Updates(), expected)
	assert.Equal(t, subscriberB.Updates(), expected)
}

func TestUpdateNodeWithIdenticalValues(t *testing.T) {
	adapter := NewTestAdapter()
	settings := DefaultRootSettings()
	settings.AuthorizationRequired = false
	root := NewRoot(adapter, settings)
	subscriber := &recordingSubscriber{}

	adapter.AnswerValidation(testName, true)
	adapter.AnswerInitialization(testName, jsonv.Null{})
	root.Subscribe(subscriber, testName)

	data := jsonv.MustParseSingleQuoted("{'data': 1}")
	root.UpdateNode(testName, data)
	root.UpdateNode(testName, data)
	root.UpdateNode(testName, data)

	// identical pushes are delivered without deduplication
	assert.Equal(t, subscriber.Updates(), []string{
		`null`, `{"data":1}`, `{"data":1}`, `{"data":1}`,
	})
}

func TestUpdateNodeCreatesTheNode(t *testing.T) {
	adapter := NewTestAdapter()
	root := NewRoot(adapter, nil)

	root.UpdateNode(testName, jsonv.NewInt(42))

	node, ok := root.NodeSnapshot(testName)
	assert.Equal(t, ok, true)
	assert.Equal(t, jsonv.Text(node.Data()), `42`)
	assert.Equal(t, adapter.InitializationCount(), 0)
}

func TestUnsubscribeRemovesTheSubscription(t *testing.T) {
	adapter := NewTestAdapter()
	settings := DefaultRootSettings()
	settings.AuthorizationRequired = false
	root := NewRoot(adapter, settings)
	subscriber := &recordingSubscriber{}

	adapter.AnswerValidation(testName, true)
	adapter.AnswerInitialization(testName, jsonv.Null{})
	root.Subscribe(subscriber, testName)

	assert.Equal(t, root.Unsubscribe(subscriber, testName), true)

	root.UpdateNode(testName, jsonv.NewInt(1))
	assert.Equal(t, subscriber.Updates(), []string{`null`})

	// not subscribed anymore
	assert.Equal(t, root.Unsubscribe(subscriber, testName), false)
}

func TestUnsubscribeCancelsAPendingSubscription(t *testing.T) {
	adapter := NewTestAdapter()
	root := NewRoot(adapter, nil)
	subscriber := &recordingSubscriber{}

	root.Subscribe(subscriber, testName)
	assert.Equal(t, root.Unsubscribe(subscriber, testName), true)

	// the late answers must not resurrect the subscription
	adapter.AnswerValidation(testName, true)
	adapter.AnswerAuthorization(subscriber, testName, true)
	adapter.AnswerInitialization(testName, jsonv.NewInt(1))

	assert.Equal(t, len(subscriber.Updates()), 0)
	assert.Equal(t, len(subscriber.Failures()), 0)
}

func TestValidationIsCachedPerNode(t *testing.T) {
	adapter := NewTestAdapter()
	settings := DefaultRootSettings()
	settings.AuthorizationRequired = false
	root := NewRoot(adapter, settings)

	adapter.AnswerValidation(testName, true)
	adapter.AnswerInitialization(testName, jsonv.Null{})

	subscriberA := &recordingSubscriber{}
	subscriberB := &recordingSubscriber{}
	root.Subscribe(subscriberA, testName)
	root.Subscribe(subscriberB, testName)

	assert.Equal(t, adapter.ValidationCount(), 1)
	assert.Equal(t, adapter.InitializationCount(), 1)
}

type panicAdapter struct {
	*TestAdapter
}

func (self *panicAdapter) Validate(name NodeName, reply ValidationReply) {
	panic("validate exploded")
}

func (self *panicAdapter) Publish(channel jsonv.String, data jsonv.Value, message jsonv.Object, sessionData any, root *Root) (bool, string) {
	panic("publish exploded")
}

func TestAdapterPanicIsContained(t *testing.T) {
	adapter := &panicAdapter{NewTestAdapter()}
	root := NewRoot(adapter, nil)
	subscriber := &recordingSubscriber{}

	root.Subscribe(subscriber, testName)
	assert.Equal(t, subscriber.Failures(), []SubscribeFailure{FailureInvalidSubscription})

	ok, errText := root.Publish(jsonv.NewString("/test/a"), jsonv.NewInt(1), jsonv.NewObject(), nil)
	assert.Equal(t, ok, false)
	assert.Equal(t, errText, "internal error")
}

func TestPublishWithoutHandler(t *testing.T) {
	root := NewRoot(NewTestAdapter(), nil)

	ok, errText := root.Publish(jsonv.NewString("/test/a"), jsonv.NewInt(1), jsonv.NewObject(), nil)
	assert.Equal(t, ok, false)
	assert.Equal(t, errText, "no publish handler")
}

type acceptingPublisher struct {
	*TestAdapter
	published []string
}

func (self *acceptingPublisher) Publish(channel jsonv.String, data jsonv.Value, message jsonv.Object, sessionData any, root *Root) (bool, string) {
	self.published = append(self.published,
		fmt.Sprintf("%s=%s", channel.Text(), jsonv.Text(data)))
	return true, ""
}

func TestPublishDelegatesToTheAdapter(t *testing.T) {
	adapter := &acceptingPublisher{TestAdapter: NewTestAdapter()}
	root := NewRoot(adapter, nil)

	ok, errText := root.Publish(jsonv.NewString("/test/a"), jsonv.NewInt(7), jsonv.NewObject(), nil)
	assert.Equal(t, ok, true)
	assert.Equal(t, errText, "")
	assert.Equal(t, adapter.published, []string{`/test/a=7`})
}

func TestCloseDropsEverything(t *testing.T) {
	adapter := NewTestAdapter()
	root := NewRoot(adapter, nil)
	subscriber := &recordingSubscriber{}

	root.Subscribe(subscriber, testName)
	root.Close()

	// late answers are ignored
	adapter.AnswerValidation(testName, true)
	assert.Equal(t, len(subscriber.Updates()), 0)

	_, ok := root.NodeSnapshot(testName)
	assert.Equal(t, ok, false)
}
