package bayeux

import (
	"github.com/golang-jwt/jwt/v5"
	"github.com/golang/glog"

	"github.com/flowtide/comet/jsonv"
	"github.com/flowtide/comet/pubsub"
)

// A HandshakeHandler inspects the ext field of a handshake and decides
// whether the client gets a session. The returned session data is kept
// on the session and handed to the publish handler later.
type HandshakeHandler interface {
	Handshake(ext jsonv.Value) (ok bool, errText string, sessionData any)
}

// TokenAdapter gates the server with a shared secret JWT. A handshake
// may carry `ext: {token: "<jwt>"}`; the verified claims become the
// session data. Handshakes without a token stay anonymous. Publishes
// require a verified token and are applied to the node tree, so
// subscribers observe them as updates.
//
// The adapter serves both layers: it is the pubsub adapter of the root
// and the handshake handler of the bayeux transport.
type TokenAdapter struct {
	Secret []byte

	// reject subscriptions from anonymous sessions
	RequireSubscribeToken bool
}

// HandshakeHandler implementation

func (self *TokenAdapter) Handshake(ext jsonv.Value) (bool, string, any) {
	obj, isObject := ext.(jsonv.Object)
	if !isObject {
		return true, "", nil
	}
	tokenValue, has := obj.Get("token")
	if !has {
		return true, "", nil
	}
	tokenText, isString := tokenValue.(jsonv.String)
	if !isString {
		return false, "invalid token", nil
	}

	token, err := jwt.Parse(
		tokenText.Text(),
		func(t *jwt.Token) (any, error) {
			return self.Secret, nil
		},
		jwt.WithValidMethods([]string{"HS256"}),
	)
	if err != nil || !token.Valid {
		glog.V(1).Infof("[bayeux]handshake token rejected: %v", err)
		return false, "invalid token", nil
	}
	return true, "", token.Claims
}

// pubsub.Adapter implementation

func (self *TokenAdapter) Validate(name pubsub.NodeName, reply pubsub.ValidationReply) {
	reply.Answer(true)
}

func (self *TokenAdapter) Authorize(subscriber pubsub.Subscriber, name pubsub.NodeName, reply pubsub.AuthorizationReply) {
	if !self.RequireSubscribeToken {
		reply.Answer(true)
		return
	}
	session, isSession := subscriber.(*Session)
	reply.Answer(isSession && session.SessionData() != nil)
}

func (self *TokenAdapter) Initialize(name pubsub.NodeName, reply pubsub.InitializationReply) {
	reply.Answer(jsonv.Null{})
}

// pubsub.Publisher implementation

func (self *TokenAdapter) Publish(channel jsonv.String, data jsonv.Value, message jsonv.Object, sessionData any, root *pubsub.Root) (bool, string) {
	if _, hasClaims := sessionData.(jwt.Claims); !hasClaims {
		return false, "no publish authorization"
	}
	name, ok := NodeNameFromChannel(channel.Text())
	if !ok {
		return false, "invalid channel"
	}
	root.UpdateNode(name, data)
	return true, ""
}
