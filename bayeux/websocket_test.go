package bayeux

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"github.com/gorilla/websocket"

	"github.com/flowtide/comet/jsonv"
)

func wsUrl(httpUrl string) string {
	return "ws" + strings.TrimPrefix(httpUrl, "http")
}

func wsSend(t *testing.T, conn *websocket.Conn, bodySingleQuoted string) {
	body := jsonv.Text(jsonv.MustParseSingleQuoted(bodySingleQuoted))
	if err := conn.WriteMessage(websocket.TextMessage, []byte(body)); err != nil {
		t.Fatalf("websocket write failed: %v", err)
	}
}

func wsRead(t *testing.T, conn *websocket.Conn) jsonv.Array {
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("websocket read failed: %v", err)
	}
	parsed, err := jsonv.Parse(data)
	assert.Equal(t, err, nil)
	return parsed.(jsonv.Array)
}

func TestWebsocketTransport(t *testing.T) {
	settings := countingSettings()
	settings.EnableWebsocket = true
	context := newServerContext(t, nil, settings)

	name := mustName("/foo/bar")
	context.adapter.AnswerValidation(name, true)
	context.adapter.AnswerInitialization(name, jsonv.Null{})

	conn, _, err := websocket.DefaultDialer.Dial(wsUrl(context.server.URL), nil)
	assert.Equal(t, err, nil)
	defer conn.Close()

	// handshake advertises the websocket connection type as well
	wsSend(t, conn,
		`{'channel': '/meta/handshake',
		  'version': '1.0.0',
		  'supportedConnectionTypes': ['long-polling', 'websocket']}`)
	replies := wsRead(t, conn)
	assert.Equal(t, replies.Len(), 1)
	ack := replies.At(0).(jsonv.Object)
	successful, _ := ack.Get("successful")
	assert.Equal(t, jsonv.Equal(successful, jsonv.True), true)
	types, _ := ack.Get("supportedConnectionTypes")
	assert.Equal(t, jsonv.Equal(types, jsonv.NewArray(
		jsonv.NewString("long-polling"), jsonv.NewString("websocket"))), true)
	clientIdValue, _ := ack.Get("clientId")
	clientId := clientIdValue.(jsonv.String).Text()

	// the subscribe ack arrives with the connect reply
	wsSend(t, conn, fmt.Sprintf(
		`[{'channel': '/meta/subscribe',
		   'clientId': '%s',
		   'subscription': '/foo/bar'},
		  {'channel': '/meta/connect',
		   'clientId': '%s',
		   'connectionType': 'websocket'}]`, clientId, clientId))
	replies = wsRead(t, conn)
	assertEvents(t, replies, fmt.Sprintf(
		`[{
			'channel'      : '/meta/subscribe',
			'clientId'     : '%s',
			'subscription' : '/foo/bar',
			'successful'   : true
		},{
			'channel'    : '/meta/connect',
			'clientId'   : '%s',
			'successful' : true
		}]`, clientId, clientId))

	// a parked connect is flushed when the update arrives
	wsSend(t, conn, fmt.Sprintf(
		`{'channel': '/meta/connect',
		  'clientId': '%s',
		  'connectionType': 'websocket'}`, clientId))

	time.Sleep(50 * time.Millisecond)
	context.root.UpdateNode(name, jsonv.NewInt(42))

	replies = wsRead(t, conn)
	assertEvents(t, replies, fmt.Sprintf(
		`[{
			'channel' : '/foo/bar',
			'data'    : 42
		},{
			'channel'    : '/meta/connect',
			'clientId'   : '%s',
			'successful' : true
		}]`, clientId))
}
