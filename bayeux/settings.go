package bayeux

import (
	"time"
)

type Settings struct {
	// an idle session is destroyed after this timeout
	SessionTimeout time.Duration

	// a blocked connect is released empty after this timeout
	LongPollingTimeout time.Duration

	// per session event queue caps. on overflow the oldest events are
	// dropped
	MaxMessagesPerClient     int
	MaxMessagesSizePerClient int

	// accept the websocket connection type in addition to long-polling
	EnableWebsocket bool

	// GenerateSessionId produces session ids. The default generator is
	// cryptographically unpredictable. Tests install a counting
	// generator here.
	GenerateSessionId func(connectionName string) string
}

func DefaultSettings() *Settings {
	return &Settings{
		SessionTimeout:           30 * time.Second,
		LongPollingTimeout:       20 * time.Second,
		MaxMessagesPerClient:     100,
		MaxMessagesSizePerClient: 10 * 1024,
		EnableWebsocket:          false,
		GenerateSessionId:        SecureSessionId,
	}
}
