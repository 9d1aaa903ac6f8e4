package mqttmesh

import (
	"context"
	"errors"
)

// ErrClientNotConnected is returned by PublishTo when the client has no
// live local session.
var ErrClientNotConnected = errors.New("client not connected")

// SessionInfo describes one client session on the local broker.
type SessionInfo struct {
	ClientID  string
	Connected bool
}

// BrokerHooks are the connect/disconnect notifications the router binds
// on the local broker. Hooks are invoked with the client ID of the
// affected session.
type BrokerHooks struct {
	OnClientConnected    func(clientID string)
	OnClientDisconnected func(clientID string)
}

// LocalBroker is the single-node broker instance the router drives. The
// mesh never touches the wire protocol; it only observes session events,
// enumerates live sessions, and publishes opaque payloads to them.
type LocalBroker interface {
	// BindHooks registers the hooks, replacing any previous binding, and
	// returns a function that deterministically removes them. The router
	// binds on Start and unbinds on Stop.
	BindHooks(hooks BrokerHooks) (unbind func())

	// PublishTo delivers an opaque payload to one locally-connected
	// client. Returns ErrClientNotConnected when the session is gone.
	PublishTo(ctx context.Context, clientID string, payload []byte) error

	// Sessions returns the broker's current sessions, live or not. The
	// router filters on the Connected flag.
	Sessions() []SessionInfo
}
