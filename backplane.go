package mqttmesh

import (
	"context"
	"errors"
)

// Backplane errors.
var (
	ErrBackplaneClosed = errors.New("backplane closed")
	ErrChannelInvalid  = errors.New("invalid channel")
)

const (
	// ChannelProvider is the provider name shared by all mesh channels.
	ChannelProvider = "mqttmesh"

	// BroadcastStreamID is the well-known stream ID of the fleet-wide
	// broadcast channel.
	BroadcastStreamID = "fleet-broadcast"
)

// ChannelID identifies one logical backplane channel by the
// (provider, stream ID, namespace) triple.
type ChannelID struct {
	Provider  string
	ID        string
	Namespace string
}

// Key returns the canonical string form used to key subscriptions and
// map channels onto transport-level addresses.
func (c ChannelID) Key() string {
	return c.Provider + "/" + c.Namespace + "/" + c.ID
}

// Validate checks the channel triple is complete and the namespace is
// well-formed.
func (c ChannelID) Validate() error {
	if c.Provider == "" || c.ID == "" {
		return ErrChannelInvalid
	}
	return ValidateNamespace(c.Namespace)
}

// ServerChannel returns the per-node targeted channel for nodeID. Each
// node owns exactly one server channel, keyed by its own identity; any
// producer may publish to it to reach clients connected to that node.
func ServerChannel(namespace string, nodeID NodeID) ChannelID {
	return ChannelID{
		Provider:  ChannelProvider,
		ID:        string(nodeID),
		Namespace: namespace,
	}
}

// BroadcastChannel returns the fleet-wide broadcast channel. All nodes
// subscribe to it; one publish reaches every node.
func BroadcastChannel(namespace string) ChannelID {
	return ChannelID{
		Provider:  ChannelProvider,
		ID:        BroadcastStreamID,
		Namespace: namespace,
	}
}

// ChannelHandler processes one envelope delivered on a subscribed
// channel. A handler error is logged by the backplane and does not
// break the subscription for subsequent deliveries.
type ChannelHandler func(ctx context.Context, env Envelope) error

// Subscription is a standing registration on a channel. It lives until
// explicitly unsubscribed; node shutdown must unsubscribe before
// releasing resources to avoid orphaned deliveries.
type Subscription interface {
	// Channel returns the channel this subscription is attached to.
	Channel() ChannelID

	// Unsubscribe detaches the handler. Idempotent.
	Unsubscribe(ctx context.Context) error
}

// Backplane is the streaming fabric the mesh delivers envelopes over.
// Implementations decode wire frames themselves: a malformed frame is
// dropped with a warning and never reaches the handler.
type Backplane interface {
	// Subscribe attaches handler to the channel and returns the standing
	// subscription.
	Subscribe(ctx context.Context, ch ChannelID, handler ChannelHandler) (Subscription, error)

	// Publish delivers the envelope to all current subscribers of the
	// channel.
	Publish(ctx context.Context, ch ChannelID, env Envelope) error

	// Close releases all transport resources. Standing subscriptions are
	// dropped.
	Close() error
}
