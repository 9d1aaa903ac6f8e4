// Package mqttv5broker binds a vitalvas/mqttv5 broker into a mesh
// fleet as the mqttmesh.LocalBroker collaborator.
//
// The adapter tracks live server clients through the broker's connect
// and disconnect callbacks, exposes them as mesh sessions, and delivers
// mesh payloads to individual clients. Payloads on mesh channels are
// encoded local messages (see LocalMessage), so any node in the fleet
// can describe a publish for a client it does not host.
package mqttv5broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/vitalvas/mqttv5"

	"github.com/vitalvas/mqttmesh"
)

// ErrTopicRequired is returned when a local message has no topic.
var ErrTopicRequired = errors.New("local message topic is required")

// LocalMessage is the payload shape carried inside mesh envelopes for
// this adapter: enough of an MQTT publish to recreate it on the owning
// node.
type LocalMessage struct {
	Topic       string `json:"topic"`
	Payload     []byte `json:"payload"`
	QoS         byte   `json:"qos,omitempty"`
	Retain      bool   `json:"retain,omitempty"`
	ContentType string `json:"content_type,omitempty"`
}

// EncodeLocalMessage serializes a local message into a mesh payload.
func EncodeLocalMessage(msg LocalMessage) ([]byte, error) {
	if msg.Topic == "" {
		return nil, ErrTopicRequired
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode local message: %w", err)
	}
	return data, nil
}

// DecodeLocalMessage parses a mesh payload into a local message.
func DecodeLocalMessage(data []byte) (LocalMessage, error) {
	var msg LocalMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return LocalMessage{}, fmt.Errorf("decode local message: %w", err)
	}
	if msg.Topic == "" {
		return LocalMessage{}, ErrTopicRequired
	}
	return msg, nil
}

// Broker adapts one *mqttv5.Server to the mqttmesh.LocalBroker
// interface.
//
// Construct the adapter first, pass its ServerOptions to
// mqttv5.NewServer, then Bind the server:
//
//	adapter := mqttv5broker.New()
//	srv, err := mqttv5.NewServer(addr, adapter.ServerOptions()...)
//	adapter.Bind(srv)
type Broker struct {
	mu      sync.RWMutex
	server  *mqttv5.Server
	clients map[string]*mqttv5.ServerClient
	hooks   mqttmesh.BrokerHooks
}

// New creates an unbound adapter.
func New() *Broker {
	return &Broker{
		clients: make(map[string]*mqttv5.ServerClient),
	}
}

// ServerOptions returns the mqttv5 server options wiring the broker's
// connect and disconnect callbacks into the adapter. Pass them to
// mqttv5.NewServer alongside any other options.
func (b *Broker) ServerOptions() []mqttv5.ServerOption {
	return []mqttv5.ServerOption{
		mqttv5.OnConnect(b.onConnect),
		mqttv5.OnDisconnect(b.onDisconnect),
	}
}

// Bind attaches the running server the adapter publishes through.
func (b *Broker) Bind(server *mqttv5.Server) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.server = server
}

// BindHooks registers the mesh hooks, replacing any previous binding.
func (b *Broker) BindHooks(hooks mqttmesh.BrokerHooks) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hooks = hooks

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.hooks = mqttmesh.BrokerHooks{}
	}
}

// PublishTo delivers a mesh payload to one locally-connected client.
// The payload must be an encoded LocalMessage.
func (b *Broker) PublishTo(_ context.Context, clientID string, payload []byte) error {
	msg, err := DecodeLocalMessage(payload)
	if err != nil {
		return err
	}

	b.mu.RLock()
	client, ok := b.clients[clientID]
	b.mu.RUnlock()

	if !ok || !client.IsConnected() {
		return mqttmesh.ErrClientNotConnected
	}

	return client.Send(&mqttv5.Message{
		Topic:       msg.Topic,
		Payload:     msg.Payload,
		QoS:         msg.QoS,
		Retain:      msg.Retain,
		ContentType: msg.ContentType,
	})
}

// Sessions returns the adapter's view of the broker's sessions.
func (b *Broker) Sessions() []mqttmesh.SessionInfo {
	b.mu.RLock()
	defer b.mu.RUnlock()

	sessions := make([]mqttmesh.SessionInfo, 0, len(b.clients))
	for clientID, client := range b.clients {
		sessions = append(sessions, mqttmesh.SessionInfo{
			ClientID:  clientID,
			Connected: client.IsConnected(),
		})
	}
	return sessions
}

func (b *Broker) onConnect(client *mqttv5.ServerClient) {
	if client == nil {
		return
	}

	clientID := client.ClientID()

	b.mu.Lock()
	b.clients[clientID] = client
	hook := b.hooks.OnClientConnected
	b.mu.Unlock()

	if hook != nil {
		hook(clientID)
	}
}

func (b *Broker) onDisconnect(client *mqttv5.ServerClient) {
	if client == nil {
		return
	}

	clientID := client.ClientID()

	b.mu.Lock()
	if current, ok := b.clients[clientID]; ok && current == client {
		delete(b.clients, clientID)
	}
	hook := b.hooks.OnClientDisconnected
	b.mu.Unlock()

	if hook != nil {
		hook(clientID)
	}
}
