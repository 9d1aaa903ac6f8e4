package mqttv5broker

import (
	"bytes"
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitalvas/mqttv5"

	"github.com/vitalvas/mqttmesh"
)

type mockConn struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (c *mockConn) Read(b []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.Read(b)
}

func (c *mockConn) Write(b []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.Write(b)
}

func (c *mockConn) Close() error { return nil }

func (c *mockConn) LocalAddr() net.Addr {
	return &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 1883}
}

func (c *mockConn) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.ParseIP("192.168.1.1"), Port: 12345}
}

func (c *mockConn) SetDeadline(_ time.Time) error      { return nil }
func (c *mockConn) SetReadDeadline(_ time.Time) error  { return nil }
func (c *mockConn) SetWriteDeadline(_ time.Time) error { return nil }

func (c *mockConn) Written() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.Bytes()
}

func newTestClient(clientID string) (*mqttv5.ServerClient, *mockConn) {
	conn := &mockConn{}
	connect := &mqttv5.ConnectPacket{ClientID: clientID}
	return mqttv5.NewServerClient(conn, connect, 256*1024, "default"), conn
}

func TestLocalMessage(t *testing.T) {
	t.Run("encode decode", func(t *testing.T) {
		msg := LocalMessage{
			Topic:       "alerts/dev-1",
			Payload:     []byte("fire"),
			QoS:         1,
			Retain:      true,
			ContentType: "text/plain",
		}

		data, err := EncodeLocalMessage(msg)
		require.NoError(t, err)

		got, err := DecodeLocalMessage(data)
		require.NoError(t, err)
		assert.Equal(t, msg, got)
	})

	t.Run("encode requires topic", func(t *testing.T) {
		_, err := EncodeLocalMessage(LocalMessage{Payload: []byte("x")})
		assert.ErrorIs(t, err, ErrTopicRequired)
	})

	t.Run("decode requires topic", func(t *testing.T) {
		_, err := DecodeLocalMessage([]byte(`{"payload":"eA=="}`))
		assert.ErrorIs(t, err, ErrTopicRequired)
	})

	t.Run("decode rejects malformed payload", func(t *testing.T) {
		_, err := DecodeLocalMessage([]byte("{not json"))
		assert.Error(t, err)
	})
}

func TestBrokerSessions(t *testing.T) {
	t.Run("empty adapter has no sessions", func(t *testing.T) {
		b := New()
		assert.Empty(t, b.Sessions())
	})

	t.Run("connect and disconnect tracking", func(t *testing.T) {
		b := New()

		client, _ := newTestClient("dev-1")
		b.onConnect(client)

		sessions := b.Sessions()
		require.Len(t, sessions, 1)
		assert.Equal(t, "dev-1", sessions[0].ClientID)
		assert.True(t, sessions[0].Connected)

		b.onDisconnect(client)
		assert.Empty(t, b.Sessions())
	})

	t.Run("nil client ignored", func(t *testing.T) {
		b := New()
		b.onConnect(nil)
		b.onDisconnect(nil)
		assert.Empty(t, b.Sessions())
	})

	t.Run("stale disconnect keeps newer session", func(t *testing.T) {
		b := New()

		oldClient, _ := newTestClient("dev-1")
		newClient, _ := newTestClient("dev-1")

		b.onConnect(oldClient)
		b.onConnect(newClient)

		// The old connection's teardown arrives after the reconnect; the
		// replacement session must survive.
		b.onDisconnect(oldClient)

		sessions := b.Sessions()
		require.Len(t, sessions, 1)
		assert.True(t, sessions[0].Connected)
	})
}

func TestBrokerHooks(t *testing.T) {
	t.Run("hooks receive session events", func(t *testing.T) {
		b := New()

		var mu sync.Mutex
		var connected, disconnected []string
		unbind := b.BindHooks(mqttmesh.BrokerHooks{
			OnClientConnected: func(clientID string) {
				mu.Lock()
				defer mu.Unlock()
				connected = append(connected, clientID)
			},
			OnClientDisconnected: func(clientID string) {
				mu.Lock()
				defer mu.Unlock()
				disconnected = append(disconnected, clientID)
			},
		})

		client, _ := newTestClient("dev-1")
		b.onConnect(client)
		b.onDisconnect(client)

		mu.Lock()
		assert.Equal(t, []string{"dev-1"}, connected)
		assert.Equal(t, []string{"dev-1"}, disconnected)
		mu.Unlock()

		unbind()

		client2, _ := newTestClient("dev-2")
		b.onConnect(client2)

		mu.Lock()
		assert.Equal(t, []string{"dev-1"}, connected)
		mu.Unlock()
	})

	t.Run("rebind replaces previous hooks", func(t *testing.T) {
		b := New()

		first, second := 0, 0
		b.BindHooks(mqttmesh.BrokerHooks{
			OnClientConnected: func(string) { first++ },
		})
		b.BindHooks(mqttmesh.BrokerHooks{
			OnClientConnected: func(string) { second++ },
		})

		client, _ := newTestClient("dev-1")
		b.onConnect(client)

		assert.Equal(t, 0, first)
		assert.Equal(t, 1, second)
	})
}

func TestBrokerPublishTo(t *testing.T) {
	ctx := context.Background()

	payload := func(t *testing.T) []byte {
		t.Helper()
		data, err := EncodeLocalMessage(LocalMessage{Topic: "alerts", Payload: []byte("fire")})
		require.NoError(t, err)
		return data
	}

	t.Run("delivers to connected client", func(t *testing.T) {
		b := New()

		client, conn := newTestClient("dev-1")
		b.onConnect(client)

		require.NoError(t, b.PublishTo(ctx, "dev-1", payload(t)))
		assert.NotEmpty(t, conn.Written())
	})

	t.Run("unknown client", func(t *testing.T) {
		b := New()
		err := b.PublishTo(ctx, "ghost", payload(t))
		assert.ErrorIs(t, err, mqttmesh.ErrClientNotConnected)
	})

	t.Run("closed client", func(t *testing.T) {
		b := New()

		client, _ := newTestClient("dev-1")
		b.onConnect(client)
		require.NoError(t, client.Close())

		err := b.PublishTo(ctx, "dev-1", payload(t))
		assert.ErrorIs(t, err, mqttmesh.ErrClientNotConnected)
	})

	t.Run("rejects non-message payload", func(t *testing.T) {
		b := New()

		client, _ := newTestClient("dev-1")
		b.onConnect(client)

		err := b.PublishTo(ctx, "dev-1", []byte(`{"payload":"eA=="}`))
		assert.ErrorIs(t, err, ErrTopicRequired)
	})
}

func TestBrokerImplementsLocalBroker(t *testing.T) {
	var _ mqttmesh.LocalBroker = New()
}
