package mqttmesh

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/binary"
	"encoding/pem"
	"math/big"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func generateTestCertificate(t testing.TB) (tls.Certificate, *x509.CertPool) {
	t.Helper()

	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			Organization: []string{"Test"},
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
		DNSNames:              []string{"localhost"},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &privateKey.PublicKey, privateKey)
	require.NoError(t, err)

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})

	keyDER, err := x509.MarshalECPrivateKey(privateKey)
	require.NoError(t, err)
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	require.NoError(t, err)

	certPool := x509.NewCertPool()
	certPool.AppendCertsFromPEM(certPEM)

	return cert, certPool
}

func TestQUICFrameCodec(t *testing.T) {
	t.Run("roundtrip", func(t *testing.T) {
		frame := quicFrame{
			Kind:     frameKindDeliver,
			Node:     "node-a",
			Channel:  ServerChannel("fleet-1", "node-b"),
			Envelope: []byte(`{"payload":"aGk="}`),
		}

		var buf bytes.Buffer
		require.NoError(t, writeFrame(&buf, frame))

		got, err := readFrame(&buf)
		require.NoError(t, err)
		assert.Equal(t, frame, got)
	})

	t.Run("hello roundtrip", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, writeFrame(&buf, quicFrame{Kind: frameKindHello, Node: "node-a"}))

		got, err := readFrame(&buf)
		require.NoError(t, err)
		assert.Equal(t, frameKindHello, got.Kind)
		assert.Equal(t, NodeID("node-a"), got.Node)
	})

	t.Run("oversized frame rejected on write", func(t *testing.T) {
		frame := quicFrame{
			Kind:     frameKindDeliver,
			Envelope: make([]byte, maxQUICFrameSize),
		}
		err := writeFrame(&bytes.Buffer{}, frame)
		assert.ErrorIs(t, err, ErrFrameTooLarge)
	})

	t.Run("oversized frame rejected on read", func(t *testing.T) {
		var buf bytes.Buffer
		var length [4]byte
		binary.BigEndian.PutUint32(length[:], maxQUICFrameSize+1)
		buf.Write(length[:])

		_, err := readFrame(&buf)
		assert.ErrorIs(t, err, ErrFrameTooLarge)
	})

	t.Run("zero length rejected", func(t *testing.T) {
		var buf bytes.Buffer
		buf.Write([]byte{0, 0, 0, 0})

		_, err := readFrame(&buf)
		assert.ErrorIs(t, err, ErrFrameTooLarge)
	})

	t.Run("malformed frame rejected", func(t *testing.T) {
		var buf bytes.Buffer
		payload := []byte("{not json")
		var length [4]byte
		binary.BigEndian.PutUint32(length[:], uint32(len(payload)))
		buf.Write(length[:])
		buf.Write(payload)

		_, err := readFrame(&buf)
		assert.ErrorIs(t, err, ErrFrameMalformed)
	})

	t.Run("truncated frame rejected", func(t *testing.T) {
		var buf bytes.Buffer
		var length [4]byte
		binary.BigEndian.PutUint32(length[:], 64)
		buf.Write(length[:])
		buf.Write([]byte("short"))

		_, err := readFrame(&buf)
		assert.Error(t, err)
	})
}

func newTestQUICBackplane(t *testing.T, nodeID NodeID, tlsConf *tls.Config, peers []string) *QUICBackplane {
	t.Helper()

	backplane, err := NewQUICBackplane(QUICBackplaneConfig{
		NodeID:     nodeID,
		ListenAddr: "127.0.0.1:0",
		TLSConfig:  tlsConf,
		Peers:      peers,
	})
	require.NoError(t, err)
	t.Cleanup(func() { backplane.Close() })

	return backplane
}

func testQUICTLSConfig(t *testing.T) *tls.Config {
	t.Helper()

	cert, pool := generateTestCertificate(t)
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      pool,
		MinVersion:   tls.VersionTLS13,
	}
}

func TestQUICBackplane(t *testing.T) {
	ctx := context.Background()

	t.Run("requires TLS", func(t *testing.T) {
		_, err := NewQUICBackplane(QUICBackplaneConfig{ListenAddr: "127.0.0.1:0"})
		assert.ErrorIs(t, err, ErrQUICTLSRequired)
	})

	t.Run("local delivery without peers", func(t *testing.T) {
		backplane := newTestQUICBackplane(t, "node-a", testQUICTLSConfig(t), nil)

		ch := ServerChannel(DefaultNamespace, "node-a")

		var mu sync.Mutex
		var got []Envelope
		_, err := backplane.Subscribe(ctx, ch, func(_ context.Context, env Envelope) error {
			mu.Lock()
			defer mu.Unlock()
			got = append(got, env)
			return nil
		})
		require.NoError(t, err)

		require.NoError(t, backplane.Publish(ctx, ch, Envelope{Payload: []byte("local"), ClientID: "dev-1"}))

		mu.Lock()
		defer mu.Unlock()
		require.Len(t, got, 1)
		assert.Equal(t, "dev-1", got[0].ClientID)
	})

	t.Run("targeted delivery between nodes", func(t *testing.T) {
		tlsConf := testQUICTLSConfig(t)

		nodeA := newTestQUICBackplane(t, "node-a", tlsConf, nil)
		nodeB := newTestQUICBackplane(t, "node-b", tlsConf, []string{nodeA.Addr()})

		ch := ServerChannel(DefaultNamespace, "node-a")

		var mu sync.Mutex
		var got []Envelope
		_, err := nodeA.Subscribe(ctx, ch, func(_ context.Context, env Envelope) error {
			mu.Lock()
			defer mu.Unlock()
			got = append(got, env)
			return nil
		})
		require.NoError(t, err)

		// node-b learns node-a's identity from the hello on the dialed
		// connection; the publish is retried until the exchange completes.
		env := Envelope{Payload: []byte("direct"), ClientID: "dev-1"}
		require.Eventually(t, func() bool {
			return nodeB.Publish(ctx, ch, env) == nil
		}, 5*time.Second, 50*time.Millisecond, "targeted publish reaches node-a")

		require.Eventually(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(got) >= 1
		}, 5*time.Second, 10*time.Millisecond, "envelope delivered")

		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, "dev-1", got[0].ClientID)
		assert.Equal(t, []byte("direct"), got[0].Payload)
	})

	t.Run("broadcast reaches peers and local subscribers", func(t *testing.T) {
		tlsConf := testQUICTLSConfig(t)

		nodeA := newTestQUICBackplane(t, "node-a", tlsConf, nil)
		nodeB := newTestQUICBackplane(t, "node-b", tlsConf, []string{nodeA.Addr()})

		ch := BroadcastChannel(DefaultNamespace)

		var mu sync.Mutex
		gotA, gotB := 0, 0
		_, err := nodeA.Subscribe(ctx, ch, func(_ context.Context, _ Envelope) error {
			mu.Lock()
			defer mu.Unlock()
			gotA++
			return nil
		})
		require.NoError(t, err)

		_, err = nodeB.Subscribe(ctx, ch, func(_ context.Context, _ Envelope) error {
			mu.Lock()
			defer mu.Unlock()
			gotB++
			return nil
		})
		require.NoError(t, err)

		require.NoError(t, nodeB.Publish(ctx, ch, Envelope{Payload: []byte("fleet")}))

		require.Eventually(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return gotA == 1 && gotB == 1
		}, 5*time.Second, 10*time.Millisecond, "both nodes received the broadcast")
	})

	t.Run("unreachable node", func(t *testing.T) {
		backplane := newTestQUICBackplane(t, "node-a", testQUICTLSConfig(t), nil)

		err := backplane.Publish(ctx, ServerChannel(DefaultNamespace, "node-ghost"), Envelope{Payload: []byte("x")})
		assert.ErrorIs(t, err, ErrNodeUnreachable)
	})

	t.Run("close is idempotent", func(t *testing.T) {
		backplane := newTestQUICBackplane(t, "node-a", testQUICTLSConfig(t), nil)
		require.NoError(t, backplane.Close())
		require.NoError(t, backplane.Close())

		_, err := backplane.Subscribe(ctx, BroadcastChannel(DefaultNamespace), nil)
		assert.ErrorIs(t, err, ErrBackplaneClosed)
	})
}
