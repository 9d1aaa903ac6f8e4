package mqttmesh

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
)

// QUIC backplane errors.
var (
	ErrQUICTLSRequired  = errors.New("TLS configuration is required for the QUIC backplane")
	ErrNodeUnreachable  = errors.New("node unreachable")
	ErrFrameTooLarge    = errors.New("frame exceeds maximum size")
	ErrFrameMalformed   = errors.New("frame is malformed")
	ErrUnknownFrameKind = errors.New("unknown frame kind")
)

const (
	quicALPN         = "mqttmesh"
	maxQUICFrameSize = 1 << 20 // 1MB

	defaultQUICDialTimeout = 10 * time.Second
)

// Frame kinds on the QUIC backplane wire.
const (
	frameKindHello   = "hello"
	frameKindDeliver = "deliver"
)

// quicFrame is one length-prefixed JSON message on a unidirectional
// stream. Hello frames announce the sender's node identity as the first
// frame on every connection; deliver frames carry channel envelopes.
type quicFrame struct {
	Kind     string    `json:"kind"`
	Node     NodeID    `json:"node,omitempty"`
	Channel  ChannelID `json:"channel,omitempty"`
	Envelope []byte    `json:"envelope,omitempty"`
}

// QUICBackplaneConfig configures the direct node-to-node QUIC backplane.
type QUICBackplaneConfig struct {
	// NodeID is this node's identity, announced in hello frames.
	NodeID NodeID

	// ListenAddr is the UDP address to listen on (e.g. ":7443").
	ListenAddr string

	// TLSConfig is required; QUIC mandates TLS 1.3.
	TLSConfig *tls.Config

	// QUICConfig is the optional QUIC transport configuration.
	QUICConfig *quic.Config

	// Peers are static peer addresses dialed at startup and retried
	// lazily when a targeted publish finds no live connection.
	Peers []string

	// DialTimeout bounds each peer dial. Defaults to 10s.
	DialTimeout time.Duration

	// Logger receives frame warnings and connection events.
	Logger Logger
}

// QUICBackplane delivers envelopes directly between nodes over QUIC,
// without an intermediate broker. Each node listens on a UDP address;
// peers exchange hello frames to learn each other's node identity, and
// targeted channels resolve to the connection of the owning node.
//
// Local subscribers always receive publishes on their own channels, so
// a single-node fleet works without any peers.
type QUICBackplane struct {
	nodeID      NodeID
	listener    *quic.Listener
	tlsConfig   *tls.Config
	quicConfig  *quic.Config
	peers       []string
	dialTimeout time.Duration
	logger      Logger

	mu        sync.RWMutex
	subs      map[string][]*quicSubscription
	nodeConns map[NodeID]*quic.Conn
	addrConns map[string]*quic.Conn
	closed    bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewQUICBackplane starts listening and dials the static peers in the
// background.
func NewQUICBackplane(cfg QUICBackplaneConfig) (*QUICBackplane, error) {
	if cfg.TLSConfig == nil {
		return nil, ErrQUICTLSRequired
	}
	if cfg.NodeID == "" {
		cfg.NodeID = GenerateNodeID()
	}

	tlsConfig := cfg.TLSConfig.Clone()
	if tlsConfig.MinVersion < tls.VersionTLS13 {
		tlsConfig.MinVersion = tls.VersionTLS13
	}
	if len(tlsConfig.NextProtos) == 0 {
		tlsConfig.NextProtos = []string{quicALPN}
	}

	listener, err := quic.ListenAddr(cfg.ListenAddr, tlsConfig, cfg.QUICConfig)
	if err != nil {
		return nil, fmt.Errorf("quic backplane: listen: %w", err)
	}

	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = defaultQUICDialTimeout
	}

	logger := cfg.Logger
	if logger == nil {
		logger = NewNoOpLogger()
	}

	ctx, cancel := context.WithCancel(context.Background())

	b := &QUICBackplane{
		nodeID:      cfg.NodeID,
		listener:    listener,
		tlsConfig:   tlsConfig,
		quicConfig:  cfg.QUICConfig,
		peers:       cfg.Peers,
		dialTimeout: dialTimeout,
		logger:      logger.WithFields(LogFields{LogFieldNodeID: string(cfg.NodeID)}),
		subs:        make(map[string][]*quicSubscription),
		nodeConns:   make(map[NodeID]*quic.Conn),
		addrConns:   make(map[string]*quic.Conn),
		ctx:         ctx,
		cancel:      cancel,
	}

	b.wg.Add(1)
	go b.acceptLoop()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.connectPeers(ctx)
	}()

	return b, nil
}

// NodeID returns the identity announced on the backplane.
func (b *QUICBackplane) NodeID() NodeID {
	return b.nodeID
}

// Addr returns the listen address.
func (b *QUICBackplane) Addr() string {
	return b.listener.Addr().String()
}

// Subscribe attaches handler to the channel for frames arriving from
// peers or from local publishes.
func (b *QUICBackplane) Subscribe(_ context.Context, ch ChannelID, handler ChannelHandler) (Subscription, error) {
	if err := ch.Validate(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBackplaneClosed
	}

	sub := &quicSubscription{backplane: b, channel: ch, handler: handler}
	key := ch.Key()
	b.subs[key] = append(b.subs[key], sub)
	return sub, nil
}

// Publish delivers the envelope on the channel. Server channels of
// remote nodes resolve to that node's connection; the broadcast channel
// fans out to every connected peer. Local subscribers are always
// delivered to directly.
func (b *QUICBackplane) Publish(ctx context.Context, ch ChannelID, env Envelope) error {
	if err := ch.Validate(); err != nil {
		return err
	}

	data, err := EncodeEnvelope(env)
	if err != nil {
		return err
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrBackplaneClosed
	}
	hasLocal := len(b.subs[ch.Key()]) > 0
	b.mu.RUnlock()

	if hasLocal {
		b.dispatch(ctx, ch, env)
	}

	if ch.ID == BroadcastStreamID {
		return b.sendBroadcast(ctx, ch, data)
	}

	target := NodeID(ch.ID)
	if target == b.nodeID {
		// Own server channel: local dispatch above is the delivery.
		return nil
	}
	return b.sendTargeted(ctx, target, ch, data)
}

// Close stops the listener and tears down all peer connections.
func (b *QUICBackplane) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	conns := make([]*quic.Conn, 0, len(b.addrConns))
	for _, conn := range b.addrConns {
		conns = append(conns, conn)
	}
	b.subs = make(map[string][]*quicSubscription)
	b.nodeConns = make(map[NodeID]*quic.Conn)
	b.addrConns = make(map[string]*quic.Conn)
	b.mu.Unlock()

	b.cancel()
	err := b.listener.Close()
	for _, conn := range conns {
		conn.CloseWithError(0, "shutdown")
	}
	b.wg.Wait()
	return err
}

func (b *QUICBackplane) acceptLoop() {
	defer b.wg.Done()

	for {
		conn, err := b.listener.Accept(b.ctx)
		if err != nil {
			return
		}

		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			// Announce ourselves so the dialer can address us by node ID.
			if err := b.sendFrame(b.ctx, conn, quicFrame{Kind: frameKindHello, Node: b.nodeID}); err != nil {
				b.logger.Warn("hello to inbound peer failed", LogFields{LogFieldError: err})
			}
			b.receiveLoop(conn, "")
		}()
	}
}

// receiveLoop reads frames from all unidirectional streams of one
// connection until the connection dies.
func (b *QUICBackplane) receiveLoop(conn *quic.Conn, addr string) {
	var peer NodeID
	defer func() {
		b.dropConn(conn, peer, addr)
	}()

	for {
		stream, err := conn.AcceptUniStream(b.ctx)
		if err != nil {
			return
		}

		frame, err := readFrame(stream)
		if err != nil {
			b.logger.Warn("dropping unreadable frame", LogFields{LogFieldError: err})
			continue
		}

		switch frame.Kind {
		case frameKindHello:
			peer = frame.Node
			b.registerConn(frame.Node, conn)
		case frameKindDeliver:
			env, err := DecodeEnvelope(frame.Envelope)
			if err != nil {
				b.logger.Warn("dropping undecodable channel frame", LogFields{
					LogFieldChannel: frame.Channel.Key(),
					LogFieldError:   err,
				})
				continue
			}
			b.dispatch(b.ctx, frame.Channel, env)
		default:
			b.logger.Warn("dropping frame of unknown kind", LogFields{LogFieldError: ErrUnknownFrameKind})
		}
	}
}

// dispatch hands the envelope to every local subscriber of the channel.
// Handler failures are isolated and logged.
func (b *QUICBackplane) dispatch(ctx context.Context, ch ChannelID, env Envelope) {
	b.mu.RLock()
	subs := make([]*quicSubscription, len(b.subs[ch.Key()]))
	copy(subs, b.subs[ch.Key()])
	b.mu.RUnlock()

	for _, sub := range subs {
		if err := sub.handler(ctx, env); err != nil {
			b.logger.Warn("channel handler failed", LogFields{
				LogFieldChannel: ch.Key(),
				LogFieldError:   err,
			})
		}
	}
}

func (b *QUICBackplane) sendBroadcast(ctx context.Context, ch ChannelID, envelope []byte) error {
	b.connectPeers(ctx)

	b.mu.RLock()
	conns := make([]*quic.Conn, 0, len(b.addrConns))
	for _, conn := range b.addrConns {
		conns = append(conns, conn)
	}
	b.mu.RUnlock()

	frame := quicFrame{Kind: frameKindDeliver, Node: b.nodeID, Channel: ch, Envelope: envelope}

	var errs []error
	for _, conn := range conns {
		if err := b.sendFrame(ctx, conn, frame); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (b *QUICBackplane) sendTargeted(ctx context.Context, target NodeID, ch ChannelID, envelope []byte) error {
	conn := b.connFor(target)
	if conn == nil {
		// The peer may not have been dialed yet; refresh and retry once.
		b.connectPeers(ctx)
		if conn = b.connFor(target); conn == nil {
			return fmt.Errorf("%w: %s", ErrNodeUnreachable, target)
		}
	}

	frame := quicFrame{Kind: frameKindDeliver, Node: b.nodeID, Channel: ch, Envelope: envelope}
	return b.sendFrame(ctx, conn, frame)
}

func (b *QUICBackplane) connFor(node NodeID) *quic.Conn {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.nodeConns[node]
}

// connectPeers dials any static peer without a live connection. Dial
// failures are logged and skipped; the peer is retried on the next call.
func (b *QUICBackplane) connectPeers(ctx context.Context) {
	for _, addr := range b.peers {
		b.mu.RLock()
		_, connected := b.addrConns[addr]
		closed := b.closed
		b.mu.RUnlock()

		if connected || closed {
			continue
		}

		dialCtx, cancel := context.WithTimeout(ctx, b.dialTimeout)
		conn, err := quic.DialAddr(dialCtx, addr, b.tlsConfig, b.quicConfig)
		cancel()
		if err != nil {
			b.logger.Warn("peer dial failed", LogFields{
				LogFieldRemoteAddr: addr,
				LogFieldError:      err,
			})
			continue
		}

		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			conn.CloseWithError(0, "shutdown")
			return
		}
		b.addrConns[addr] = conn
		b.mu.Unlock()

		if err := b.sendFrame(ctx, conn, quicFrame{Kind: frameKindHello, Node: b.nodeID}); err != nil {
			b.logger.Warn("hello to peer failed", LogFields{
				LogFieldRemoteAddr: addr,
				LogFieldError:      err,
			})
		}

		b.wg.Add(1)
		go func(conn *quic.Conn, addr string) {
			defer b.wg.Done()
			b.receiveLoop(conn, addr)
		}(conn, addr)
	}
}

func (b *QUICBackplane) registerConn(node NodeID, conn *quic.Conn) {
	if node == "" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.nodeConns[node] = conn
	b.addrConns[conn.RemoteAddr().String()] = conn
}

func (b *QUICBackplane) dropConn(conn *quic.Conn, node NodeID, addr string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if node != "" && b.nodeConns[node] == conn {
		delete(b.nodeConns, node)
	}
	if addr != "" && b.addrConns[addr] == conn {
		delete(b.addrConns, addr)
	}
	remote := conn.RemoteAddr().String()
	if b.addrConns[remote] == conn {
		delete(b.addrConns, remote)
	}
}

// sendFrame writes one frame on a fresh unidirectional stream.
func (b *QUICBackplane) sendFrame(ctx context.Context, conn *quic.Conn, frame quicFrame) error {
	stream, err := conn.OpenUniStreamSync(ctx)
	if err != nil {
		return fmt.Errorf("open stream: %w", err)
	}

	if err := writeFrame(stream, frame); err != nil {
		stream.CancelWrite(0)
		return err
	}
	return stream.Close()
}

func writeFrame(w io.Writer, frame quicFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	if len(data) > maxQUICFrameSize {
		return ErrFrameTooLarge
	}

	var length [4]byte
	binary.BigEndian.PutUint32(length[:], uint32(len(data)))
	if _, err := w.Write(length[:]); err != nil {
		return fmt.Errorf("write frame length: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

func readFrame(r io.Reader) (quicFrame, error) {
	var length [4]byte
	if _, err := io.ReadFull(r, length[:]); err != nil {
		return quicFrame{}, fmt.Errorf("read frame length: %w", err)
	}

	size := binary.BigEndian.Uint32(length[:])
	if size == 0 || size > maxQUICFrameSize {
		return quicFrame{}, ErrFrameTooLarge
	}

	data := make([]byte, size)
	if _, err := io.ReadFull(r, data); err != nil {
		return quicFrame{}, fmt.Errorf("read frame: %w", err)
	}

	var frame quicFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return quicFrame{}, fmt.Errorf("%w: %w", ErrFrameMalformed, err)
	}
	return frame, nil
}

type quicSubscription struct {
	backplane *QUICBackplane
	channel   ChannelID
	handler   ChannelHandler

	mu       sync.Mutex
	detached bool
}

func (s *quicSubscription) Channel() ChannelID {
	return s.channel
}

func (s *quicSubscription) Unsubscribe(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.detached {
		return nil
	}
	s.detached = true

	b := s.backplane
	b.mu.Lock()
	defer b.mu.Unlock()

	key := s.channel.Key()
	subs := b.subs[key]
	for i, sub := range subs {
		if sub == s {
			b.subs[key] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(b.subs[key]) == 0 {
		delete(b.subs, key)
	}
	return nil
}
