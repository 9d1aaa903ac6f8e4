package mqttmesh

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Router errors.
var (
	ErrRouterRunning    = errors.New("router already running")
	ErrRouterNotRunning = errors.New("router is not running")
	ErrRouterClosed     = errors.New("router closed")
	ErrBrokerRequired   = errors.New("local broker is required")
)

// Router ties one broker node into the fleet. It owns the node's server
// channel and broadcast subscription, keeps the session directory in
// step with local connect/disconnect events, announces presence to
// remote device observers, and fans inbound channel traffic out to
// locally-connected clients.
//
// A Router has a one-shot lifecycle: Start subscribes the channels and
// binds the broker hooks, Stop unbinds and unsubscribes. A stopped
// router cannot be restarted; create a new one instead. Nothing on the
// presence or delivery path ever propagates an error into the broker's
// connection handling.
type Router struct {
	config *routerConfig
	nodeID NodeID
	host   string
	broker LocalBroker
	logger Logger

	running   atomic.Bool
	closed    atomic.Bool
	setupOnce sync.Once
	setupErr  error

	mu     sync.Mutex
	unbind func()
	subs   []Subscription

	wg sync.WaitGroup

	connects         Counter
	disconnects      Counter
	presenceFailures Counter
	directDelivered  Counter
	directDropped    Counter
	fanouts          Counter
	fanoutFailures   Counter
	fanoutDuration   Histogram
}

// NewRouter creates a router for the given local broker.
func NewRouter(broker LocalBroker, opts ...RouterOption) (*Router, error) {
	if broker == nil {
		return nil, ErrBrokerRequired
	}

	config := defaultRouterConfig()
	for _, opt := range opts {
		opt(config)
	}

	if err := ValidateNamespace(config.namespace); err != nil {
		return nil, err
	}

	logger := config.logger.WithFields(LogFields{LogFieldNodeID: string(config.nodeID)})

	m := config.metrics
	labels := MetricLabels{LabelNodeID: string(config.nodeID)}

	return &Router{
		config: config,
		nodeID: config.nodeID,
		host:   config.host,
		broker: broker,
		logger: logger,

		connects:         m.Counter(MetricClientConnects, labels),
		disconnects:      m.Counter(MetricClientDisconnects, labels),
		presenceFailures: m.Counter(MetricPresenceFailures, labels),
		directDelivered:  m.Counter(MetricDirectDelivered, labels),
		directDropped:    m.Counter(MetricDirectDropped, labels),
		fanouts:          m.Counter(MetricBroadcastFanouts, labels),
		fanoutFailures:   m.Counter(MetricFanoutFailures, labels),
		fanoutDuration:   m.Histogram(MetricFanoutDuration, labels),
	}, nil
}

// NodeID returns this node's identity.
func (r *Router) NodeID() NodeID {
	return r.nodeID
}

// Host returns the host identity announced to device observers.
func (r *Router) Host() string {
	return r.host
}

// Start subscribes the node's server channel and the fleet broadcast
// channel, then binds the broker hooks. Channel setup is idempotent:
// connect events racing Start trigger it at most once. Starting a
// stopped router returns ErrRouterClosed; its subscriptions are gone
// and cannot be re-created.
func (r *Router) Start(ctx context.Context) error {
	if r.closed.Load() {
		return ErrRouterClosed
	}
	if !r.running.CompareAndSwap(false, true) {
		return ErrRouterRunning
	}

	if err := r.ensureSubscribed(ctx); err != nil {
		r.running.Store(false)
		return err
	}

	unbind := r.broker.BindHooks(BrokerHooks{
		OnClientConnected:    r.onClientConnected,
		OnClientDisconnected: r.onClientDisconnected,
	})

	r.mu.Lock()
	r.unbind = unbind
	r.mu.Unlock()

	r.logger.Info("mesh router started", LogFields{LogFieldNamespace: r.config.namespace})
	return nil
}

// Stop unbinds the broker hooks, waits for in-flight presence tasks,
// and unsubscribes both channels before returning.
func (r *Router) Stop(ctx context.Context) error {
	if !r.running.CompareAndSwap(true, false) {
		return ErrRouterNotRunning
	}
	r.closed.Store(true)

	r.mu.Lock()
	unbind := r.unbind
	r.unbind = nil
	subs := r.subs
	r.subs = nil
	r.mu.Unlock()

	if unbind != nil {
		unbind()
	}

	r.wg.Wait()

	var errs []error
	for _, sub := range subs {
		if err := sub.Unsubscribe(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	r.logger.Info("mesh router stopped", nil)
	return errors.Join(errs...)
}

// SendTo publishes a payload for one client onto the server channel of
// the node that owns it.
func (r *Router) SendTo(ctx context.Context, nodeID NodeID, clientID string, payload []byte) error {
	ch := ServerChannel(r.config.namespace, nodeID)
	return r.config.backplane.Publish(ctx, ch, Envelope{
		Payload:  payload,
		ClientID: clientID,
	})
}

// Send resolves the owning node through the directory and delivers the
// payload to it. Returns ErrClientNotConnected when no node owns the
// client.
func (r *Router) Send(ctx context.Context, clientID string, payload []byte) error {
	entry, ok, err := r.config.directory.Lookup(ctx, clientID)
	if err != nil {
		return fmt.Errorf("resolve %q: %w", clientID, err)
	}
	if !ok {
		return fmt.Errorf("resolve %q: %w", clientID, ErrClientNotConnected)
	}
	return r.SendTo(ctx, entry.NodeID, clientID, payload)
}

// Broadcast publishes a payload to every connected client in the fleet,
// excluding the given client IDs. Each node performs its own local
// filter and fan-out.
func (r *Router) Broadcast(ctx context.Context, payload []byte, excludeIDs []string) error {
	ch := BroadcastChannel(r.config.namespace)
	return r.config.backplane.Publish(ctx, ch, Envelope{
		Payload:    payload,
		ExcludeIDs: excludeIDs,
	})
}

// Resolve looks the client up in the session directory.
func (r *Router) Resolve(ctx context.Context, clientID string) (SessionEntry, bool, error) {
	return r.config.directory.Lookup(ctx, clientID)
}

// onClientConnected is the broker connect hook. The work runs off the
// connection-accept path.
func (r *Router) onClientConnected(clientID string) {
	if !r.admitWorker() {
		return
	}
	go func() {
		defer r.wg.Done()
		r.handleClientConnected(context.Background(), clientID)
	}()
}

// onClientDisconnected is the broker disconnect hook.
func (r *Router) onClientDisconnected(clientID string) {
	if !r.admitWorker() {
		return
	}
	go func() {
		defer r.wg.Done()
		r.handleClientDisconnected(context.Background(), clientID)
	}()
}

// admitWorker registers a presence task with the shutdown wait group.
// The running check and the Add share the router mutex, which Stop also
// takes between flipping running off and waiting: a hook invocation
// that was captured just before unbind either lands its Add before
// Stop's wait or observes the stopped state and is discarded.
func (r *Router) admitWorker() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running.Load() {
		return false
	}
	r.wg.Add(1)
	return true
}

// handleClientConnected records ownership and announces presence. Every
// failure is terminal here: logged and swallowed, never propagated into
// the connection lifecycle.
func (r *Router) handleClientConnected(ctx context.Context, clientID string) {
	logger := r.logger.WithFields(LogFields{LogFieldClientID: clientID})

	if err := r.ensureSubscribed(ctx); err != nil {
		logger.Error("channel subscription setup failed", LogFields{LogFieldError: err})
	}

	if err := r.config.directory.RecordConnect(ctx, clientID, r.nodeID); err != nil {
		r.presenceFailures.Inc()
		logger.Error("session directory connect update failed", LogFields{LogFieldError: err})
	}

	observer := r.config.registry.Device(clientID)
	if err := observer.OnConnect(ctx, r.nodeID, r.host, clientID); err != nil {
		r.presenceFailures.Inc()
		logger.Error("device connect notification failed", LogFields{LogFieldError: err})
	}

	r.connects.Inc()
}

// handleClientDisconnected releases ownership and announces the
// disconnect, with the same non-propagating failure policy.
func (r *Router) handleClientDisconnected(ctx context.Context, clientID string) {
	logger := r.logger.WithFields(LogFields{LogFieldClientID: clientID})

	if err := r.config.directory.RecordDisconnect(ctx, clientID, r.nodeID); err != nil {
		r.presenceFailures.Inc()
		logger.Error("session directory disconnect update failed", LogFields{LogFieldError: err})
	}

	observer := r.config.registry.Device(clientID)
	if err := observer.OnDisconnect(ctx, clientID); err != nil {
		r.presenceFailures.Inc()
		logger.Error("device disconnect notification failed", LogFields{LogFieldError: err})
	}

	r.disconnects.Inc()
}

// ensureSubscribed performs the one-time channel setup. Concurrent
// callers either run it or wait for the first runner; it can never
// execute twice.
func (r *Router) ensureSubscribed(ctx context.Context) error {
	r.setupOnce.Do(func() {
		r.setupErr = r.subscribeChannels(ctx)
	})
	return r.setupErr
}

func (r *Router) subscribeChannels(ctx context.Context) error {
	bp := r.config.backplane
	ns := r.config.namespace

	serverSub, err := bp.Subscribe(ctx, ServerChannel(ns, r.nodeID), r.handleDirect)
	if err != nil {
		return fmt.Errorf("subscribe server channel: %w", err)
	}

	broadcastSub, err := bp.Subscribe(ctx, BroadcastChannel(ns), r.handleBroadcast)
	if err != nil {
		_ = serverSub.Unsubscribe(ctx)
		return fmt.Errorf("subscribe broadcast channel: %w", err)
	}

	r.mu.Lock()
	r.subs = []Subscription{serverSub, broadcastSub}
	r.mu.Unlock()
	return nil
}

// handleDirect delivers a targeted envelope to its client, if that
// client is live on this node. Anything else is dropped with a warning;
// delivery on this path is at-most-once best-effort.
func (r *Router) handleDirect(ctx context.Context, env Envelope) error {
	if env.ClientID == "" {
		r.directDropped.Inc()
		r.logger.Warn("dropping targeted envelope without client id", nil)
		return nil
	}

	logger := r.logger.WithFields(LogFields{LogFieldClientID: env.ClientID})

	if !r.isLocallyConnected(env.ClientID) {
		r.directDropped.Inc()
		logger.Warn("dropping targeted envelope for client not connected here", nil)
		return nil
	}

	if err := r.broker.PublishTo(ctx, env.ClientID, env.Payload); err != nil {
		r.directDropped.Inc()
		logger.Warn("targeted local publish failed", LogFields{LogFieldError: err})
		return nil
	}

	r.directDelivered.Inc()
	return nil
}

// handleBroadcast fans a broadcast envelope out to every live local
// session not on the exclusion list. Per-session publishes run
// concurrently; one failure never blocks delivery to siblings, and the
// round is complete once every attempt has finished.
func (r *Router) handleBroadcast(ctx context.Context, env Envelope) error {
	start := time.Now()

	var targets []string
	for _, session := range r.broker.Sessions() {
		if !session.Connected || env.Excluded(session.ClientID) {
			continue
		}
		targets = append(targets, session.ClientID)
	}

	var (
		wg    sync.WaitGroup
		errMu sync.Mutex
		errs  []error
	)
	for _, clientID := range targets {
		wg.Add(1)
		go func(clientID string) {
			defer wg.Done()
			if err := r.broker.PublishTo(ctx, clientID, env.Payload); err != nil {
				errMu.Lock()
				errs = append(errs, fmt.Errorf("publish to %q: %w", clientID, err))
				errMu.Unlock()
			}
		}(clientID)
	}
	wg.Wait()

	r.fanouts.Inc()
	r.fanoutDuration.ObserveDuration(time.Since(start))

	if len(errs) > 0 {
		r.fanoutFailures.Add(float64(len(errs)))
		err := errors.Join(errs...)
		r.logger.Warn("broadcast fan-out completed with failures", LogFields{
			LogFieldSessions: len(targets),
			LogFieldError:    err,
		})
		return err
	}
	return nil
}

func (r *Router) isLocallyConnected(clientID string) bool {
	for _, session := range r.broker.Sessions() {
		if session.ClientID == clientID && session.Connected {
			return true
		}
	}
	return false
}
