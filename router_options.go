package mqttmesh

// RouterOption configures a Router.
type RouterOption func(*routerConfig)

type routerConfig struct {
	nodeID    NodeID
	host      string
	namespace string
	directory Directory
	backplane Backplane
	registry  DeviceRegistry
	logger    Logger
	metrics   Metrics
}

func defaultRouterConfig() *routerConfig {
	return &routerConfig{
		nodeID:    GenerateNodeID(),
		host:      HostIdentity(),
		namespace: DefaultNamespace,
		directory: NewMemoryDirectory(),
		backplane: NewMemoryBackplane(),
		registry:  NopDeviceRegistry{},
		logger:    NewNoOpLogger(),
		metrics:   NewMemoryMetrics(),
	}
}

// WithNodeID overrides the generated node identity.
func WithNodeID(id NodeID) RouterOption {
	return func(c *routerConfig) {
		c.nodeID = id
	}
}

// WithHostIdentity overrides the host identity announced to device
// observers.
func WithHostIdentity(host string) RouterOption {
	return func(c *routerConfig) {
		c.host = host
	}
}

// WithChannelNamespace sets the namespace of both mesh channels. All
// nodes of one fleet must share a namespace.
func WithChannelNamespace(namespace string) RouterOption {
	return func(c *routerConfig) {
		c.namespace = namespace
	}
}

// WithDirectory sets the session directory.
func WithDirectory(d Directory) RouterOption {
	return func(c *routerConfig) {
		c.directory = d
	}
}

// WithBackplane sets the streaming backplane.
func WithBackplane(b Backplane) RouterOption {
	return func(c *routerConfig) {
		c.backplane = b
	}
}

// WithDeviceRegistry sets the registry resolving remote device
// observers.
func WithDeviceRegistry(r DeviceRegistry) RouterOption {
	return func(c *routerConfig) {
		c.registry = r
	}
}

// WithLogger sets the logger.
func WithLogger(l Logger) RouterOption {
	return func(c *routerConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m Metrics) RouterOption {
	return func(c *routerConfig) {
		if m != nil {
			c.metrics = m
		}
	}
}
