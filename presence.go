package mqttmesh

import "context"

// DeviceObserver is the remote device actor interested in one client's
// presence. Calls are fire-and-forget from the router's perspective:
// results are ignored beyond failure logging, and a failed OnConnect
// never suppresses a later OnDisconnect.
type DeviceObserver interface {
	// OnConnect notifies the observer that its client connected to the
	// given node.
	OnConnect(ctx context.Context, nodeID NodeID, hostIdentity, clientID string) error

	// OnDisconnect notifies the observer that its client disconnected.
	OnDisconnect(ctx context.Context, clientID string) error
}

// DeviceRegistry resolves the observer for a client ID. Implementations
// typically address a per-device actor in an external runtime.
type DeviceRegistry interface {
	Device(clientID string) DeviceObserver
}

// DeviceRegistryFunc adapts a function to the DeviceRegistry interface.
type DeviceRegistryFunc func(clientID string) DeviceObserver

// Device resolves the observer by calling the function.
func (f DeviceRegistryFunc) Device(clientID string) DeviceObserver {
	return f(clientID)
}

// NopDeviceRegistry resolves every client to an observer that does
// nothing. It is the default when no registry is configured.
type NopDeviceRegistry struct{}

// Device returns the no-op observer.
func (NopDeviceRegistry) Device(_ string) DeviceObserver {
	return nopObserver{}
}

type nopObserver struct{}

func (nopObserver) OnConnect(_ context.Context, _ NodeID, _, _ string) error { return nil }
func (nopObserver) OnDisconnect(_ context.Context, _ string) error           { return nil }
