package mqttmesh

import (
	"os"

	"github.com/google/uuid"
)

// NodeID is the process-unique identity of one broker node in the fleet.
// It is generated once at startup and never changes for the lifetime of
// the process. Targeted channel delivery is addressed by NodeID.
type NodeID string

// String returns the string representation of the node ID.
func (id NodeID) String() string {
	return string(id)
}

// GenerateNodeID returns a new random node identity.
func GenerateNodeID() NodeID {
	return NodeID("node-" + uuid.NewString())
}

// HostIdentity returns the host name reported to device observers on
// connect notifications. Falls back to "unknown" when the OS refuses
// to tell us.
func HostIdentity() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "unknown"
	}
	return host
}
