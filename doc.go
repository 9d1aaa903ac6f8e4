// Package mqttmesh turns independent MQTT broker processes into a
// fleet: it tracks which node owns each client session, routes
// point-to-point messages to the owning node, and fans fleet-wide
// broadcasts out to every node's local clients.
//
// # Components
//
//   - Directory: the fleet-shared record of session ownership. In-memory
//     for tests and single-process fleets, Oxia-backed for real fleets.
//   - Backplane: the channel fabric envelopes travel over. Every node
//     owns one targeted server channel keyed by its NodeID and shares
//     one broadcast channel. In-memory, MQTT-broker, and direct QUIC
//     implementations are provided.
//   - Router: binds a LocalBroker into the fleet. It records ownership
//     on connect/disconnect, announces presence to device observers, and
//     delivers inbound channel traffic to local clients.
//
// # Usage
//
//	router, err := mqttmesh.NewRouter(broker,
//	    mqttmesh.WithDirectory(directory),
//	    mqttmesh.WithBackplane(backplane),
//	    mqttmesh.WithChannelNamespace("fleet-1"),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	if err := router.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer router.Stop(ctx)
//
//	// Reach one client, wherever it is connected.
//	router.Send(ctx, "dev-1", payload)
//
//	// Reach everyone except the sender.
//	router.Broadcast(ctx, payload, []string{"dev-1"})
//
// # Consistency model
//
// Session ownership is last-writer-wins on connect: a reconnect to
// another node is a legitimate takeover, and a stale disconnect arriving
// afterwards is a guarded no-op. The directory is eventually consistent;
// readers may briefly observe a stale owner after a takeover. Presence
// updates are best-effort: a directory or observer failure is logged and
// swallowed, never failing the client's connection.
package mqttmesh
