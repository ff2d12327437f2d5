// Package websockets implements the per-connection session protocol:
// accepting WebSocket upgrades, registering sessions in the connection
// registry, dispatching inbound client frames, and tearing sessions
// down on close or protocol error.
package websockets
