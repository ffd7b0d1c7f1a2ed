// Package constants provides application-wide constants and timeouts.
package constants

import "time"

// Timeouts for gateway lifecycle operations.
const (
	// SpawnTimeout is the maximum time to wait for the gateway process to
	// be spawned and confirmed alive.
	SpawnTimeout = 15 * time.Second

	// ReadyTimeout is the maximum time to wait for the readiness signal in
	// the gateway's stdout before assuming the process started anyway.
	ReadyTimeout = 20 * time.Second

	// HandshakeTimeout bounds the challenge wait plus the connect
	// request/response exchange.
	HandshakeTimeout = 10 * time.Second

	// RequestTimeout is the default deadline for a correlated request.
	RequestTimeout = 30 * time.Second

	// RestartSettleDelay is the pause between stop and start during a
	// composed restart, letting the OS release ports and locks.
	RestartSettleDelay = 2 * time.Second

	// OrphanKillSettleDelay is the pause after killing orphaned gateway
	// instances before retrying a start.
	OrphanKillSettleDelay = 500 * time.Millisecond
)
