// Package timeouts defines shared timeout constants used across the service.
// Centralizing these values prevents drift between transport boundaries and
// makes the durations discoverable.
package timeouts

import "time"

// ReadHeader limits how long the HTTP server waits for request headers.
const ReadHeader = 5 * time.Second

// Shutdown limits how long servers wait for in-flight requests during
// graceful shutdown.
const Shutdown = 10 * time.Second

// ChallengeSweep is the interval between expired-challenge cleanup passes.
const ChallengeSweep = 5 * time.Minute
