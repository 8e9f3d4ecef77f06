// Package timeouts defines shared timeout constants used across services.
// Centralizing these values prevents drift between service boundaries and
// makes the durations discoverable.
package timeouts

import "time"

// RemoteCall caps a single call to an external system API. A call that
// exceeds this deadline is treated as a transient failure and retried.
const RemoteCall = 10 * time.Second

// Shutdown limits how long the runtime waits for in-flight sync operations
// during graceful shutdown.
const Shutdown = 5 * time.Second
