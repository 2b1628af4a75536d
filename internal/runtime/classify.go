package runtime

import (
	"strings"
	"time"
)

// Connectivity is the inferred readiness of the agent process inside a
// container. The agent only reports readiness through unstructured log
// output, so this is a best-effort classification, never an error.
type Connectivity string

const (
	ConnectivityConnected    Connectivity = "connected"
	ConnectivityError        Connectivity = "error"
	ConnectivityInitializing Connectivity = "initializing"
	ConnectivityConflict     Connectivity = "conflict"
)

// connectedGracePeriod is how long a container may run without emitting
// a ready marker before we assume it came up fine. Without this fallback
// a quiet agent would sit in "initializing" forever.
const connectedGracePeriod = 2 * time.Minute

// Marker precedence is deliberate: a conflict is more specific than a
// generic error, and a later ready marker outranks earlier error noise
// from startup retries.
var (
	conflictMarkers = []string{
		"409 conflict",
		"terminated by other getupdates request",
	}
	readyMarkers = []string{
		"gateway listening",
		"connected to telegram",
		"bot online",
		"agent ready",
	}
	errorMarkers = []string{
		"fatal",
		"unauthorized",
		"econnrefused",
		"error:",
	}
)

// ClassifyConnectivity infers readiness from the recent log tail, the
// container's declared health-check status, and elapsed uptime.
//
// Precedence: declared unhealthy > conflict marker > ready marker >
// error marker > uptime past grace period > initializing.
func ClassifyConnectivity(logs, declaredHealth string, uptime time.Duration) Connectivity {
	if declaredHealth == "unhealthy" {
		return ConnectivityError
	}

	lower := strings.ToLower(logs)

	for _, m := range conflictMarkers {
		if strings.Contains(lower, m) {
			return ConnectivityConflict
		}
	}
	for _, m := range readyMarkers {
		if strings.Contains(lower, m) {
			return ConnectivityConnected
		}
	}
	for _, m := range errorMarkers {
		if strings.Contains(lower, m) {
			return ConnectivityError
		}
	}

	if uptime >= connectedGracePeriod {
		return ConnectivityConnected
	}
	return ConnectivityInitializing
}
