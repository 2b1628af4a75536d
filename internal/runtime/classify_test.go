package runtime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClassifyConnectivity(t *testing.T) {
	tests := []struct {
		name   string
		logs   string
		health string
		uptime time.Duration
		want   Connectivity
	}{
		{
			"declared unhealthy wins over ready marker",
			"gateway listening on 18789", "unhealthy", time.Hour,
			ConnectivityError,
		},
		{
			"conflict marker",
			"telegram: 409 Conflict: terminated by other getUpdates request", "none", time.Minute,
			ConnectivityConflict,
		},
		{
			"conflict outranks ready",
			"bot online\nlater: 409 conflict", "none", time.Hour,
			ConnectivityConflict,
		},
		{
			"ready marker",
			"2024-01-01 gateway listening on port 18789", "none", 10 * time.Second,
			ConnectivityConnected,
		},
		{
			"ready outranks error noise from startup retries",
			"ECONNREFUSED retrying...\nconnected to telegram", "none", time.Minute,
			ConnectivityConnected,
		},
		{
			"error marker",
			"FATAL: bad token", "none", time.Minute,
			ConnectivityError,
		},
		{
			"unauthorized",
			"telegram: 401 Unauthorized", "none", time.Minute,
			ConnectivityError,
		},
		{
			"quiet but past grace period",
			"", "none", 3 * time.Minute,
			ConnectivityConnected,
		},
		{
			"quiet and young",
			"", "none", 30 * time.Second,
			ConnectivityInitializing,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyConnectivity(tt.logs, tt.health, tt.uptime))
		})
	}
}
