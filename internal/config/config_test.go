package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultPlanLimits(t *testing.T) {
	plans := DefaultPlans()

	tests := []struct {
		plan   PlanName
		memory int64
		cpu    float64
		heapMB int
	}{
		{PlanFree, 256 * mib, 0.25, 768},
		{PlanStarter, 512 * mib, 0.5, 1536},
		{PlanPro, 1 * gib, 1.0, 3584},
	}
	for _, tt := range tests {
		t.Run(string(tt.plan), func(t *testing.T) {
			p, ok := plans.Get(tt.plan)
			require.True(t, ok)
			assert.Equal(t, tt.memory, p.MemoryLimitBytes)
			assert.Equal(t, tt.cpu, p.CPUQuota)
			assert.Equal(t, tt.heapMB, p.NodeHeapMB)
		})
	}
}

func TestPlanFeaturesAreSupersets(t *testing.T) {
	plans := DefaultPlans()
	free, _ := plans.Get(PlanFree)
	starter, _ := plans.Get(PlanStarter)
	pro, _ := plans.Get(PlanPro)

	// Each tier keeps everything the one below it has.
	assert.Subset(t, starter.Features, free.Features)
	assert.Subset(t, pro.Features, starter.Features)
}

func TestPlanTableValid(t *testing.T) {
	plans := DefaultPlans()
	assert.True(t, plans.Valid(PlanFree))
	assert.True(t, plans.Valid(PlanPro))
	assert.False(t, plans.Valid("platinum"))
	assert.False(t, plans.Valid(""))
}
