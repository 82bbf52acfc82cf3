package services

import (
	"testing"

	"dispatch-system/internal/models"
)

func TestSelectEngine(t *testing.T) {
	tests := []struct {
		name       string
		size       int
		class      models.ServiceClass
		efficiency bool
		want       models.EngineChoice
	}{
		{"large batch beats urgency", 50, models.ServiceClassUrgent, false, models.EngineBatchSolver},
		{"large standard batch", 120, models.ServiceClassStandard, true, models.EngineBatchSolver},
		{"urgent", 10, models.ServiceClassUrgent, true, models.EngineGreedy},
		{"standard with efficiency", 49, models.ServiceClassStandard, true, models.EngineLocalSearch},
		{"standard without efficiency", 5, models.ServiceClassStandard, false, models.EngineDirectRouting},
		{"unknown class", 5, models.ServiceClass("EXPRESS"), true, models.EngineDirectRouting},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SelectEngine(tt.size, tt.class, tt.efficiency); got != tt.want {
				t.Errorf("SelectEngine(%d, %s, %v) = %s, want %s", tt.size, tt.class, tt.efficiency, got, tt.want)
			}
		})
	}
}

func TestNextEngineWalksTiersDown(t *testing.T) {
	chain := []models.EngineChoice{models.EngineBatchSolver}
	for {
		next, ok := NextEngine(chain[len(chain)-1])
		if !ok {
			break
		}
		chain = append(chain, next)
	}

	want := []models.EngineChoice{
		models.EngineBatchSolver,
		models.EngineGreedy,
		models.EngineLocalSearch,
		models.EngineDirectRouting,
	}
	if len(chain) != len(want) {
		t.Fatalf("expected %v, got %v", want, chain)
	}
	for i := range want {
		if chain[i] != want[i] {
			t.Errorf("tier %d: expected %s, got %s", i, want[i], chain[i])
		}
	}
}
