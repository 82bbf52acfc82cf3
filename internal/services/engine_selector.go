package services

import "dispatch-system/internal/models"

// DefaultLargeBatchThreshold is the stop count from which the external
// solver is preferred.
const DefaultLargeBatchThreshold = 50

// SelectEngine picks a routing strategy for a batch.
func SelectEngine(batchSize int, serviceClass models.ServiceClass, preferEfficiency bool) models.EngineChoice {
	return selectEngine(batchSize, serviceClass, preferEfficiency, DefaultLargeBatchThreshold)
}

func selectEngine(batchSize int, serviceClass models.ServiceClass, preferEfficiency bool, largeBatch int) models.EngineChoice {
	switch {
	case batchSize >= largeBatch:
		return models.EngineBatchSolver
	case serviceClass == models.ServiceClassUrgent:
		return models.EngineGreedy
	case serviceClass == models.ServiceClassStandard && preferEfficiency:
		return models.EngineLocalSearch
	default:
		return models.EngineDirectRouting
	}
}

// NextEngine returns the tier below e. ok is false for the last tier.
func NextEngine(e models.EngineChoice) (next models.EngineChoice, ok bool) {
	switch e {
	case models.EngineBatchSolver:
		return models.EngineGreedy, true
	case models.EngineGreedy:
		return models.EngineLocalSearch, true
	case models.EngineLocalSearch:
		return models.EngineDirectRouting, true
	default:
		return "", false
	}
}

func knownEngine(e models.EngineChoice) bool {
	_, ok := NextEngine(e)
	return ok || e == models.EngineDirectRouting
}
