package services

import (
	"math"

	"dispatch-system/internal/config"
	"dispatch-system/internal/logger"
	"dispatch-system/internal/models"
)

// CompensationService prices SLA breaches.
type CompensationService struct {
	config *config.SLAConfig
	log    *logger.Logger
}

func NewCompensationService(cfg *config.SLAConfig, log *logger.Logger) *CompensationService {
	return &CompensationService{
		config: cfg,
		log:    log,
	}
}

// Calculate returns min(breachMinutes * rate, cap) for the service class,
// rounded to two decimals.
func (s *CompensationService) Calculate(class models.ServiceClass, breachMinutes float64) float64 {
	if breachMinutes <= 0 {
		return 0
	}

	rate, cap := s.config.StandardPenalty, s.config.StandardCap
	if class == models.ServiceClassUrgent {
		rate, cap = s.config.UrgentPenalty, s.config.UrgentCap
	}

	amount := breachMinutes * rate
	if amount > cap {
		amount = cap
	}

	return math.Round(amount*100) / 100
}

func (s *CompensationService) Currency() string {
	return s.config.Currency
}
