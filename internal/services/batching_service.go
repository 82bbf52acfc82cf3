package services

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"dispatch-system/internal/config"
	"dispatch-system/internal/geo"
	"dispatch-system/internal/logger"
	"dispatch-system/internal/metrics"
	"dispatch-system/internal/models"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// BatchQueue hands batches from the batching loop to the dispatch loop. An
// offered set replaces any set that was not taken yet; a set is taken once.
type BatchQueue struct {
	mu      sync.Mutex
	batches []*models.Batch
}

func NewBatchQueue() *BatchQueue {
	return &BatchQueue{}
}

// Offer publishes the latest batch set.
func (q *BatchQueue) Offer(batches []*models.Batch) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.batches = batches
}

// Take returns the pending set and empties the queue.
func (q *BatchQueue) Take() []*models.Batch {
	q.mu.Lock()
	defer q.mu.Unlock()
	batches := q.batches
	q.batches = nil
	return batches
}

// Len is the number of batches waiting.
func (q *BatchQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.batches)
}

// BatchingService groups nearby pending orders so one driver can take them.
type BatchingService struct {
	store  Store
	queue  *BatchQueue
	config *config.BatchingConfig
	policy models.SLAPolicy
	log    *logrus.Entry
	now    func() time.Time
}

func NewBatchingService(store Store, queue *BatchQueue, cfg *config.BatchingConfig, policy models.SLAPolicy, log *logger.Logger) *BatchingService {
	return &BatchingService{
		store:  store,
		queue:  queue,
		config: cfg,
		policy: policy,
		log:    log.Component("batching"),
		now:    time.Now,
	}
}

// Tick forms batches from the current pending orders and offers them to dispatch.
func (s *BatchingService) Tick(ctx context.Context) error {
	pending, err := s.store.GetPendingOrders(ctx)
	if err != nil {
		return fmt.Errorf("failed to load pending orders: %w", err)
	}

	batches := s.Form(pending, s.now())
	s.queue.Offer(batches)
	metrics.RecordBatches("formed", len(batches))

	s.log.WithFields(logrus.Fields{
		"pending": len(pending),
		"batches": len(batches),
	}).Debug("Batching tick completed")
	return nil
}

// Form clusters eligible orders greedily. Seeds are taken most urgent first;
// a seed collects every unused order whose pickup is within the proximity
// radius of its own while the total weight fits one vehicle. Clusters of one
// are discarded and their order stays free for later seeds.
func (s *BatchingService) Form(orders []*models.Order, now time.Time) []*models.Batch {
	type candidate struct {
		order     *models.Order
		remaining float64
	}

	eligible := make([]candidate, 0, len(orders))
	for _, o := range orders {
		if o.Status != models.OrderStatusPending {
			continue
		}
		if now.Sub(o.CreatedAt) > s.config.EligibilityWindow {
			continue
		}
		status := models.ComputeSLAStatus(o, now, s.policy)
		if status.Category.AtLeast(models.SLACritical) {
			continue
		}
		eligible = append(eligible, candidate{order: o, remaining: status.RemainingMinutes})
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		if eligible[i].remaining != eligible[j].remaining {
			return eligible[i].remaining < eligible[j].remaining
		}
		return eligible[i].order.ID.String() < eligible[j].order.ID.String()
	})

	used := make(map[uuid.UUID]bool, len(eligible))
	var batches []*models.Batch
	discarded := 0

	for i, seed := range eligible {
		if used[seed.order.ID] {
			continue
		}
		members := []*models.Order{seed.order}
		weight := seed.order.Weight

		for _, c := range eligible[i+1:] {
			if used[c.order.ID] {
				continue
			}
			if geo.HaversineKm(seed.order.Pickup, c.order.Pickup) > s.config.ProximityKm {
				continue
			}
			if weight+c.order.Weight > s.config.VehicleCapacity {
				continue
			}
			members = append(members, c.order)
			weight += c.order.Weight
		}

		if len(members) < 2 {
			discarded++
			continue
		}

		pickups := make([]models.Location, 0, len(members))
		class := models.ServiceClassStandard
		for _, m := range members {
			used[m.ID] = true
			pickups = append(pickups, m.Pickup)
			if m.ServiceClass == models.ServiceClassUrgent {
				class = models.ServiceClassUrgent
			}
		}
		batches = append(batches, &models.Batch{
			ID:           uuid.New(),
			Orders:       members,
			TotalWeight:  weight,
			Centroid:     geo.Centroid(pickups),
			ServiceClass: class,
		})
	}

	metrics.RecordBatches("discarded", discarded)
	return batches
}
