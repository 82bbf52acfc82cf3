package services

import (
	"context"
	"testing"
	"time"

	"dispatch-system/internal/logger"
	"dispatch-system/internal/models"

	"github.com/google/uuid"
)

func newTestBatching(store Store) (*BatchingService, *BatchQueue) {
	queue := NewBatchQueue()
	svc := NewBatchingService(store, queue, testBatchingConfig(), models.DefaultSLAPolicy(), logger.NewNop())
	svc.now = func() time.Time { return testNow }
	return svc, queue
}

func memberSet(b *models.Batch) map[uuid.UUID]bool {
	set := make(map[uuid.UUID]bool, b.Size())
	for _, id := range b.OrderIDs() {
		set[id] = true
	}
	return set
}

func TestFormGroupsNearbyOrders(t *testing.T) {
	svc, _ := newTestBatching(newFakeStore())
	a := newOrder(models.ServiceClassStandard, 10, riyadh)
	b := newOrder(models.ServiceClassStandard, 12, offset(riyadh, 1, 0))
	c := newOrder(models.ServiceClassStandard, 8, offset(riyadh, 0, 1.5))
	far := newOrder(models.ServiceClassStandard, 10, offset(riyadh, 10, 0))

	batches := svc.Form([]*models.Order{a, b, c, far}, testNow)
	if len(batches) != 1 {
		t.Fatalf("expected 1 batch, got %d", len(batches))
	}
	batch := batches[0]
	members := memberSet(batch)
	if len(members) != 3 || !members[a.ID] || !members[b.ID] || !members[c.ID] {
		t.Errorf("unexpected members %v", batch.OrderIDs())
	}
	if batch.Orders[0].ID != b.ID {
		t.Errorf("the order with the least time left seeds the batch")
	}
	if batch.TotalWeight != 300 || batch.ServiceClass != models.ServiceClassStandard {
		t.Errorf("unexpected batch %+v", batch)
	}
	if batch.Centroid.Lat <= riyadh.Lat || batch.Centroid.Lon <= riyadh.Lon {
		t.Errorf("centroid should sit between the pickups, got %+v", batch.Centroid)
	}
}

func TestFormRespectsCapacity(t *testing.T) {
	svc, _ := newTestBatching(newFakeStore())
	svc.config.VehicleCapacity = 250

	orders := []*models.Order{
		newOrder(models.ServiceClassStandard, 10, riyadh),
		newOrder(models.ServiceClassStandard, 11, offset(riyadh, 0.2, 0)),
		newOrder(models.ServiceClassStandard, 12, offset(riyadh, 0.4, 0)),
		newOrder(models.ServiceClassStandard, 13, offset(riyadh, 0.6, 0)),
	}

	batches := svc.Form(orders, testNow)
	if len(batches) != 2 {
		t.Fatalf("expected 2 batches, got %d", len(batches))
	}
	seen := make(map[uuid.UUID]bool)
	for _, b := range batches {
		if b.TotalWeight > 250 {
			t.Errorf("batch over capacity: %v", b.TotalWeight)
		}
		for _, id := range b.OrderIDs() {
			if seen[id] {
				t.Errorf("order %s in two batches", id)
			}
			seen[id] = true
		}
	}
}

func TestFormSkipsIneligibleOrders(t *testing.T) {
	svc, _ := newTestBatching(newFakeStore())

	fresh := newOrder(models.ServiceClassStandard, 5, riyadh)
	critical := newOrder(models.ServiceClassUrgent, 56, offset(riyadh, 0.3, 0))
	old := newOrder(models.ServiceClassStandard, 45, offset(riyadh, 0.5, 0))
	assigned := newOrder(models.ServiceClassStandard, 5, offset(riyadh, 0.1, 0))
	assigned.Status = models.OrderStatusAssigned

	batches := svc.Form([]*models.Order{fresh, critical, old, assigned}, testNow)
	if len(batches) != 0 {
		t.Errorf("a lone eligible order must not form a batch, got %d", len(batches))
	}
}

func TestFormUrgentMemberMakesBatchUrgent(t *testing.T) {
	svc, _ := newTestBatching(newFakeStore())
	standard := newOrder(models.ServiceClassStandard, 10, riyadh)
	urgent := newOrder(models.ServiceClassUrgent, 10, offset(riyadh, 0.5, 0))

	batches := svc.Form([]*models.Order{standard, urgent}, testNow)
	if len(batches) != 1 || batches[0].ServiceClass != models.ServiceClassUrgent {
		t.Fatalf("expected one urgent batch, got %+v", batches)
	}
	if batches[0].Orders[0].ID != urgent.ID {
		t.Errorf("urgent order has less time left and should seed the batch")
	}
}

func TestFormSingletonSeedLeavesOrderFree(t *testing.T) {
	svc, _ := newTestBatching(newFakeStore())
	// the most urgent order is isolated; the other two still pair up
	isolated := newOrder(models.ServiceClassUrgent, 20, offset(riyadh, 8, 0))
	a := newOrder(models.ServiceClassStandard, 10, riyadh)
	b := newOrder(models.ServiceClassStandard, 10, offset(riyadh, 0.5, 0))

	batches := svc.Form([]*models.Order{isolated, a, b}, testNow)
	if len(batches) != 1 {
		t.Fatalf("expected 1 batch, got %d", len(batches))
	}
	members := memberSet(batches[0])
	if members[isolated.ID] || !members[a.ID] || !members[b.ID] {
		t.Errorf("unexpected members %v", batches[0].OrderIDs())
	}
}

func TestBatchingTickOffersLatestSet(t *testing.T) {
	store := newFakeStore()
	store.addOrders(
		newOrder(models.ServiceClassStandard, 10, riyadh),
		newOrder(models.ServiceClassStandard, 10, offset(riyadh, 0.5, 0)),
	)
	svc, queue := newTestBatching(store)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := svc.Tick(ctx); err != nil {
			t.Fatalf("Tick: %v", err)
		}
	}
	if queue.Len() != 1 {
		t.Fatalf("a new set must replace the untaken one, got %d batches", queue.Len())
	}

	taken := queue.Take()
	if len(taken) != 1 || queue.Len() != 0 || queue.Take() != nil {
		t.Errorf("a set must be taken exactly once")
	}

	store.pendingErr = errInfra
	if err := svc.Tick(ctx); err == nil {
		t.Errorf("expected the load error")
	}
}
