package models

import "github.com/google/uuid"

// Batch is an ephemeral group of pending orders dispatched to one driver.
type Batch struct {
	ID           uuid.UUID    `json:"id"`
	Orders       []*Order     `json:"orders"`
	TotalWeight  float64      `json:"total_weight"`
	Centroid     Location     `json:"centroid"`
	ServiceClass ServiceClass `json:"service_class"`
}

// OrderIDs returns member ids in batch order.
func (b *Batch) OrderIDs() []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(b.Orders))
	for _, o := range b.Orders {
		ids = append(ids, o.ID)
	}
	return ids
}

// Size is the number of member orders.
func (b *Batch) Size() int {
	return len(b.Orders)
}
