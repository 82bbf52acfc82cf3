package models

import (
	"errors"
	"testing"

	"github.com/google/uuid"
)

func newAvailableDriver() *Driver {
	return &Driver{
		ID:              uuid.New(),
		Status:          DriverStatusAvailable,
		Capacity:        3000,
		DailyTarget:     20,
		OnTimeRate:      0.95,
		MaxWorkingHours: 10,
	}
}

func TestCanAcceptOrder(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(d *Driver)
		want   bool
	}{
		{"eligible", func(d *Driver) {}, true},
		{"on-time exactly at floor", func(d *Driver) { d.OnTimeRate = 0.90 }, true},
		{"on-time below floor", func(d *Driver) { d.OnTimeRate = 0.89 }, false},
		{"hours exhausted", func(d *Driver) { d.HoursWorkedToday = 10 }, false},
		{"busy", func(d *Driver) { d.Status = DriverStatusBusy }, false},
		{"on break", func(d *Driver) { d.Status = DriverStatusOnBreak }, false},
		{"returning", func(d *Driver) { d.Status = DriverStatusReturning }, false},
		{"offline", func(d *Driver) { d.Status = DriverStatusOffline }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newAvailableDriver()
			tt.mutate(d)
			if got := d.CanAcceptOrder(); got != tt.want {
				t.Errorf("CanAcceptOrder() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDriverAssignAndComplete(t *testing.T) {
	d := newAvailableDriver()
	order := uuid.New()

	if err := d.Assign(order, 500); err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if d.Status != DriverStatusBusy || d.ActiveDeliveryID == nil || *d.ActiveDeliveryID != order {
		t.Fatalf("after assign: status=%s active=%v", d.Status, d.ActiveDeliveryID)
	}
	if d.ConsecutiveDeliveries != 1 || d.CurrentLoad != 500 {
		t.Errorf("consecutive=%d load=%v", d.ConsecutiveDeliveries, d.CurrentLoad)
	}

	if err := d.Assign(uuid.New(), 100); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("second assign: err = %v, want ErrInvalidTransition", err)
	}

	if err := d.CompleteDelivery(false, 5); err != nil {
		t.Fatalf("CompleteDelivery: %v", err)
	}
	if d.Status != DriverStatusAvailable || d.ActiveDeliveryID != nil || d.CompletedToday != 1 {
		t.Errorf("after complete: status=%s active=%v completed=%d", d.Status, d.ActiveDeliveryID, d.CompletedToday)
	}
}

func TestDriverReturnLeg(t *testing.T) {
	d := newAvailableDriver()
	_ = d.Assign(uuid.New(), 100)

	if err := d.CompleteDelivery(true, 5); err != nil {
		t.Fatalf("CompleteDelivery: %v", err)
	}
	if d.Status != DriverStatusReturning || d.ActiveDeliveryID != nil {
		t.Fatalf("status=%s active=%v, want RETURNING without delivery", d.Status, d.ActiveDeliveryID)
	}
	if d.CanAcceptOrder() {
		t.Error("returning driver must not accept orders")
	}

	if err := d.ArriveAtBase(5); err != nil {
		t.Fatalf("ArriveAtBase: %v", err)
	}
	if d.Status != DriverStatusAvailable {
		t.Errorf("status = %s, want AVAILABLE", d.Status)
	}
}

// Completing the fifth consecutive delivery sends the driver on a mandatory
// break with the counter reset, and no new work until the break ends.
func TestMandatoryBreakAfterFifthDelivery(t *testing.T) {
	const threshold = 5
	d := newAvailableDriver()

	for i := 1; i <= threshold; i++ {
		if err := d.Assign(uuid.New(), 10); err != nil {
			t.Fatalf("delivery %d assign: %v", i, err)
		}
		if err := d.CompleteDelivery(false, threshold); err != nil {
			t.Fatalf("delivery %d complete: %v", i, err)
		}
		if i < threshold && d.Status != DriverStatusAvailable {
			t.Fatalf("after delivery %d status = %s, want AVAILABLE", i, d.Status)
		}
	}

	if d.Status != DriverStatusOnBreak {
		t.Fatalf("status = %s, want ON_BREAK", d.Status)
	}
	if d.ConsecutiveDeliveries != 0 {
		t.Errorf("consecutive = %d, want 0", d.ConsecutiveDeliveries)
	}
	if d.CanAcceptOrder() {
		t.Error("driver on break accepted an order")
	}
	if err := d.Assign(uuid.New(), 10); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("assign during break: err = %v", err)
	}

	if err := d.EndBreak(); err != nil {
		t.Fatalf("EndBreak: %v", err)
	}
	if !d.CanAcceptOrder() {
		t.Error("driver should accept orders after the break")
	}
}

func TestMandatoryBreakAfterReturnLeg(t *testing.T) {
	d := newAvailableDriver()
	d.ConsecutiveDeliveries = 4
	_ = d.Assign(uuid.New(), 10)
	_ = d.CompleteDelivery(true, 5)

	if d.Status != DriverStatusReturning {
		t.Fatalf("status = %s, want RETURNING", d.Status)
	}
	_ = d.ArriveAtBase(5)
	if d.Status != DriverStatusOnBreak || d.ConsecutiveDeliveries != 0 {
		t.Errorf("status=%s consecutive=%d, want ON_BREAK/0", d.Status, d.ConsecutiveDeliveries)
	}
}

func TestManualBreakResetsCounter(t *testing.T) {
	d := newAvailableDriver()
	d.ConsecutiveDeliveries = 3

	if err := d.StartBreak(); err != nil {
		t.Fatalf("StartBreak: %v", err)
	}
	if d.ConsecutiveDeliveries != 0 {
		t.Errorf("consecutive = %d, want 0", d.ConsecutiveDeliveries)
	}
	if err := d.StartBreak(); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("double break: err = %v", err)
	}
}

func TestDriverRelease(t *testing.T) {
	d := newAvailableDriver()
	_ = d.Assign(uuid.New(), 400)

	if err := d.Release(400); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if d.Status != DriverStatusAvailable || d.ActiveDeliveryID != nil || d.CurrentLoad != 0 {
		t.Errorf("after release: status=%s active=%v load=%v", d.Status, d.ActiveDeliveryID, d.CurrentLoad)
	}
	if d.ConsecutiveDeliveries != 0 {
		t.Errorf("release should undo the assignment count, got %d", d.ConsecutiveDeliveries)
	}
	if err := d.Release(0); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("release available driver: err = %v", err)
	}
}

func TestOfflineTransitions(t *testing.T) {
	d := newAvailableDriver()
	if err := d.GoOffline(); err != nil {
		t.Fatalf("GoOffline: %v", err)
	}
	if err := d.StartBreak(); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("break while offline: err = %v", err)
	}
	if err := d.GoOnline(); err != nil || d.Status != DriverStatusAvailable {
		t.Errorf("GoOnline: err=%v status=%s", err, d.Status)
	}

	busy := newAvailableDriver()
	_ = busy.Assign(uuid.New(), 1)
	if err := busy.GoOffline(); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("busy driver went offline: err = %v", err)
	}
}

func TestLoadRatioAndGap(t *testing.T) {
	d := newAvailableDriver()
	d.CurrentLoad = 500
	if got := d.LoadRatio(); got != 500.0/3000.0 {
		t.Errorf("LoadRatio = %v", got)
	}
	d.Capacity = 0
	if d.LoadRatio() != 1 {
		t.Error("zero capacity should read as full")
	}

	d.CompletedToday = 25
	if d.GapFromTarget() != 0 {
		t.Error("gap should not go negative")
	}
}
