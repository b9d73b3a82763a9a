package budget

import (
	"testing"
	"time"
)

func TestConsumeSucceedsWithinCapacity(t *testing.T) {
	b := New(10, time.Hour)
	defer b.Close()

	if !b.Consume(5) {
		t.Fatal("expected Consume(5) to succeed with full bucket")
	}
	if b.Remaining() != 5 {
		t.Errorf("expected 5 remaining, got %d", b.Remaining())
	}
}

func TestConsumeFailsWhenInsufficientTokens(t *testing.T) {
	b := New(3, time.Hour)
	defer b.Close()

	if b.Consume(5) {
		t.Fatal("expected Consume(5) to fail against capacity 3")
	}
	if b.Remaining() != 3 {
		t.Errorf("expected tokens untouched at 3, got %d", b.Remaining())
	}
}

func TestConsumeForCommandUsesCostModel(t *testing.T) {
	b := New(10, time.Hour)
	defer b.Close()

	if !b.ConsumeForCommand("ping") {
		t.Error("expected ping (cost 0) to always succeed")
	}
	if b.Remaining() != 10 {
		t.Errorf("expected ping to consume nothing, got remaining %d", b.Remaining())
	}

	if !b.ConsumeForCommand("run") {
		t.Fatal("expected run (cost 5) to succeed with full bucket")
	}
	if b.Remaining() != 5 {
		t.Errorf("expected 5 remaining after run, got %d", b.Remaining())
	}
}

func TestConsumeForCommandDefaultsForUnknownKind(t *testing.T) {
	b := New(10, time.Hour)
	defer b.Close()

	if !b.ConsumeForCommand("some_unlisted_kind") {
		t.Fatal("expected unknown kind to consume DefaultCost and succeed")
	}
	if b.Remaining() != 10-DefaultCost {
		t.Errorf("expected remaining %d, got %d", 10-DefaultCost, b.Remaining())
	}
}

func TestConsumedTotalAccumulates(t *testing.T) {
	b := New(10, time.Hour)
	defer b.Close()

	b.Consume(3)
	b.Consume(2)
	if b.ConsumedTotal() != 5 {
		t.Errorf("expected consumed total 5, got %d", b.ConsumedTotal())
	}
}

func TestNewPanicsOnInvalidCapacity(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected panic on non-positive capacity")
		}
	}()
	New(0, time.Second)
}
