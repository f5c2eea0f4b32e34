package ratelimit

import (
	"testing"
	"time"
)

func TestBurstThenSustainedRate(t *testing.T) {
	b := NewTokenBucket(10, 5)

	for i := 0; i < 10; i++ {
		if !b.Allow() {
			t.Fatalf("burst request %d denied", i)
		}
	}
	if b.Allow() {
		t.Fatal("request past the burst ceiling admitted")
	}

	time.Sleep(time.Second)

	for i := 0; i < 5; i++ {
		if !b.Allow() {
			t.Fatalf("refilled request %d denied", i)
		}
	}
	if b.Allow() {
		t.Fatal("request past the refill admitted")
	}
}

func TestAllowNIsAllOrNothing(t *testing.T) {
	b := NewTokenBucket(100, 10)

	if !b.AllowN(50) {
		t.Fatal("50 of 100 tokens denied")
	}
	if b.AllowN(60) {
		t.Fatal("60 tokens admitted with only 50 left")
	}
	// The denied call must not have consumed anything.
	if left := b.Remaining(); left < 49 || left > 51 {
		t.Fatalf("remaining = %f, want ~50", left)
	}
}

func TestResetRestoresCeiling(t *testing.T) {
	b := NewTokenBucket(100, 10)
	b.AllowN(100)
	b.Reset()
	if left := b.Remaining(); left != 100 {
		t.Fatalf("remaining after reset = %f, want 100", left)
	}
}

func TestRefillAccruesContinuously(t *testing.T) {
	b := NewTokenBucket(100, 50)
	b.AllowN(100)

	time.Sleep(500 * time.Millisecond)

	if left := b.Remaining(); left < 23 || left > 27 {
		t.Fatalf("remaining after 500ms at 50/s = %f, want ~25", left)
	}
}

func TestConcurrentConsumersNeverOverdraw(t *testing.T) {
	b := NewTokenBucket(1000, 100)

	done := make(chan struct{})
	for i := 0; i < 100; i++ {
		go func() {
			for j := 0; j < 10; j++ {
				b.Allow()
			}
			done <- struct{}{}
		}()
	}
	for i := 0; i < 100; i++ {
		<-done
	}

	if left := b.Remaining(); left > 1 {
		t.Fatalf("remaining = %f after draining 1000 tokens, want ~0", left)
	}
}
