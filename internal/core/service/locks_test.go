package service

import (
	"sync"
	"testing"
)

func TestCustomerLocksMutualExclusion(t *testing.T) {
	l := newCustomerLocks()

	if !l.acquire("c1") {
		t.Fatal("first acquire failed")
	}
	if l.acquire("c1") {
		t.Error("second acquire for the same customer succeeded")
	}
	if !l.acquire("c2") {
		t.Error("different customers must not block each other")
	}

	l.release("c1")
	if !l.acquire("c1") {
		t.Error("acquire after release failed")
	}
}

func TestCustomerLocksUnderContention(t *testing.T) {
	l := newCustomerLocks()

	const goroutines = 32
	var wins int
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.acquire("c1") {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Fatalf("%d goroutines won the lock, want exactly 1", wins)
	}
}
