package workerpool

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestSubmitRunsTaskAndResolvesFuture(t *testing.T) {
	p := New(2)
	defer p.Close()

	var ran int32
	fut := p.Submit(func() error {
		atomic.StoreInt32(&ran, 1)
		return nil
	})

	if err := fut.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if atomic.LoadInt32(&ran) != 1 {
		t.Fatalf("expected task to have run")
	}
}

func TestSubmitPropagatesError(t *testing.T) {
	p := New(1)
	defer p.Close()

	sentinel := errors.New("boom")
	fut := p.Submit(func() error { return sentinel })

	if err := fut.Wait(); !errors.Is(err, sentinel) {
		t.Fatalf("expected sentinel error, got %v", err)
	}
}

func TestPanicInTaskBecomesError(t *testing.T) {
	p := New(1)
	defer p.Close()

	fut := p.Submit(func() error {
		panic("task exploded")
	})

	err := fut.Wait()
	if err == nil {
		t.Fatalf("expected panic to surface as an error")
	}
	var panicErr *PanicError
	if !errors.As(err, &panicErr) {
		t.Fatalf("expected *PanicError, got %T: %v", err, err)
	}
}

func TestPoolContinuesAfterPanickingTask(t *testing.T) {
	p := New(1)
	defer p.Close()

	_ = p.Submit(func() error { panic("first task dies") }).Wait()

	var ran int32
	fut := p.Submit(func() error {
		atomic.StoreInt32(&ran, 1)
		return nil
	})
	if err := fut.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if atomic.LoadInt32(&ran) != 1 {
		t.Fatalf("expected pool to keep servicing work after a panicking task")
	}
}

func TestCloseWaitsForInFlightWork(t *testing.T) {
	p := New(4)
	var completed int32
	for i := 0; i < 10; i++ {
		p.Submit(func() error {
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&completed, 1)
			return nil
		})
	}
	p.Close()
	if atomic.LoadInt32(&completed) != 10 {
		t.Fatalf("expected all 10 tasks to complete before Close returns, got %d", completed)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	p := New(1)
	p.Close()
	p.Close()
}

func TestNewReplacesNonPositiveSize(t *testing.T) {
	p := New(0)
	defer p.Close()
	fut := p.Submit(func() error { return nil })
	if err := fut.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}
}
