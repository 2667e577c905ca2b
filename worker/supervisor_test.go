package worker_test

import (
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/softwarelanguageslab/skitter/worker"
)

func TestSupervisorReportsAfterThreshold(t *testing.T) {
	sup := worker.NewSupervisor(3)
	sup.RecordFailure("w1")
	sup.RecordFailure("w1")
	select {
	case id := <-sup.Torn():
		t.Fatalf("reported breach early: %q", id)
	default:
	}
	sup.RecordFailure("w1")
	require.Equal(t, "w1", <-sup.Torn())
}

func TestSupervisorFatalBypassesThreshold(t *testing.T) {
	sup := worker.NewSupervisor(100)
	sup.Fatal("w1")
	require.Equal(t, "w1", <-sup.Torn())
}

func TestSupervisorOnSuccessResetsStreak(t *testing.T) {
	sup := worker.NewSupervisor(2)
	sup.RecordFailure("w1")
	sup.OnSuccess("w1")
	sup.RecordFailure("w1")
	select {
	case id := <-sup.Torn():
		t.Fatalf("reported breach after streak was reset: %q", id)
	default:
	}
}

// TestSupervisorCloseDuringConcurrentFailures guards the close-vs-send
// race: RecordFailure/Fatal and Close may run concurrently during
// teardown, and neither must panic by sending on a channel Close has
// already closed.
func TestSupervisorCloseDuringConcurrentFailures(t *testing.T) {
	sup := worker.NewSupervisor(1)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := strconv.Itoa(i)
			if i%2 == 0 {
				sup.RecordFailure(id)
			} else {
				sup.Fatal(id)
			}
		}(i)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		sup.Close()
	}()

	drained := make(chan struct{})
	go func() {
		for range sup.Torn() {
		}
		close(drained)
	}()

	wg.Wait()
	<-drained
}
