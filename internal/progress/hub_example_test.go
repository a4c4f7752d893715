package progress

import (
	"context"
	"fmt"
	"time"

	"github.com/JakeFAU/web-archiver/internal/archive"
)

type exampleCountingSink struct {
	total int
}

func (s *exampleCountingSink) Consume(_ context.Context, batch []Event) error {
	s.total += len(batch)
	return nil
}

func (s *exampleCountingSink) Close(context.Context) error {
	return nil
}

// ExampleHub_Publish demonstrates publishing snapshots and flushing via Close.
func ExampleHub_Publish() {
	sink := &exampleCountingSink{}
	hub := NewHub(Config{
		BufferSize:     4,
		MaxBatchEvents: 1,
		MaxBatchWait:   time.Second,
	}, sink)

	hub.Publish(archive.Job{ID: "job-1", Status: archive.StatusRunning, Progress: 40})
	hub.Publish(archive.Job{ID: "job-1", Status: archive.StatusRunning, Progress: 25})
	if err := hub.Close(context.Background()); err != nil {
		panic(err)
	}

	fmt.Printf("events forwarded: %d\n", sink.total)
	// Output:
	// events forwarded: 1
}

// ExampleHub_Subscribe follows a single job until it finishes.
func ExampleHub_Subscribe() {
	hub := NewHub(Config{})
	defer func() { _ = hub.Close(context.Background()) }()

	sub := hub.Subscribe("job-1")
	defer sub.Close()
	hub.Publish(archive.Job{ID: "job-1", Status: archive.StatusRunning, Progress: 10})
	hub.Publish(archive.Job{ID: "job-1", Status: archive.StatusCompleted, Progress: 100})

	for evt := range sub.Events() {
		fmt.Printf("%s %d\n", evt.Job.Status, evt.Job.Progress)
	}
	// Output:
	// running 10
	// completed 100
}
