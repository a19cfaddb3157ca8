package server_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/matryer/is"

	"github.com/matgreaves/wsrig/server"
)

// startSequence publishes the events of a two-machine runtime start.
func startSequence(log *server.EventLog) {
	log.Publish(server.Event{Type: server.EventRuntimeStarting, Workspace: "ws1"})
	log.Publish(server.Event{Type: server.EventMachinePhase, Machine: "db", Phase: "CREATING"})
	log.Publish(server.Event{Type: server.EventMachineRunning, Machine: "db"})
	log.Publish(server.Event{Type: server.EventMachineLog, Machine: "db", Log: &server.LogEntry{Stream: "stdout", Data: "ready"}})
	log.Publish(server.Event{Type: server.EventMachineRunning, Machine: "web"})
}

func TestEventLog_SequenceAndTimestamps(t *testing.T) {
	is := is.New(t)
	log := server.NewEventLog()

	before := time.Now()
	startSequence(log)
	fixed := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	log.Publish(server.Event{Type: server.EventRuntimeUp, Timestamp: fixed})

	events := log.Events()
	is.Equal(len(events), 6)
	for i, e := range events {
		is.Equal(e.Seq, uint64(i+1))
	}
	is.True(!events[0].Timestamp.Before(before)) // stamped on publish
	is.True(events[5].Timestamp.Equal(fixed))    // explicit timestamp kept

	// The snapshot does not change with later publishes.
	log.Publish(server.Event{Type: server.EventRuntimeDown})
	is.Equal(len(events), 6)
}

func TestEventLog_Since(t *testing.T) {
	log := server.NewEventLog()
	startSequence(log)

	tests := []struct {
		seq  uint64
		want int
	}{
		{0, 5},
		{2, 3},
		{5, 0},
		{99, 0},
	}
	for _, tt := range tests {
		got := log.Since(tt.seq)
		if len(got) != tt.want {
			t.Errorf("Since(%d): got %d events, want %d", tt.seq, len(got), tt.want)
			continue
		}
		if tt.want > 0 && got[0].Seq != tt.seq+1 {
			t.Errorf("Since(%d): first seq %d, want %d", tt.seq, got[0].Seq, tt.seq+1)
		}
	}
}

func TestEventLog_WaitFor(t *testing.T) {
	is := is.New(t)
	log := server.NewEventLog()
	startSequence(log)

	// Already published.
	e, err := log.WaitFor(context.Background(), func(e server.Event) bool {
		return e.Type == server.EventMachineRunning && e.Machine == "db"
	})
	is.NoErr(err)
	is.Equal(e.Seq, uint64(3))

	// Published later.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var wg sync.WaitGroup
	wg.Add(1)
	var got server.Event
	var gotErr error
	go func() {
		defer wg.Done()
		got, gotErr = log.WaitFor(ctx, func(e server.Event) bool { return e.Type == server.EventRuntimeUp })
	}()
	time.Sleep(10 * time.Millisecond)
	log.Publish(server.Event{Type: server.EventMachineStopped, Machine: "db"})
	log.Publish(server.Event{Type: server.EventRuntimeUp})
	wg.Wait()
	is.NoErr(gotErr)
	is.Equal(got.Type, server.EventRuntimeUp)

	// Never published.
	short, cancelShort := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancelShort()
	_, err = log.WaitFor(short, func(e server.Event) bool { return e.Type == server.EventRuntimeError })
	is.Equal(err, context.DeadlineExceeded)
}

func TestEventLog_SubscribeReplayThenLive(t *testing.T) {
	is := is.New(t)
	log := server.NewEventLog()
	startSequence(log)

	ctx, cancel := context.WithCancel(context.Background())
	ch := log.Subscribe(ctx, 2, func(e server.Event) bool { return e.Type != server.EventMachineLog })

	next := func() server.Event {
		t.Helper()
		select {
		case e := <-ch:
			return e
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for event")
			return server.Event{}
		}
	}

	// Replay resumes after seq 2 and skips log lines.
	is.Equal(next().Seq, uint64(3))
	is.Equal(next().Machine, "web")

	log.Publish(server.Event{Type: server.EventMachineLog, Machine: "web"})
	log.Publish(server.Event{Type: server.EventRuntimeUp})
	e := next()
	is.Equal(e.Type, server.EventRuntimeUp)
	is.Equal(e.Seq, uint64(7))

	cancel()
	select {
	case _, ok := <-ch:
		for ok {
			_, ok = <-ch
		}
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed after cancel")
	}
}

func TestEventLog_ConcurrentPublish(t *testing.T) {
	is := is.New(t)
	log := server.NewEventLog()

	const n = 100
	var wg sync.WaitGroup
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Publish(server.Event{Type: server.EventMachineLog, Machine: "web"})
		}()
	}
	wg.Wait()

	seen := make(map[uint64]bool)
	for _, e := range log.Events() {
		is.True(!seen[e.Seq]) // sequence numbers are unique
		seen[e.Seq] = true
	}
	is.Equal(len(seen), n)
	is.True(seen[1] && seen[n])
}

func TestEventLog_SubscribeFilterAdvancesCursor(t *testing.T) {
	log := server.NewEventLog()

	for range 300 {
		log.Publish(server.Event{Type: server.EventMachineLog, Machine: "web"})
	}
	log.Publish(server.Event{Type: server.EventRuntimeUp})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	// Filtered-out log lines must not fill the subscriber's buffer.
	ch := log.Subscribe(ctx, 0, func(e server.Event) bool {
		return e.Type != server.EventMachineLog
	})
	select {
	case e := <-ch:
		if e.Type != server.EventRuntimeUp || e.Seq != 301 {
			t.Errorf("got %q seq %d", e.Type, e.Seq)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for runtime.up")
	}
}
