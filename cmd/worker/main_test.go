package main

import (
	"context"
	"testing"
	"time"

	"presence/internal/directory"
	"presence/internal/window"
)

func TestNewSchedulerRejectsBadSpec(t *testing.T) {
	m := window.NewManager(window.NewMemory(), directory.NewMemory(), window.Options{})
	if _, err := newScheduler(context.Background(), "every now and then", m); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestSchedulerSweepsExpiredWindows(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cat := directory.NewMemory()
	cat.PutSubject(1, 1)
	started := time.Now().Add(-time.Hour)
	clock := func() time.Time { return started }

	store := window.NewMemory()
	opener := window.NewManager(store, cat, window.Options{Now: clock})
	w, _, err := opener.SetState(ctx, window.StateRequest{
		BatchID: 1, SubjectID: 1, Active: true,
		Actor: directory.Actor{ID: 1, Role: directory.RoleTeacher},
	})
	if err != nil {
		t.Fatal(err)
	}

	sweeper := window.NewManager(store, cat, window.Options{})
	c, err := newScheduler(ctx, "@every 1s", sweeper)
	if err != nil {
		t.Fatal(err)
	}
	c.Start()
	defer c.Stop()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		got, err := store.Get(ctx, w.ID)
		if err != nil {
			t.Fatal(err)
		}
		if !got.Active {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatal("sweep did not expire the window")
}
