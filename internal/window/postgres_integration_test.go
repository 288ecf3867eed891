//go:build integration

package window

import (
	"context"
	"sync"
	"testing"
	"time"

	"presence/internal/apperr"
	"presence/internal/store/storetest"
)

func TestPostgresStore(t *testing.T) {
	db := storetest.Postgres(t)
	storetest.Seed(t, db, []int64{1}, map[int64]int64{10: 1, 11: 1}, nil)

	ctx := context.Background()
	s := NewPostgres(db)
	t0 := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	t.Run("upsert creates then updates", func(t *testing.T) {
		w, created, err := s.Upsert(ctx, Upsert{BatchID: 1, SubjectID: 10, Date: "2026-03-02", Active: true, StartTime: t0, DurationSeconds: 30, ActorID: 7})
		if err != nil || !created {
			t.Fatalf("first upsert: created=%v err=%v", created, err)
		}
		if w.Date != "2026-03-02" || !w.StartTime.Equal(t0) || w.LastActorID != 7 {
			t.Fatalf("window = %+v", w)
		}

		closed, created, err := s.Upsert(ctx, Upsert{BatchID: 1, SubjectID: 10, Date: "2026-03-02", Active: false, StartTime: t0.Add(time.Minute), DurationSeconds: 90, ActorID: 8})
		if err != nil || created {
			t.Fatalf("close: created=%v err=%v", created, err)
		}
		if closed.ID != w.ID || closed.Active || !closed.StartTime.Equal(t0) || closed.DurationSeconds != 30 || closed.LastActorID != 8 {
			t.Fatalf("close restamped the window: %+v", closed)
		}

		reopened, _, err := s.Upsert(ctx, Upsert{BatchID: 1, SubjectID: 10, Date: "2026-03-02", Active: true, StartTime: t0.Add(time.Hour), DurationSeconds: 45, ActorID: 7})
		if err != nil {
			t.Fatal(err)
		}
		if !reopened.Active || !reopened.StartTime.Equal(t0.Add(time.Hour)) || reopened.DurationSeconds != 45 {
			t.Fatalf("reopen = %+v", reopened)
		}

		got, err := s.Get(ctx, w.ID)
		if err != nil || got.ID != w.ID || !got.Active {
			t.Fatalf("Get = %+v, %v", got, err)
		}
	})

	t.Run("missing rows", func(t *testing.T) {
		_, _, err := s.Upsert(ctx, Upsert{BatchID: 1, SubjectID: 99, Date: "2026-03-02", Active: true, StartTime: t0, DurationSeconds: 30})
		if apperr.KindOf(err) != apperr.KindNotFound {
			t.Fatalf("unknown subject: %v", err)
		}
		if _, err := s.Get(ctx, 12345); apperr.KindOf(err) != apperr.KindNotFound {
			t.Fatalf("unknown window: %v", err)
		}
	})

	t.Run("list active newest first", func(t *testing.T) {
		old, _, err := s.Upsert(ctx, Upsert{BatchID: 1, SubjectID: 11, Date: "2026-03-01", Active: true, StartTime: t0.Add(-24 * time.Hour), DurationSeconds: 30})
		if err != nil {
			t.Fatal(err)
		}
		cur, _, err := s.Upsert(ctx, Upsert{BatchID: 1, SubjectID: 11, Date: "2026-03-02", Active: true, StartTime: t0, DurationSeconds: 30})
		if err != nil {
			t.Fatal(err)
		}
		list, err := s.ListActive(ctx, 1, 11)
		if err != nil {
			t.Fatal(err)
		}
		if len(list) != 2 || list[0].ID != cur.ID || list[1].ID != old.ID {
			t.Fatalf("ListActive = %+v", list)
		}
	})

	t.Run("expire compares start time", func(t *testing.T) {
		w, _, err := s.Upsert(ctx, Upsert{BatchID: 1, SubjectID: 11, Date: "2026-03-03", Active: true, StartTime: t0, DurationSeconds: 30})
		if err != nil {
			t.Fatal(err)
		}
		ok, err := s.Expire(ctx, w.ID, t0.Add(-time.Second))
		if err != nil || ok {
			t.Fatalf("stale expire = %v, %v", ok, err)
		}
		ok, err = s.Expire(ctx, w.ID, w.StartTime)
		if err != nil || !ok {
			t.Fatalf("expire = %v, %v", ok, err)
		}
		ok, _ = s.Expire(ctx, w.ID, w.StartTime)
		if ok {
			t.Fatal("second expire should be a no-op")
		}
	})

	t.Run("expire due", func(t *testing.T) {
		due, _, err := s.Upsert(ctx, Upsert{BatchID: 1, SubjectID: 10, Date: "2026-03-04", Active: true, StartTime: t0, DurationSeconds: 30})
		if err != nil {
			t.Fatal(err)
		}
		later, _, err := s.Upsert(ctx, Upsert{BatchID: 1, SubjectID: 10, Date: "2026-03-05", Active: true, StartTime: t0.Add(time.Hour), DurationSeconds: 30})
		if err != nil {
			t.Fatal(err)
		}

		ids, err := s.ExpireDue(ctx, t0.Add(10*time.Minute))
		if err != nil {
			t.Fatal(err)
		}
		seen := map[int64]bool{}
		for _, id := range ids {
			seen[id] = true
		}
		if !seen[due.ID] || seen[later.ID] {
			t.Fatalf("ExpireDue = %v (due %d, later %d)", ids, due.ID, later.ID)
		}
		got, _ := s.Get(ctx, later.ID)
		if !got.Active {
			t.Fatal("window still running was expired")
		}
	})

	t.Run("concurrent upserts share one row", func(t *testing.T) {
		var (
			wg  sync.WaitGroup
			mu  sync.Mutex
			ids = map[int64]int{}
		)
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				w, _, err := s.Upsert(ctx, Upsert{BatchID: 1, SubjectID: 11, Date: "2026-03-06", Active: i%2 == 0, StartTime: t0, DurationSeconds: 30, ActorID: int64(i)})
				if err != nil {
					t.Error(err)
					return
				}
				mu.Lock()
				ids[w.ID]++
				mu.Unlock()
			}(i)
		}
		wg.Wait()
		if len(ids) != 1 {
			t.Fatalf("expected one window row, got %v", ids)
		}

		var n int
		if err := db.QueryRowContext(ctx, `SELECT count(*) FROM attendance_windows WHERE subject_id = 11 AND date = '2026-03-06'`).Scan(&n); err != nil {
			t.Fatal(err)
		}
		if n != 1 {
			t.Fatalf("rows = %d", n)
		}
	})
}
