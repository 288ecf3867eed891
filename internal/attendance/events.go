package attendance

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"presence/internal/metrics"
	"presence/internal/queue"
)

// Follow consumes the event feed until ctx is done, checking every
// record.marked event against the store.
func Follow(ctx context.Context, q queue.Queue, records Store) error {
	messages, err := q.Consume(ctx)
	if err != nil {
		return fmt.Errorf("consume events: %w", err)
	}
	for msg := range messages {
		if err := HandleEvent(ctx, records, msg); err != nil {
			log.Printf("event %s (%s): %v", msg.ID, msg.Type, err)
		}
	}
	return nil
}

// HandleEvent processes one feed message. Unknown types are counted and skipped.
func HandleEvent(ctx context.Context, records Store, msg queue.Message) error {
	metrics.EventsConsumed.WithLabelValues(msg.Type).Inc()
	if msg.Type != EventRecordMarked {
		return nil
	}

	var ev RecordMarked
	if err := json.Unmarshal(msg.Body, &ev); err != nil {
		return fmt.Errorf("decode %s: %w", msg.Type, err)
	}
	rec, err := records.Get(ctx, ev.RecordID)
	if err != nil {
		return fmt.Errorf("load record %d: %w", ev.RecordID, err)
	}
	if rec.ParticipantID != ev.ParticipantID || rec.WindowID != ev.WindowID || rec.Date != ev.Date {
		return fmt.Errorf("record %d does not match event (participant %d, window %d, %s)",
			rec.ID, ev.ParticipantID, ev.WindowID, ev.Date)
	}

	verb := "updated"
	if ev.Created {
		verb = "created"
	}
	log.Printf("record %d %s: participant %d batch %d subject %d %s status %s by %d",
		rec.ID, verb, rec.ParticipantID, ev.BatchID, ev.SubjectID, rec.Date, rec.Status, rec.MarkedBy)
	return nil
}
