// Package attendance is the record ledger: it verifies a submitted photo
// against the identity, location and window gates and writes at most one
// record per participant, window and date.
package attendance

import (
	"context"
	"fmt"
	"log"
	"strconv"

	"presence/internal/apperr"
	"presence/internal/directory"
	"presence/internal/faceclient"
	"presence/internal/geofence"
	"presence/internal/identity"
	"presence/internal/metrics"
	"presence/internal/queue"
	"presence/internal/window"
)

// EventRecordMarked is published after every successful mark.
const EventRecordMarked = "record.marked"

// Extractor turns an image into a face embedding.
type Extractor interface {
	Extract(ctx context.Context, image []byte) (faceclient.Result, error)
}

// Archive stores accepted photos and returns their URL.
type Archive interface {
	Store(ctx context.Context, image []byte, publicID string) (string, error)
}

// Publisher emits events for downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, msg queue.Message) error
}

// Deps wires a Service. Archive and Events are optional.
type Deps struct {
	Windows   *window.Manager
	Records   Store
	Directory directory.Directory
	Resolver  *identity.Resolver
	Extractor Extractor
	Boundary  geofence.Polygon
	Archive   Archive
	Events    Publisher
}

// Service coordinates attendance verification and the record upsert.
type Service struct {
	windows   *window.Manager
	records   Store
	dir       directory.Directory
	resolver  *identity.Resolver
	extractor Extractor
	boundary  geofence.Polygon
	archive   Archive
	events    Publisher
}

// NewService creates a service from its collaborators.
func NewService(d Deps) (*Service, error) {
	if d.Windows == nil || d.Records == nil || d.Directory == nil || d.Resolver == nil || d.Extractor == nil {
		return nil, fmt.Errorf("attendance: missing dependency")
	}
	if len(d.Boundary) < 3 {
		return nil, geofence.ErrTooFewVertices
	}
	return &Service{
		windows:   d.Windows,
		records:   d.Records,
		dir:       d.Directory,
		resolver:  d.Resolver,
		extractor: d.Extractor,
		boundary:  d.Boundary,
		archive:   d.Archive,
		events:    d.Events,
	}, nil
}

// MarkRequest is one attendance submission.
type MarkRequest struct {
	WindowID int64
	Image    []byte
	Caller   directory.Actor
}

// MarkResult is the outcome of an accepted submission.
type MarkResult struct {
	Record   Record        `json:"record"`
	Window   window.Window `json:"window"`
	Created  bool          `json:"created"`
	Distance float64       `json:"distance"`
}

// RecordMarked is the body of EventRecordMarked.
type RecordMarked struct {
	RecordID      int64  `json:"record"`
	WindowID      int64  `json:"window"`
	ParticipantID int64  `json:"participant"`
	BatchID       int64  `json:"batch"`
	SubjectID     int64  `json:"subject"`
	Date          string `json:"date"`
	Status        Status `json:"status"`
	MarkedBy      int64  `json:"marked_by"`
	Created       bool   `json:"created"`
}

// Mark runs the gates in order and upserts the record. The first failing
// gate is returned and nothing is written.
func (s *Service) Mark(ctx context.Context, req MarkRequest) (res MarkResult, err error) {
	defer func() {
		switch {
		case err != nil:
			metrics.MarkOutcomes.WithLabelValues(string(apperr.KindOf(err))).Inc()
		case res.Created:
			metrics.MarkOutcomes.WithLabelValues("created").Inc()
		default:
			metrics.MarkOutcomes.WithLabelValues("updated").Inc()
		}
	}()

	if req.WindowID <= 0 {
		return MarkResult{}, apperr.New(apperr.KindInvalidRequest, "'window_id' is required")
	}
	if len(req.Image) == 0 {
		return MarkResult{}, apperr.New(apperr.KindInvalidRequest, "'image' is required")
	}

	w, err := s.windows.Get(ctx, req.WindowID)
	if err != nil {
		return MarkResult{}, err
	}
	if err := s.windows.EnsureOpen(ctx, w); err != nil {
		return MarkResult{}, err
	}

	embedding, err := s.extract(ctx, req.Image)
	if err != nil {
		return MarkResult{}, err
	}

	if !req.Caller.Role.CanMark() {
		return MarkResult{}, apperr.New(apperr.KindUnauthorized, "role is not allowed to mark attendance")
	}

	scope := identity.Population()
	if req.Caller.Role.IsParticipant() {
		scope = identity.Self(req.Caller.ID)
	}
	match, err := s.resolver.Resolve(ctx, embedding, scope)
	if match.ParticipantID != 0 {
		metrics.MatchDistance.Observe(match.Distance)
	}
	if err != nil {
		return MarkResult{}, err
	}

	if req.Caller.Role.IsParticipant() && match.ParticipantID != req.Caller.ID {
		return MarkResult{}, apperr.New(apperr.KindIdentityMismatch, "participants can only mark their own attendance")
	}

	p, err := s.dir.Participant(ctx, match.ParticipantID)
	if err != nil {
		return MarkResult{}, err
	}
	if p.BatchID != w.BatchID {
		return MarkResult{}, apperr.New(apperr.KindInvalidRequest, "participant is not enrolled in the window's batch")
	}

	if err := s.checkLocation(p); err != nil {
		return MarkResult{}, err
	}

	rec, created, err := s.records.Upsert(ctx, Upsert{
		ParticipantID: p.ID,
		WindowID:      w.ID,
		Date:          s.windows.Today(),
		Status:        StatusPresent,
		MarkedBy:      req.Caller.ID,
	}, s.windows.Now())
	if err != nil {
		return MarkResult{}, err
	}

	log.Printf("attendance marked: record %d participant %d window %d by %d created=%v distance=%.4f",
		rec.ID, rec.ParticipantID, rec.WindowID, req.Caller.ID, created, match.Distance)

	rec = s.attachEvidence(ctx, rec, req.Image)
	s.publish(ctx, rec, w, created)

	return MarkResult{Record: rec, Window: w, Created: created, Distance: match.Distance}, nil
}

func (s *Service) extract(ctx context.Context, image []byte) ([]float32, error) {
	res, err := s.extractor.Extract(ctx, image)
	if err != nil {
		return nil, err
	}
	if res.FacesDetected == 0 {
		return nil, apperr.New(apperr.KindNoFaceDetected, "no face detected in the image")
	}
	if len(res.Embedding) == 0 {
		return nil, apperr.New(apperr.KindEmbeddingExtractionFailed, "could not extract face data from the image")
	}
	if dims := s.resolver.Strategy().Dimensions; dims > 0 && len(res.Embedding) != dims {
		return nil, apperr.New(apperr.KindEmbeddingExtractionFailed,
			fmt.Sprintf("embedding has %d dimensions, profile %q expects %d", len(res.Embedding), s.resolver.Strategy().Name, dims))
	}
	return res.Embedding, nil
}

func (s *Service) checkLocation(p directory.Participant) error {
	if !p.HasLocation() {
		return apperr.New(apperr.KindLocationUnavailable, "participant location not available")
	}
	pt, err := geofence.ParseCoordinate(p.Latitude, p.Longitude)
	if err != nil {
		return apperr.Wrap(apperr.KindLocationUnavailable, "participant location is not a valid coordinate", err)
	}
	if !geofence.Contains(pt, s.boundary) {
		return apperr.New(apperr.KindBoundaryViolation, "participant is outside the allowed boundary")
	}
	return nil
}

// attachEvidence archives the photo after commit. Failures are logged only.
func (s *Service) attachEvidence(ctx context.Context, rec Record, image []byte) Record {
	if s.archive == nil {
		return rec
	}
	publicID := "record-" + strconv.FormatInt(rec.ID, 10)
	url, err := s.archive.Store(ctx, image, publicID)
	if err != nil {
		log.Printf("evidence upload for record %d failed: %v", rec.ID, err)
		return rec
	}
	if err := s.records.AttachEvidence(ctx, rec.ID, url); err != nil {
		log.Printf("attach evidence to record %d failed: %v", rec.ID, err)
		return rec
	}
	rec.EvidenceURL = url
	return rec
}

func (s *Service) publish(ctx context.Context, rec Record, w window.Window, created bool) {
	if s.events == nil {
		return
	}
	msg, err := queue.NewMessage(EventRecordMarked, RecordMarked{
		RecordID:      rec.ID,
		WindowID:      rec.WindowID,
		ParticipantID: rec.ParticipantID,
		BatchID:       w.BatchID,
		SubjectID:     w.SubjectID,
		Date:          rec.Date,
		Status:        rec.Status,
		MarkedBy:      rec.MarkedBy,
		Created:       created,
	})
	if err == nil {
		err = s.events.Publish(ctx, msg)
	}
	if err != nil {
		log.Printf("publish %s for record %d failed: %v", EventRecordMarked, rec.ID, err)
	}
}

// Record returns a stored record.
func (s *Service) Record(ctx context.Context, id int64) (Record, error) {
	if id <= 0 {
		return Record{}, apperr.New(apperr.KindInvalidRequest, "record id is required")
	}
	return s.records.Get(ctx, id)
}
