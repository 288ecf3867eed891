package directory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/pgvector/pgvector-go"

	"presence/internal/apperr"
	"presence/internal/identity"
)

// Postgres reads participants and organisation rows. Face embeddings are
// stored in a pgvector column so population search runs in the database.
type Postgres struct {
	db *sql.DB
}

// NewPostgres creates a directory over db.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

var errParticipantNotFound = apperr.New(apperr.KindNotFound, "participant not found")

// Participant returns a participant by id.
func (p *Postgres) Participant(ctx context.Context, id int64) (Participant, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, role, COALESCE(batch_id, 0), face_embedding, latitude::text, longitude::text
		FROM participants WHERE id = $1
	`, id)

	var (
		pt       Participant
		role     string
		emb      *pgvector.Vector
		lat, lon sql.NullString
	)
	if err := row.Scan(&pt.ID, &role, &pt.BatchID, &emb, &lat, &lon); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Participant{}, errParticipantNotFound
		}
		return Participant{}, fmt.Errorf("load participant %d: %w", id, err)
	}
	pt.Role = Role(role)
	if emb != nil {
		pt.Embedding = emb.Slice()
	}
	pt.Latitude, pt.Longitude = lat.String, lon.String
	return pt, nil
}

// Embedding returns the stored embedding of a participant, nil when absent.
func (p *Postgres) Embedding(ctx context.Context, id int64) ([]float32, error) {
	var emb *pgvector.Vector
	err := p.db.QueryRowContext(ctx, `SELECT face_embedding FROM participants WHERE id = $1`, id).Scan(&emb)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errParticipantNotFound
		}
		return nil, fmt.Errorf("load embedding %d: %w", id, err)
	}
	if emb == nil {
		return nil, nil
	}
	return emb.Slice(), nil
}

// Enrolled lists every participant with a stored embedding, ordered by id.
func (p *Postgres) Enrolled(ctx context.Context) ([]identity.Candidate, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, face_embedding FROM participants
		WHERE face_embedding IS NOT NULL
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("list enrolled: %w", err)
	}
	defer rows.Close()

	var out []identity.Candidate
	for rows.Next() {
		var (
			c   identity.Candidate
			emb pgvector.Vector
		)
		if err := rows.Scan(&c.ParticipantID, &emb); err != nil {
			return nil, fmt.Errorf("scan enrolled: %w", err)
		}
		c.Embedding = emb.Slice()
		out = append(out, c)
	}
	return out, rows.Err()
}

// Nearest runs the population search with a pgvector distance operator.
// Embeddings of another dimensionality are never candidates.
func (p *Postgres) Nearest(ctx context.Context, query []float32, metric identity.Metric) (identity.Candidate, float64, bool, error) {
	op, err := operator(metric)
	if err != nil {
		return identity.Candidate{}, 0, false, err
	}

	// op comes from a fixed set, never from input.
	q := fmt.Sprintf(`
		SELECT id, face_embedding, face_embedding %s $1 AS distance
		FROM participants
		WHERE face_embedding IS NOT NULL AND vector_dims(face_embedding) = $2
		ORDER BY distance, id
		LIMIT 1
	`, op)

	var (
		c    identity.Candidate
		emb  pgvector.Vector
		dist float64
	)
	err = p.db.QueryRowContext(ctx, q, pgvector.NewVector(query), len(query)).Scan(&c.ParticipantID, &emb, &dist)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return identity.Candidate{}, 0, false, nil
		}
		return identity.Candidate{}, 0, false, fmt.Errorf("nearest embedding: %w", err)
	}
	c.Embedding = emb.Slice()
	return c, dist, true, nil
}

func operator(m identity.Metric) (string, error) {
	switch m {
	case identity.Euclidean:
		return "<->", nil
	case identity.Cosine:
		return "<=>", nil
	default:
		return "", fmt.Errorf("metric %q has no pgvector operator", string(m))
	}
}

// SubjectBatch returns the batch a subject belongs to.
func (p *Postgres) SubjectBatch(ctx context.Context, subjectID int64) (int64, error) {
	var batchID int64
	err := p.db.QueryRowContext(ctx, `SELECT batch_id FROM subjects WHERE id = $1`, subjectID).Scan(&batchID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, apperr.New(apperr.KindNotFound, "subject not found")
		}
		return 0, fmt.Errorf("load subject %d: %w", subjectID, err)
	}
	return batchID, nil
}

// BatchExists reports whether a batch row exists.
func (p *Postgres) BatchExists(ctx context.Context, batchID int64) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM batches WHERE id = $1)`, batchID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check batch %d: %w", batchID, err)
	}
	return exists, nil
}
