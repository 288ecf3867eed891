// Package identity resolves a query face embedding to an enrolled participant.
package identity

import (
	"context"
	"fmt"

	"presence/internal/apperr"
)

// Candidate is an enrolled participant with a stored embedding.
type Candidate struct {
	ParticipantID int64
	Embedding     []float32
}

// Source supplies stored embeddings. Embedding returns nil, nil for a
// participant that exists but has no stored embedding.
type Source interface {
	Embedding(ctx context.Context, participantID int64) ([]float32, error)
	Enrolled(ctx context.Context) ([]Candidate, error)
}

// NearestSearcher is implemented by sources that can run the population
// search themselves (pgvector). Ties must resolve to the lowest participant id.
type NearestSearcher interface {
	Nearest(ctx context.Context, query []float32, metric Metric) (Candidate, float64, bool, error)
}

// Strategy pairs a distance metric with its acceptance threshold. Thresholds
// only make sense for the embedding model they were tuned on.
type Strategy struct {
	Name       string
	Metric     Metric
	Threshold  float64
	Dimensions int
}

// Validate checks that the strategy is usable.
func (s Strategy) Validate() error {
	if _, err := s.Metric.Func(); err != nil {
		return err
	}
	if s.Threshold <= 0 {
		return fmt.Errorf("profile %q: threshold must be positive", s.Name)
	}
	if s.Dimensions < 0 {
		return fmt.Errorf("profile %q: negative dimensions", s.Name)
	}
	return nil
}

// Accepts reports whether distance is within the threshold (inclusive).
func (s Strategy) Accepts(distance float64) bool {
	return distance <= s.Threshold
}

// Scope restricts the search space.
type Scope struct {
	participantID int64
	self          bool
}

// Self restricts the search to a single participant.
func Self(participantID int64) Scope {
	return Scope{participantID: participantID, self: true}
}

// Population searches every participant with a stored embedding.
func Population() Scope {
	return Scope{}
}

// IsSelf reports whether the scope is a single participant.
func (s Scope) IsSelf() bool { return s.self }

// Match is an accepted resolution.
type Match struct {
	ParticipantID int64
	Distance      float64
}

// Resolver finds the nearest stored embedding and applies the strategy threshold.
type Resolver struct {
	source   Source
	strategy Strategy
	distance DistanceFunc
}

// NewResolver builds a resolver. The strategy must be valid.
func NewResolver(source Source, strategy Strategy) (*Resolver, error) {
	if err := strategy.Validate(); err != nil {
		return nil, err
	}
	fn, _ := strategy.Metric.Func()
	return &Resolver{source: source, strategy: strategy, distance: fn}, nil
}

// Strategy returns the active strategy.
func (r *Resolver) Strategy() Strategy { return r.strategy }

// Resolve returns the nearest participant within scope, or an
// apperr.ErrNoIdentityMatch error when nothing is close enough.
// The distance of the nearest candidate is returned even on a threshold miss.
func (r *Resolver) Resolve(ctx context.Context, query []float32, scope Scope) (Match, error) {
	var (
		best  Candidate
		dist  float64
		found bool
		err   error
	)
	if scope.self {
		best, dist, found, err = r.resolveSelf(ctx, query, scope.participantID)
	} else {
		best, dist, found, err = r.resolvePopulation(ctx, query)
	}
	if err != nil {
		return Match{}, err
	}
	if !found {
		if scope.self {
			return Match{}, apperr.New(apperr.KindNoIdentityMatch, "no face registered for this participant")
		}
		return Match{}, apperr.New(apperr.KindNoIdentityMatch, "no participants with a registered face")
	}

	m := Match{ParticipantID: best.ParticipantID, Distance: dist}
	if !r.strategy.Accepts(dist) {
		return m, apperr.New(apperr.KindNoIdentityMatch,
			fmt.Sprintf("face did not match (distance %.4f above threshold %.4f)", dist, r.strategy.Threshold))
	}
	return m, nil
}

func (r *Resolver) resolveSelf(ctx context.Context, query []float32, id int64) (Candidate, float64, bool, error) {
	emb, err := r.source.Embedding(ctx, id)
	if err != nil {
		return Candidate{}, 0, false, err
	}
	if len(emb) == 0 {
		return Candidate{}, 0, false, nil
	}
	return Candidate{ParticipantID: id, Embedding: emb}, r.distance(query, emb), true, nil
}

func (r *Resolver) resolvePopulation(ctx context.Context, query []float32) (Candidate, float64, bool, error) {
	if ns, ok := r.source.(NearestSearcher); ok {
		return ns.Nearest(ctx, query, r.strategy.Metric)
	}

	candidates, err := r.source.Enrolled(ctx)
	if err != nil {
		return Candidate{}, 0, false, err
	}
	best, dist, found := Nearest(query, candidates, r.distance)
	return best, dist, found, nil
}

// Nearest scans candidates for the minimum distance. Equal distances resolve
// to the lowest participant id so results do not depend on input order.
func Nearest(query []float32, candidates []Candidate, fn DistanceFunc) (Candidate, float64, bool) {
	var (
		best  Candidate
		bestD float64
		found bool
	)
	for _, c := range candidates {
		if len(c.Embedding) == 0 {
			continue
		}
		d := fn(query, c.Embedding)
		if !found || d < bestD || (d == bestD && c.ParticipantID < best.ParticipantID) {
			best, bestD, found = c, d, true
		}
	}
	return best, bestD, found
}
