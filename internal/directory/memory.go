package directory

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strconv"
	"sync"

	"gopkg.in/yaml.v3"

	"presence/internal/apperr"
	"presence/internal/identity"
)

// Memory is an in-process directory for development and tests.
type Memory struct {
	mu           sync.RWMutex
	participants map[int64]Participant
	subjects     map[int64]int64 // subject -> batch
	batches      map[int64]bool
}

// NewMemory creates an empty directory.
func NewMemory() *Memory {
	return &Memory{
		participants: make(map[int64]Participant),
		subjects:     make(map[int64]int64),
		batches:      make(map[int64]bool),
	}
}

// PutBatch registers a batch.
func (m *Memory) PutBatch(id int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches[id] = true
}

// PutSubject registers a subject under batchID, creating the batch if needed.
func (m *Memory) PutSubject(id, batchID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches[batchID] = true
	m.subjects[id] = batchID
}

// PutParticipant stores a copy of p.
func (m *Memory) PutParticipant(p Participant) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.Embedding != nil {
		p.Embedding = append([]float32(nil), p.Embedding...)
	}
	m.participants[p.ID] = p
}

func (m *Memory) Participant(_ context.Context, id int64) (Participant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.participants[id]
	if !ok {
		return Participant{}, errParticipantNotFound
	}
	return p, nil
}

func (m *Memory) Embedding(ctx context.Context, id int64) ([]float32, error) {
	p, err := m.Participant(ctx, id)
	if err != nil {
		return nil, err
	}
	return p.Embedding, nil
}

func (m *Memory) Enrolled(context.Context) ([]identity.Candidate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]identity.Candidate, 0, len(m.participants))
	for _, p := range m.participants {
		if len(p.Embedding) == 0 {
			continue
		}
		out = append(out, identity.Candidate{ParticipantID: p.ID, Embedding: p.Embedding})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ParticipantID < out[j].ParticipantID })
	return out, nil
}

func (m *Memory) SubjectBatch(_ context.Context, subjectID int64) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.subjects[subjectID]
	if !ok {
		return 0, apperr.New(apperr.KindNotFound, "subject not found")
	}
	return b, nil
}

func (m *Memory) BatchExists(_ context.Context, batchID int64) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.batches[batchID], nil
}

type seedFile struct {
	Subjects []struct {
		ID    int64 `yaml:"id"`
		Batch int64 `yaml:"batch"`
	} `yaml:"subjects"`
	Participants []struct {
		ID        int64     `yaml:"id"`
		Role      string    `yaml:"role"`
		Batch     int64     `yaml:"batch"`
		Embedding []float32 `yaml:"embedding"`
		Lat       *float64  `yaml:"lat"`
		Lon       *float64  `yaml:"lon"`
	} `yaml:"participants"`
}

// LoadSeed builds a Memory directory from a YAML seed file.
func LoadSeed(path string) (*Memory, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed: %w", err)
	}
	return ParseSeed(raw)
}

// ParseSeed builds a Memory directory from YAML seed data.
func ParseSeed(raw []byte) (*Memory, error) {
	var seed seedFile
	if err := yaml.Unmarshal(raw, &seed); err != nil {
		return nil, fmt.Errorf("parse seed: %w", err)
	}

	m := NewMemory()
	for _, s := range seed.Subjects {
		m.PutSubject(s.ID, s.Batch)
	}
	for _, p := range seed.Participants {
		if p.ID <= 0 {
			return nil, fmt.Errorf("seed participant with invalid id %d", p.ID)
		}
		pt := Participant{ID: p.ID, Role: Role(p.Role), BatchID: p.Batch, Embedding: p.Embedding}
		if pt.Role == "" {
			pt.Role = RoleStudent
		}
		if p.Lat != nil && p.Lon != nil {
			pt.Latitude = strconv.FormatFloat(*p.Lat, 'f', -1, 64)
			pt.Longitude = strconv.FormatFloat(*p.Lon, 'f', -1, 64)
		}
		if p.Batch != 0 {
			m.PutBatch(p.Batch)
		}
		m.PutParticipant(pt)
	}
	return m, nil
}
