package memory

import (
	"context"

	"github.com/xenking/gift-voucher/internal/artifact"
)

var _ artifact.Store = (*Artifacts)(nil)

// Artifacts keeps every rendered document per order.
type Artifacts struct {
	db *DB
}

func (s *Artifacts) Save(_ context.Context, a *artifact.Artifact) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	c := *a
	c.PDF = append([]byte(nil), a.PDF...)
	c.View = nil
	s.db.artifacts[a.OrderID] = append(s.db.artifacts[a.OrderID], &c)
	return nil
}

func (s *Artifacts) Latest(_ context.Context, orderID string) (*artifact.Artifact, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	list := s.db.artifacts[orderID]
	if len(list) == 0 {
		return nil, artifact.ErrNotFound
	}
	c := *list[len(list)-1]
	return &c, nil
}
