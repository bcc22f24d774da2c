package catalog

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// Persister writes the whole catalog back to its backing files.
type Persister interface {
	Save(ctx context.Context, cat *Catalog) error
}

// Service guards a Catalog with a mutex and writes every change through to
// the Persister. A failed save rolls the in-memory change back.
type Service struct {
	mu     sync.Mutex
	cat    *Catalog
	store  Persister
	logger zerolog.Logger
}

func NewService(cat *Catalog, store Persister, logger zerolog.Logger) *Service {
	return &Service{cat: cat, store: store, logger: logger}
}

func (s *Service) mutate(ctx context.Context, apply func() error, undo func()) error {
	if err := apply(); err != nil {
		return err
	}
	if s.store == nil {
		return nil
	}
	if err := s.store.Save(ctx, s.cat); err != nil {
		undo()
		s.logger.Error().Err(err).Msg("catalog save failed, change rolled back")
		return fmt.Errorf("save catalog: %w", err)
	}
	return nil
}

func (s *Service) Policy() DuplicatePolicy {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cat.Policy()
}

// -- Vaccines --

func (s *Service) AddVaccine(ctx context.Context, v Vaccine) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, existed := s.cat.Vaccine(v.ID)
	return s.mutate(ctx,
		func() error { return s.cat.AddVaccine(v) },
		func() {
			if existed {
				s.cat.PutVaccine(prev)
			} else {
				s.cat.RemoveVaccine(v.ID)
			}
		})
}

func (s *Service) UpdateVaccine(ctx context.Context, v Vaccine) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, _ := s.cat.Vaccine(v.ID)
	return s.mutate(ctx,
		func() error { return s.cat.PutVaccine(v) },
		func() { s.cat.PutVaccine(prev) })
}

func (s *Service) DeleteVaccine(ctx context.Context, id int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, _ := s.cat.Vaccine(id)
	return s.mutate(ctx,
		func() error { return s.cat.RemoveVaccine(id) },
		func() { s.cat.AddVaccine(prev) })
}

func (s *Service) GetVaccine(id int) (Vaccine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.cat.Vaccine(id)
	if !ok {
		return Vaccine{}, fmt.Errorf("%w: vaccine %d", ErrItemNotFound, id)
	}
	return v, nil
}

func (s *Service) ListVaccines() []Vaccine {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cat.Vaccines()
}

// -- Vitamins --

func (s *Service) AddVitamin(ctx context.Context, v Vitamin) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, existed := s.cat.Vitamin(v.ID)
	return s.mutate(ctx,
		func() error { return s.cat.AddVitamin(v) },
		func() {
			if existed {
				s.cat.PutVitamin(prev)
			} else {
				s.cat.RemoveVitamin(v.ID)
			}
		})
}

func (s *Service) UpdateVitamin(ctx context.Context, v Vitamin) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, _ := s.cat.Vitamin(v.ID)
	return s.mutate(ctx,
		func() error { return s.cat.PutVitamin(v) },
		func() { s.cat.PutVitamin(prev) })
}

func (s *Service) DeleteVitamin(ctx context.Context, id int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, _ := s.cat.Vitamin(id)
	return s.mutate(ctx,
		func() error { return s.cat.RemoveVitamin(id) },
		func() { s.cat.AddVitamin(prev) })
}

func (s *Service) GetVitamin(id int) (Vitamin, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.cat.Vitamin(id)
	if !ok {
		return Vitamin{}, fmt.Errorf("%w: vitamin %d", ErrItemNotFound, id)
	}
	return v, nil
}

func (s *Service) ListVitamins() []Vitamin {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cat.Vitamins()
}

// -- Stock --

func (s *Service) Restock(ctx context.Context, key Key, amount int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var level int
	err := s.mutate(ctx,
		func() error {
			var err error
			level, err = s.cat.Restock(key, amount)
			return err
		},
		func() { s.cat.adjustStock(key, -amount) })
	if err != nil {
		return 0, err
	}
	s.logger.Info().Str("item", key.String()).Int("amount", amount).Int("stock", level).Msg("restocked")
	return level, nil
}

// StockChange is the stock level of one item around a draw.
type StockChange struct {
	Before int
	After  int
}

// Exhausted reports whether this draw took the last units.
func (c StockChange) Exhausted() bool { return c.Before > 0 && c.After == 0 }

// Consume removes administered units from stock. Running out is logged, not
// refused: the dose has already been given.
func (s *Service) Consume(ctx context.Context, key Key, n int) (StockChange, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	before, err := s.cat.stock(key)
	if err != nil {
		return StockChange{}, err
	}
	var (
		level      int
		sufficient bool
	)
	err = s.mutate(ctx,
		func() error {
			var err error
			level, sufficient, err = s.cat.Consume(key, n)
			return err
		},
		func() { s.cat.adjustStock(key, before-level) })
	if err != nil {
		return StockChange{}, err
	}
	if !sufficient {
		s.logger.Warn().Str("item", key.String()).Int("requested", n).Int("had", before).Msg("stock exhausted")
	}
	return StockChange{Before: before, After: level}, nil
}

// Items returns a snapshot of every entry, vaccines first.
func (s *Service) Items() []Item {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cat.Items()
}

// Save forces a write of the current catalog.
func (s *Service) Save(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.store == nil {
		return nil
	}
	return s.store.Save(ctx, s.cat)
}
