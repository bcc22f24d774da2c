package catalog

import (
	"fmt"
	"sort"
)

// DuplicatePolicy decides what Add does with an ID that is already present.
type DuplicatePolicy string

const (
	DuplicateReject DuplicatePolicy = "reject"
	DuplicateUpsert DuplicatePolicy = "upsert"
)

// ParseDuplicatePolicy maps a config value to a policy. Empty means reject.
func ParseDuplicatePolicy(s string) (DuplicatePolicy, error) {
	switch DuplicatePolicy(s) {
	case "", DuplicateReject:
		return DuplicateReject, nil
	case DuplicateUpsert:
		return DuplicateUpsert, nil
	}
	return "", fmt.Errorf("unknown duplicate policy %q", s)
}

// Catalog is the single in-memory source of truth for vaccine and vitamin
// reference data and stock. Files are only a load/save boundary.
//
// Catalog is not safe for concurrent use.
type Catalog struct {
	policy   DuplicatePolicy
	vaccines map[int]Vaccine
	vitamins map[int]Vitamin
}

func New(policy DuplicatePolicy) *Catalog {
	if policy == "" {
		policy = DuplicateReject
	}
	return &Catalog{
		policy:   policy,
		vaccines: make(map[int]Vaccine),
		vitamins: make(map[int]Vitamin),
	}
}

func (c *Catalog) Policy() DuplicatePolicy { return c.policy }

// -- Vaccines --

func (c *Catalog) AddVaccine(v Vaccine) error {
	if err := v.Validate(); err != nil {
		return err
	}
	if _, ok := c.vaccines[v.ID]; ok && c.policy == DuplicateReject {
		return fmt.Errorf("%w: vaccine %d", ErrDuplicateItem, v.ID)
	}
	c.vaccines[v.ID] = cloneVaccine(v)
	return nil
}

// PutVaccine replaces an existing vaccine regardless of policy.
func (c *Catalog) PutVaccine(v Vaccine) error {
	if err := v.Validate(); err != nil {
		return err
	}
	if _, ok := c.vaccines[v.ID]; !ok {
		return fmt.Errorf("%w: vaccine %d", ErrItemNotFound, v.ID)
	}
	c.vaccines[v.ID] = cloneVaccine(v)
	return nil
}

func (c *Catalog) Vaccine(id int) (Vaccine, bool) {
	v, ok := c.vaccines[id]
	if !ok {
		return Vaccine{}, false
	}
	return cloneVaccine(v), true
}

// Vaccines returns every vaccine ordered by ID.
func (c *Catalog) Vaccines() []Vaccine {
	out := make([]Vaccine, 0, len(c.vaccines))
	for _, v := range c.vaccines {
		out = append(out, cloneVaccine(v))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (c *Catalog) RemoveVaccine(id int) error {
	if _, ok := c.vaccines[id]; !ok {
		return fmt.Errorf("%w: vaccine %d", ErrItemNotFound, id)
	}
	delete(c.vaccines, id)
	return nil
}

// -- Vitamins --

func (c *Catalog) AddVitamin(v Vitamin) error {
	if err := v.Validate(); err != nil {
		return err
	}
	if _, ok := c.vitamins[v.ID]; ok && c.policy == DuplicateReject {
		return fmt.Errorf("%w: vitamin %d", ErrDuplicateItem, v.ID)
	}
	c.vitamins[v.ID] = cloneVitamin(v)
	return nil
}

func (c *Catalog) PutVitamin(v Vitamin) error {
	if err := v.Validate(); err != nil {
		return err
	}
	if _, ok := c.vitamins[v.ID]; !ok {
		return fmt.Errorf("%w: vitamin %d", ErrItemNotFound, v.ID)
	}
	c.vitamins[v.ID] = cloneVitamin(v)
	return nil
}

func (c *Catalog) Vitamin(id int) (Vitamin, bool) {
	v, ok := c.vitamins[id]
	if !ok {
		return Vitamin{}, false
	}
	return cloneVitamin(v), true
}

func (c *Catalog) Vitamins() []Vitamin {
	out := make([]Vitamin, 0, len(c.vitamins))
	for _, v := range c.vitamins {
		out = append(out, cloneVitamin(v))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (c *Catalog) RemoveVitamin(id int) error {
	if _, ok := c.vitamins[id]; !ok {
		return fmt.Errorf("%w: vitamin %d", ErrItemNotFound, id)
	}
	delete(c.vitamins, id)
	return nil
}

// -- Stock --

// Restock adds amount units to an item and returns the new level.
func (c *Catalog) Restock(key Key, amount int) (int, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("%w: restock amount must be positive", ErrInvalidItem)
	}
	return c.adjustStock(key, amount)
}

// Consume takes n units out of stock. The level never drops below zero; the
// returned bool is false when stock was insufficient.
func (c *Catalog) Consume(key Key, n int) (int, bool, error) {
	level, err := c.stock(key)
	if err != nil {
		return 0, false, err
	}
	if level < n {
		left, err := c.adjustStock(key, -level)
		return left, false, err
	}
	left, err := c.adjustStock(key, -n)
	return left, true, err
}

func (c *Catalog) stock(key Key) (int, error) {
	switch key.Kind {
	case KindVaccine:
		if v, ok := c.vaccines[key.ID]; ok {
			return v.Stock, nil
		}
	case KindVitamin:
		if v, ok := c.vitamins[key.ID]; ok {
			return v.Stock, nil
		}
	}
	return 0, fmt.Errorf("%w: %s", ErrItemNotFound, key)
}

func (c *Catalog) adjustStock(key Key, delta int) (int, error) {
	switch key.Kind {
	case KindVaccine:
		v, ok := c.vaccines[key.ID]
		if !ok {
			break
		}
		v.Stock += delta
		c.vaccines[key.ID] = v
		return v.Stock, nil
	case KindVitamin:
		v, ok := c.vitamins[key.ID]
		if !ok {
			break
		}
		v.Stock += delta
		c.vitamins[key.ID] = v
		return v.Stock, nil
	}
	return 0, fmt.Errorf("%w: %s", ErrItemNotFound, key)
}

// Items lists both kinds as the shared Item interface, vaccines first.
func (c *Catalog) Items() []Item {
	items := make([]Item, 0, len(c.vaccines)+len(c.vitamins))
	for _, v := range c.Vaccines() {
		items = append(items, v)
	}
	for _, v := range c.Vitamins() {
		items = append(items, v)
	}
	return items
}

func cloneVaccine(v Vaccine) Vaccine {
	if v.Treats != nil {
		v.Treats = append([]string(nil), v.Treats...)
	}
	return v
}

func cloneVitamin(v Vitamin) Vitamin {
	if v.Treats != nil {
		v.Treats = append([]string(nil), v.Treats...)
	}
	return v
}
