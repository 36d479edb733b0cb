package patient

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// MemoryDirectory is an in-process Directory, seeded at startup.
type MemoryDirectory struct {
	mu       sync.RWMutex
	patients map[uuid.UUID]*Patient
}

func NewMemoryDirectory(seed ...*Patient) *MemoryDirectory {
	d := &MemoryDirectory{patients: make(map[uuid.UUID]*Patient)}
	for _, p := range seed {
		d.Put(p)
	}
	return d
}

// Put adds or replaces a patient.
func (d *MemoryDirectory) Put(p *Patient) {
	cp := *p
	d.mu.Lock()
	d.patients[p.ID] = &cp
	d.mu.Unlock()
}

func (d *MemoryDirectory) Get(_ context.Context, id uuid.UUID) (*Patient, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.patients[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (d *MemoryDirectory) List(_ context.Context, limit, offset int) ([]*Patient, int, error) {
	d.mu.RLock()
	all := make([]*Patient, 0, len(d.patients))
	for _, p := range d.patients {
		cp := *p
		all = append(all, &cp)
	}
	d.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		if all[i].DisplayName != all[j].DisplayName {
			return all[i].DisplayName < all[j].DisplayName
		}
		return all[i].ID.String() < all[j].ID.String()
	})

	total := len(all)
	if offset >= total {
		return []*Patient{}, total, nil
	}
	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}
	return all[offset:end], total, nil
}
