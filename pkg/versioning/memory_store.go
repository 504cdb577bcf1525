package versioning

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu       sync.RWMutex
	versions map[string]*PolicyVersion
	pins     map[string]*Pin
	now      func() time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		versions: make(map[string]*PolicyVersion),
		pins:     make(map[string]*Pin),
		now:      time.Now,
	}
}

func (s *MemoryStore) NextVersionNumber(ctx context.Context, projectID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	highest := 0
	for _, v := range s.versions {
		if v.ProjectID == projectID && v.Version > highest {
			highest = v.Version
		}
	}
	return highest + 1, nil
}

func (s *MemoryStore) Save(ctx context.Context, v *PolicyVersion) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if v.ID == "" {
		v.ID = uuid.New().String()
	} else if _, exists := s.versions[v.ID]; exists {
		return "", fmt.Errorf("save %s: %w", v.ID, ErrImmutable)
	}
	for _, existing := range s.versions {
		if existing.ProjectID == v.ProjectID && existing.Version == v.Version {
			return "", fmt.Errorf("save %s v%d: %w", v.ProjectID, v.Version, ErrVersionConflict)
		}
	}

	if v.IsActive {
		v.IsPublished = true
		s.deactivateLocked(v.ProjectID)
	}
	s.versions[v.ID] = cloneVersion(v)
	return v.ID, nil
}

// cloneVersion deep-copies a version so callers never share the stored
// policy or snapshot.
func cloneVersion(v *PolicyVersion) *PolicyVersion {
	out := *v
	out.Policy = v.Policy.Clone()
	out.GraphSnapshot = v.GraphSnapshot.Clone()
	return &out
}

func (s *MemoryStore) deactivateLocked(projectID string) {
	for _, existing := range s.versions {
		if existing.ProjectID == projectID {
			existing.IsActive = false
		}
	}
}

func (s *MemoryStore) Get(ctx context.Context, versionID string) (*PolicyVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.versions[versionID]
	if !ok {
		return nil, fmt.Errorf("version %s: %w", versionID, ErrNotFound)
	}
	return cloneVersion(v), nil
}

func (s *MemoryStore) GetByNumber(ctx context.Context, projectID string, version int) (*PolicyVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, v := range s.versions {
		if v.ProjectID == projectID && v.Version == version {
			return cloneVersion(v), nil
		}
	}
	return nil, fmt.Errorf("version %s v%d: %w", projectID, version, ErrNotFound)
}

func (s *MemoryStore) ListVersions(ctx context.Context, projectID string) ([]*PolicyVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*PolicyVersion, 0)
	for _, v := range s.versions {
		if v.ProjectID == projectID {
			out = append(out, cloneVersion(v))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

func (s *MemoryStore) GetActive(ctx context.Context, projectID string) (*PolicyVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, v := range s.versions {
		if v.ProjectID == projectID && v.IsActive {
			return cloneVersion(v), nil
		}
	}
	return nil, fmt.Errorf("active version for %s: %w", projectID, ErrNotFound)
}

func (s *MemoryStore) Activate(ctx context.Context, versionID string) (*PolicyVersion, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.versions[versionID]
	if !ok {
		return nil, fmt.Errorf("version %s: %w", versionID, ErrNotFound)
	}
	s.deactivateLocked(v.ProjectID)
	v.IsActive = true
	v.IsPublished = true
	return cloneVersion(v), nil
}

func (s *MemoryStore) Pin(ctx context.Context, pin Pin) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.versions[pin.VersionID]; !ok {
		return fmt.Errorf("pin %s: version %s: %w", pin.WorkItemID, pin.VersionID, ErrNotFound)
	}
	if _, ok := s.pins[pin.WorkItemID]; ok {
		return fmt.Errorf("pin %s: %w", pin.WorkItemID, ErrPinConflict)
	}
	if pin.PinnedAt.IsZero() {
		pin.PinnedAt = s.now().UTC()
	}
	s.pins[pin.WorkItemID] = &pin
	return nil
}

func (s *MemoryStore) PinStatus(ctx context.Context, workItemID string) (*Pin, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.pins[workItemID]
	if !ok {
		return nil, fmt.Errorf("pin %s: %w", workItemID, ErrNotFound)
	}
	out := *p
	return &out, nil
}

func (s *MemoryStore) UpdatePin(ctx context.Context, workItemID, fromVersionID, toVersionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.versions[toVersionID]; !ok {
		return fmt.Errorf("rebind %s: version %s: %w", workItemID, toVersionID, ErrNotFound)
	}
	p, ok := s.pins[workItemID]
	if !ok {
		return fmt.Errorf("rebind %s: %w", workItemID, ErrNotFound)
	}
	if p.VersionID != fromVersionID {
		return fmt.Errorf("rebind %s: pinned to %s, not %s: %w", workItemID, p.VersionID, fromVersionID, ErrVersionConflict)
	}
	p.VersionID = toVersionID
	p.PinnedAt = s.now().UTC()
	return nil
}
