package localstate

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

const DeclinedIDsKey = "com.commonground.declinedIds"

// SuppressionStore is the persisted set of request ids the local user has
// declined. Membership lives in memory; every change is written through.
// Changes whose write failed are kept in unsaved and survive Reload until a
// later write succeeds.
type SuppressionStore struct {
	backend Backend
	logger  logrus.FieldLogger

	// writeMu serializes changes and backend I/O; mu only guards the maps,
	// so lookups never wait on storage.
	writeMu sync.Mutex
	mu      sync.RWMutex
	ids     map[string]struct{}
	unsaved map[string]bool
}

func NewSuppressionStore(backend Backend, logger logrus.FieldLogger) (*SuppressionStore, error) {
	if backend == nil {
		backend = NewMemoryBackend()
	}
	s := &SuppressionStore{
		backend: backend,
		logger:  orDiscard(logger),
		ids:     map[string]struct{}{},
		unsaved: map[string]bool{},
	}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SuppressionStore) IsSuppressed(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.ids[id]
	return ok
}

// Suppress adds id to the set. Adding an id that is already present does not
// touch the backend. On a write failure the id stays suppressed for this
// session and the error is returned.
func (s *SuppressionStore) Suppress(id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return ErrInvalidInput
	}
	return s.change(id, true)
}

func (s *SuppressionStore) Unsuppress(id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return ErrInvalidInput
	}
	return s.change(id, false)
}

func (s *SuppressionStore) change(id string, hide bool) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	if _, ok := s.ids[id]; ok == hide {
		s.mu.Unlock()
		return nil
	}
	if hide {
		s.ids[id] = struct{}{}
	} else {
		delete(s.ids, id)
	}
	s.unsaved[id] = hide
	snapshot := sortedIDs(s.ids)
	s.mu.Unlock()

	return s.persist(snapshot)
}

// IDs returns the suppressed ids in sorted order.
func (s *SuppressionStore) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedIDs(s.ids)
}

func (s *SuppressionStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.ids)
}

// Reload replaces the in-memory set with the backend's copy, then reapplies
// changes that never reached the backend.
func (s *SuppressionStore) Reload() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	raw, ok, err := s.backend.Get(DeclinedIDsKey)
	if err != nil {
		return fmt.Errorf("load declined ids: %w", err)
	}
	ids := map[string]struct{}{}
	if ok {
		var stored []string
		if err := json.Unmarshal(raw, &stored); err != nil {
			return fmt.Errorf("decode declined ids: %w", err)
		}
		for _, id := range stored {
			if id = strings.TrimSpace(id); id != "" {
				ids[id] = struct{}{}
			}
		}
	}
	s.mu.Lock()
	for id, hide := range s.unsaved {
		if hide {
			ids[id] = struct{}{}
		} else {
			delete(ids, id)
		}
	}
	s.ids = ids
	unsaved := len(s.unsaved)
	s.mu.Unlock()
	s.logger.WithFields(logrus.Fields{"count": len(ids), "unsaved": unsaved}).Debug("declined ids loaded")
	return nil
}

// persist writes the whole set; on success every earlier change is on disk.
func (s *SuppressionStore) persist(snapshot []string) error {
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	if err := s.backend.Put(DeclinedIDsKey, payload); err != nil {
		s.logger.WithError(err).Error("failed to persist declined ids")
		return fmt.Errorf("persist declined ids: %w", err)
	}
	s.mu.Lock()
	s.unsaved = map[string]bool{}
	s.mu.Unlock()
	return nil
}

func sortedIDs(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
