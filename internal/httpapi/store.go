package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
)

// Request is the stored form of a help request; it marshals to the wire shape.
type Request struct {
	ID         string    `json:"id"`
	Title      string    `json:"title"`
	Details    string    `json:"details"`
	TipAmount  *float64  `json:"tipAmount,omitempty"`
	Lat        float64   `json:"lat"`
	Lng        float64   `json:"lng"`
	IsActive   bool      `json:"isActive"`
	HelperName *string   `json:"helperName,omitempty"`
	Rating     *int      `json:"rating,omitempty"`
	CreatorID  string    `json:"creatorId"`
	CreatedAt  time.Time `json:"-"`
}

type CreateInput struct {
	Title     string   `json:"title"`
	Details   string   `json:"details"`
	TipAmount *float64 `json:"tipAmount"`
	Lat       *float64 `json:"lat"`
	Lng       *float64 `json:"lng"`
	CreatorID string   `json:"creatorId"`
}

// Store keeps live requests in creation order. Deleted requests are gone.
type Store struct {
	mu    sync.RWMutex
	order []string
	byID  map[string]Request
	newID func() string
	now   func() time.Time
}

func NewStore() *Store {
	return &Store{
		byID:  map[string]Request{},
		newID: uuid.NewString,
		now:   time.Now,
	}
}

func (s *Store) List() []Request {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Request, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.byID[id])
	}
	return out
}

func (s *Store) Get(id string) (Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.byID[id]
	if !ok {
		return Request{}, ErrNotFound
	}
	return r, nil
}

func (s *Store) Create(in CreateInput) (Request, error) {
	if in.Lat == nil || in.Lng == nil {
		return Request{}, fmt.Errorf("%w: lat and lng are required", ErrInvalidInput)
	}
	if !validCoordinate(*in.Lat, *in.Lng) {
		return Request{}, fmt.Errorf("%w: coordinate out of range", ErrInvalidInput)
	}
	if in.TipAmount != nil && (*in.TipAmount < 0 || math.IsNaN(*in.TipAmount)) {
		return Request{}, fmt.Errorf("%w: tipAmount must not be negative", ErrInvalidInput)
	}
	creator := strings.TrimSpace(in.CreatorID)
	if creator == "" {
		creator = "unknown"
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	r := Request{
		ID:        s.newID(),
		Title:     in.Title,
		Details:   in.Details,
		TipAmount: in.TipAmount,
		Lat:       *in.Lat,
		Lng:       *in.Lng,
		IsActive:  true,
		CreatorID: creator,
		CreatedAt: s.now().UTC(),
	}
	s.byID[r.ID] = r
	s.order = append(s.order, r.ID)
	return r, nil
}

// Update applies a partial field map. Fields outside the mutable set are
// rejected so a typo does not pass silently.
func (s *Store) Update(id string, patch map[string]json.RawMessage) (Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.byID[id]
	if !ok {
		return Request{}, ErrNotFound
	}
	for field, raw := range patch {
		if err := applyField(&r, field, raw); err != nil {
			return Request{}, err
		}
	}
	s.byID[id] = r
	return r, nil
}

// Delete reports whether the request existed.
func (s *Store) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[id]; !ok {
		return false
	}
	delete(s.byID, id)
	for i, existing := range s.order {
		if existing == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return true
}

func applyField(r *Request, field string, raw json.RawMessage) error {
	isNull := strings.TrimSpace(string(raw)) == "null"
	invalid := func(reason string) error {
		return fmt.Errorf("%w: %s %s", ErrInvalidInput, field, reason)
	}
	switch field {
	case "title":
		return decodeField(raw, &r.Title, invalid)
	case "details":
		return decodeField(raw, &r.Details, invalid)
	case "isActive":
		return decodeField(raw, &r.IsActive, invalid)
	case "tipAmount":
		if isNull {
			r.TipAmount = nil
			return nil
		}
		var tip float64
		if err := decodeField(raw, &tip, invalid); err != nil {
			return err
		}
		if tip < 0 {
			return invalid("must not be negative")
		}
		r.TipAmount = &tip
	case "helperName":
		if isNull {
			r.HelperName = nil
			return nil
		}
		var name string
		if err := decodeField(raw, &name, invalid); err != nil {
			return err
		}
		r.HelperName = &name
	case "rating":
		if isNull {
			r.Rating = nil
			return nil
		}
		var rating int
		if err := decodeField(raw, &rating, invalid); err != nil {
			return err
		}
		if rating < 1 || rating > 5 {
			return invalid("must be between 1 and 5")
		}
		r.Rating = &rating
	default:
		return invalid("is not an updatable field")
	}
	return nil
}

func decodeField(raw json.RawMessage, dst any, invalid func(string) error) error {
	if err := json.Unmarshal(raw, dst); err != nil {
		return invalid("has the wrong type")
	}
	return nil
}

func validCoordinate(lat, lng float64) bool {
	if math.IsNaN(lat) || math.IsNaN(lng) {
		return false
	}
	return lat >= -90 && lat <= 90 && lng >= -180 && lng <= 180
}
