package helpsync

import (
	"bytes"
	"encoding/json"
	"math"
	"strings"
)

// wireRequest is the JSON shape exchanged with the backing service. The
// optional fields stay raw so a bad value in one of them costs only that
// field, not the row.
type wireRequest struct {
	ID         string          `json:"id"`
	Title      string          `json:"title"`
	Details    string          `json:"details"`
	TipAmount  json.RawMessage `json:"tipAmount,omitempty"`
	Lat        float64         `json:"lat"`
	Lng        float64         `json:"lng"`
	IsActive   bool            `json:"isActive"`
	HelperName json.RawMessage `json:"helperName,omitempty"`
	Rating     json.RawMessage `json:"rating,omitempty"`
	CreatorID  json.RawMessage `json:"creatorId,omitempty"`
}

type createBody struct {
	Title     string   `json:"title"`
	Details   string   `json:"details"`
	TipAmount *float64 `json:"tipAmount,omitempty"`
	Lat       float64  `json:"lat"`
	Lng       float64  `json:"lng"`
	CreatorID string   `json:"creatorId"`
}

func (w wireRequest) toRequest() HelpRequest {
	creator := unknownCreator
	if id := optionalString(w.CreatorID); id != nil && strings.TrimSpace(*id) != "" {
		creator = *id
	}
	var tip *float64
	if v := optionalNumber(w.TipAmount); v != nil && *v >= 0 {
		tip = v
	}
	var rating *int
	if v := optionalNumber(w.Rating); v != nil && *v == math.Trunc(*v) && *v >= 1 && *v <= 5 {
		r := int(*v)
		rating = &r
	}
	return HelpRequest{
		ID:         w.ID,
		Title:      w.Title,
		Details:    w.Details,
		TipAmount:  tip,
		Location:   Coordinate{Latitude: w.Lat, Longitude: w.Lng},
		IsActive:   w.IsActive,
		HelperName: optionalString(w.HelperName),
		Rating:     rating,
		CreatorID:  creator,
	}.consistent()
}

// optionalNumber and optionalString return nil for a missing, null or
// mistyped value.
func optionalNumber(raw json.RawMessage) *float64 {
	if isNull(raw) {
		return nil
	}
	var v float64
	if err := json.Unmarshal(raw, &v); err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

func optionalString(raw json.RawMessage) *string {
	if isNull(raw) {
		return nil
	}
	var v string
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil
	}
	return &v
}

func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

func newCreateBody(d Draft) createBody {
	var loc Coordinate
	if d.Location != nil {
		loc = *d.Location
	}
	return createBody{
		Title:     d.Title,
		Details:   d.Details,
		TipAmount: d.TipAmount,
		Lat:       loc.Latitude,
		Lng:       loc.Longitude,
		CreatorID: d.CreatorID,
	}
}
