package helpsync

import (
	"math"
	"strings"
)

const (
	defaultTitle      = "Help needed"
	defaultHelperName = "Neighbor"
	unknownCreator    = "unknown"
)

// Coordinate is a WGS84 latitude/longitude pair.
type Coordinate struct {
	Latitude  float64 `json:"lat"`
	Longitude float64 `json:"lng"`
}

// HelpRequest is one request for help. ID is the only identity: two values
// with the same ID describe the same request even if their fields differ.
type HelpRequest struct {
	ID         string     `json:"id"`
	Title      string     `json:"title"`
	Details    string     `json:"details"`
	TipAmount  *float64   `json:"tipAmount,omitempty"`
	Location   Coordinate `json:"location"`
	IsActive   bool       `json:"isActive"`
	HelperName *string    `json:"helperName,omitempty"`
	Rating     *int       `json:"rating,omitempty"`
	CreatorID  string     `json:"creatorId"`
	IsDemo     bool       `json:"isDemo,omitempty"`
}

// Clone returns a copy that shares no pointers with r.
func (r HelpRequest) Clone() HelpRequest {
	out := r
	if r.TipAmount != nil {
		tip := *r.TipAmount
		out.TipAmount = &tip
	}
	if r.HelperName != nil {
		name := *r.HelperName
		out.HelperName = &name
	}
	if r.Rating != nil {
		rating := *r.Rating
		out.Rating = &rating
	}
	return out
}

// consistent drops a rating that is not backed by a closed request with a
// helper, so a rated request is always inactive and named.
func (r HelpRequest) consistent() HelpRequest {
	if r.Rating != nil && (r.IsActive || r.HelperName == nil) {
		r.Rating = nil
	}
	return r
}

// Completed reports whether the request reached its terminal state through
// completion rather than cancellation.
func (r HelpRequest) Completed() bool {
	return !r.IsActive && r.HelperName != nil && r.Rating != nil
}

// Draft is what the local user submits when posting a new request. A nil
// Location means the device position is not known yet.
type Draft struct {
	Title     string
	Details   string
	TipAmount *float64
	Location  *Coordinate
	CreatorID string
}

// Field names accepted by the partial update endpoint.
const (
	FieldTitle      = "title"
	FieldDetails    = "details"
	FieldTipAmount  = "tipAmount"
	FieldIsActive   = "isActive"
	FieldHelperName = "helperName"
	FieldRating     = "rating"
)

// Fields is a partial update keyed by wire field name.
type Fields map[string]any

func normalizeTitle(title string) string {
	title = strings.TrimSpace(title)
	if title == "" {
		return defaultTitle
	}
	return title
}

func normalizeHelperName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return defaultHelperName
	}
	return name
}

func validCoordinate(c Coordinate) bool {
	if math.IsNaN(c.Latitude) || math.IsNaN(c.Longitude) {
		return false
	}
	return c.Latitude >= -90 && c.Latitude <= 90 && c.Longitude >= -180 && c.Longitude <= 180
}
