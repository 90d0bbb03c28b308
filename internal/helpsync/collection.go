package helpsync

// collection is the insertion-ordered set of visible requests keyed by ID.
// It is not safe for concurrent use; Manager guards it.
type collection struct {
	order []string
	byID  map[string]HelpRequest
}

func newCollection() *collection {
	return &collection{byID: map[string]HelpRequest{}}
}

func (c *collection) get(id string) (HelpRequest, bool) {
	r, ok := c.byID[id]
	return r, ok
}

func (c *collection) has(id string) bool {
	_, ok := c.byID[id]
	return ok
}

// upsert replaces an existing entry in place or appends a new one.
func (c *collection) upsert(r HelpRequest) {
	if _, ok := c.byID[r.ID]; !ok {
		c.order = append(c.order, r.ID)
	}
	c.byID[r.ID] = r
}

func (c *collection) remove(id string) (HelpRequest, int, bool) {
	r, ok := c.byID[id]
	if !ok {
		return HelpRequest{}, -1, false
	}
	delete(c.byID, id)
	for i, existing := range c.order {
		if existing == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			return r, i, true
		}
	}
	return r, -1, true
}

// insertAt puts r at index, clamped to the current bounds. An existing entry
// with the same ID is replaced where it stands.
func (c *collection) insertAt(index int, r HelpRequest) {
	if c.has(r.ID) {
		c.byID[r.ID] = r
		return
	}
	if index < 0 || index > len(c.order) {
		index = len(c.order)
	}
	c.order = append(c.order, "")
	copy(c.order[index+1:], c.order[index:])
	c.order[index] = r.ID
	c.byID[r.ID] = r
}

func (c *collection) len() int {
	return len(c.order)
}

func (c *collection) list() []HelpRequest {
	out := make([]HelpRequest, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.byID[id].Clone())
	}
	return out
}
