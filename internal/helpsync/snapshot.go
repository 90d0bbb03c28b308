package helpsync

// Snapshot is an immutable view of the visible collection. Err is set when
// the change that produced it was a failed operation; Requests is then the
// unchanged prior collection.
type Snapshot struct {
	Version  uint64
	Requests []HelpRequest
	Err      error
}

func (s Snapshot) Len() int {
	return len(s.Requests)
}

func (s Snapshot) Find(id string) (HelpRequest, bool) {
	for _, r := range s.Requests {
		if r.ID == id {
			return r.Clone(), true
		}
	}
	return HelpRequest{}, false
}

// Active lists open requests in collection order.
func (s Snapshot) Active() []HelpRequest {
	return s.filter(func(r HelpRequest) bool { return r.IsActive })
}

// Finished lists completed or otherwise closed requests in collection order.
func (s Snapshot) Finished() []HelpRequest {
	return s.filter(func(r HelpRequest) bool { return !r.IsActive })
}

func (s Snapshot) filter(keep func(HelpRequest) bool) []HelpRequest {
	out := []HelpRequest{}
	for _, r := range s.Requests {
		if keep(r) {
			out = append(out, r.Clone())
		}
	}
	return out
}

type subscribers struct {
	next  int
	chans map[int]chan Snapshot
}

func (s *subscribers) add(ch chan Snapshot) int {
	if s.chans == nil {
		s.chans = map[int]chan Snapshot{}
	}
	s.next++
	s.chans[s.next] = ch
	return s.next
}

func (s *subscribers) remove(id int) {
	ch, ok := s.chans[id]
	if !ok {
		return
	}
	delete(s.chans, id)
	close(ch)
}

func (s *subscribers) closeAll() {
	for id := range s.chans {
		s.remove(id)
	}
}

// broadcast never blocks: a subscriber that has fallen behind loses its
// oldest pending snapshot so it always ends on the latest one.
func (s *subscribers) broadcast(snap Snapshot) {
	for _, ch := range s.chans {
		deliverLatest(ch, snap)
	}
}

func deliverLatest(ch chan Snapshot, snap Snapshot) {
	select {
	case ch <- snap:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- snap:
	default:
	}
}
