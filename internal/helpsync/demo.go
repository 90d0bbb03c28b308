package helpsync

import "fmt"

var demoCenter = Coordinate{Latitude: 42.8600, Longitude: -90.1790}

type demoSeed struct {
	title   string
	details string
	tip     float64
	dLat    float64
	dLng    float64
	creator string
}

var demoSeeds = []demoSeed{
	{"Groceries from the co-op", "Two bags, I can't carry them up the hill.", 10, 0.0021, -0.0013, "demo_ruth"},
	{"Jump start", "Car battery died in the library lot.", 0, -0.0034, 0.0027, "demo_marcus"},
	{"Move a couch", "Second floor, one flight of stairs.", 25, 0.0048, 0.0041, "demo_lena"},
	{"Walk my dog", "Around the block at 6pm, he is friendly.", 5, -0.0012, -0.0046, "demo_sam"},
}

// SeedDemo adds local-only sample requests around a fixed point. They are
// never sent to the service and survive every refresh.
func (m *Manager) SeedDemo() []HelpRequest {
	m.mu.Lock()
	defer m.mu.Unlock()

	seeded := make([]HelpRequest, 0, len(demoSeeds))
	for i, seed := range demoSeeds {
		r := HelpRequest{
			ID:      fmt.Sprintf("demo-%d", i+1),
			Title:   seed.title,
			Details: seed.details,
			Location: Coordinate{
				Latitude:  demoCenter.Latitude + seed.dLat,
				Longitude: demoCenter.Longitude + seed.dLng,
			},
			IsActive:  true,
			CreatorID: seed.creator,
			IsDemo:    true,
		}
		if seed.tip > 0 {
			tip := seed.tip
			r.TipAmount = &tip
		}
		if m.suppressedLocked(r.ID) || m.items.has(r.ID) {
			continue
		}
		m.items.upsert(r)
		seeded = append(seeded, r.Clone())
	}
	if len(seeded) > 0 {
		m.publishLocked(nil)
	}
	return seeded
}
