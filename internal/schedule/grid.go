package schedule

import (
	"fmt"
	"sort"

	"weekplan/pkg/weektime"
)

// GridConfig bounds the weekly slot universe. All values are minutes.
// Working hours apply identically to all 7 days (Monday=0).
type GridConfig struct {
	WorkStart int // minutes from midnight, inclusive
	WorkEnd   int // minutes from midnight, exclusive

	// BreakInterval/BreakDuration describe the periodic rest pattern:
	// within each working block, the final BreakDuration minutes of every
	// BreakInterval cycle are tagged break-eligible and never schedulable.
	// BreakDuration is also the length of the mandatory rest reserved
	// after every placed task. Zero disables both.
	BreakInterval int
	BreakDuration int
}

func (c GridConfig) validate() error {
	if c.WorkStart < 0 || c.WorkEnd > weektime.MinutesPerDay || c.WorkStart >= c.WorkEnd {
		return fmt.Errorf("%w: working hours [%d,%d)", ErrGridConfig, c.WorkStart, c.WorkEnd)
	}
	if c.BreakInterval < 0 || c.BreakDuration < 0 {
		return fmt.Errorf("%w: negative break parameters", ErrGridConfig)
	}
	if c.BreakInterval > 0 && c.BreakDuration >= c.BreakInterval {
		return fmt.Errorf("%w: break duration %d must be shorter than interval %d",
			ErrGridConfig, c.BreakDuration, c.BreakInterval)
	}
	if c.BreakInterval == 0 && c.BreakDuration > 0 {
		return fmt.Errorf("%w: break duration without interval", ErrGridConfig)
	}
	return nil
}

// Slot is one atomic minute of the week grid.
//
// Invariant: Occupant >= 0 implies the owning task's [Start,End) window
// covers StartMin; Occupied with Occupant == NoTask is a reserved
// post-task rest; BreakEligible slots are never schedulable at all.
type Slot struct {
	Index    int
	StartMin int
	EndMin   int

	Occupied      bool
	BreakEligible bool
	Occupant      int // task handle, NoTask if none
}

// NoTask marks a slot with no task occupant.
const NoTask = -1

// IsBreak reports whether the slot is unusable as task time: either a
// periodic break-eligible minute or a reserved post-task rest.
func (s *Slot) IsBreak() bool {
	return s.BreakEligible || (s.Occupied && s.Occupant == NoTask)
}

// Grid is the fixed slot universe for one allocation run. Structure is
// immutable after construction; slot contents mutate during allocation.
// The minute->index map is the sole authority on whether a minute is
// schedulable at all.
type Grid struct {
	cfg      GridConfig
	slots    []Slot
	byMinute map[int]int
}

// NewGrid generates one slot per working minute across the 7-day week and
// builds the minute-of-week -> slot index lookup.
func NewGrid(cfg GridConfig) (*Grid, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	perDay := cfg.WorkEnd - cfg.WorkStart
	slots := make([]Slot, 0, perDay*weektime.DaysPerWeek)
	byMinute := make(map[int]int, perDay*weektime.DaysPerWeek)

	for day := 0; day < weektime.DaysPerWeek; day++ {
		for off := 0; off < perDay; off++ {
			minute := day*weektime.MinutesPerDay + cfg.WorkStart + off
			idx := len(slots)
			eligible := false
			if cfg.BreakInterval > 0 {
				eligible = off%cfg.BreakInterval >= cfg.BreakInterval-cfg.BreakDuration
			}
			slots = append(slots, Slot{
				Index:         idx,
				StartMin:      minute,
				EndMin:        minute + 1,
				BreakEligible: eligible,
				Occupant:      NoTask,
			})
			byMinute[minute] = idx
		}
	}
	if len(slots) == 0 {
		return nil, fmt.Errorf("%w: empty grid", ErrGridConfig)
	}

	return &Grid{cfg: cfg, slots: slots, byMinute: byMinute}, nil
}

func (g *Grid) Len() int { return len(g.slots) }

// Slot returns the slot at index idx. The pointer aliases grid state.
func (g *Grid) Slot(idx int) *Slot { return &g.slots[idx] }

// IndexOf maps an absolute minute-of-week to its slot index.
func (g *Grid) IndexOf(minute int) (int, bool) {
	idx, ok := g.byMinute[minute]
	return idx, ok
}

// LastIndexEndingBy returns the largest slot index whose EndMin <= minute,
// or -1 when no slot ends early enough. Used to turn a deadline minute
// into a grid-level ceiling.
func (g *Grid) LastIndexEndingBy(minute int) int {
	// slots are ordered by StartMin; find first slot with EndMin > minute.
	n := sort.Search(len(g.slots), func(i int) bool {
		return g.slots[i].EndMin > minute
	})
	return n - 1
}

// BreakSlots is the number of slots reserved after every placed task.
func (g *Grid) BreakSlots() int { return g.cfg.BreakDuration }
