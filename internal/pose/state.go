package pose

import (
	"sync/atomic"
	"time"

	"github.com/banshee-data/marker.locator/internal/timeutil"
)

type stamped struct {
	pose Pose
	at   time.Time
}

// State holds the last valid pose. The frame loop is the only writer;
// readers on other goroutines see consistent snapshots.
type State struct {
	clock   timeutil.Clock
	latest  atomic.Pointer[stamped]
	updates atomic.Uint64
}

// NewState creates a state at the origin, timestamped by clock. A nil clock
// uses the real clock.
func NewState(clock timeutil.Clock) *State {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &State{clock: clock}
}

// Update replaces the stored pose when ok is true and leaves the prior value
// otherwise.
func (s *State) Update(p Pose, ok bool) {
	if !ok {
		return
	}
	s.latest.Store(&stamped{pose: p, at: s.clock.Now()})
	s.updates.Add(1)
}

// Current returns the last valid pose, or the zero pose before any update.
func (s *State) Current() Pose {
	if st := s.latest.Load(); st != nil {
		return st.pose
	}
	return Pose{}
}

// Stamped returns the last valid pose with the time it was stored. ok is
// false before any update.
func (s *State) Stamped() (Pose, time.Time, bool) {
	st := s.latest.Load()
	if st == nil {
		return Pose{}, time.Time{}, false
	}
	return st.pose, st.at, true
}

// Updates returns how many valid poses have been stored.
func (s *State) Updates() uint64 {
	return s.updates.Load()
}
