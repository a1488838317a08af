package scheduler

// Slot is one unit of worker capacity held by a running job.
type Slot struct {
	UserID   string
	released bool
	flagged  bool
}

// Slots counts held slots globally and per user. Scheduler serializes access.
type Slots struct {
	globalMax  int
	perUserMax int
	active     int
	flagged    int
	byUser     map[string]int
}

// NewSlots creates the counters. A non-positive perUserMax disables the per-user cap.
func NewSlots(globalMax, perUserMax int) *Slots {
	return &Slots{
		globalMax:  globalMax,
		perUserMax: perUserMax,
		byUser:     make(map[string]int),
	}
}

func (s *Slots) CanAcquire(userID string) bool {
	if s.active >= s.globalMax {
		return false
	}

	return s.perUserMax <= 0 || s.byUser[userID] < s.perUserMax
}

// Acquire takes a slot for userID. It returns false when blocked by either cap.
func (s *Slots) Acquire(userID string) (*Slot, bool) {
	if !s.CanAcquire(userID) {
		return nil, false
	}

	s.active++
	s.byUser[userID]++

	return &Slot{UserID: userID}, true
}

// Release returns a slot. Releasing the same slot twice is a no-op.
func (s *Slots) Release(slot *Slot) {
	if slot == nil || slot.released {
		return
	}

	slot.released = true
	s.active--

	s.byUser[slot.UserID]--
	if s.byUser[slot.UserID] <= 0 {
		delete(s.byUser, slot.UserID)
	}
}

func (s *Slots) Active() int {
	return s.active
}

func (s *Slots) ActiveFor(userID string) int {
	return s.byUser[userID]
}

// Flag marks a slot whose job hit a host-level failure. Each slot counts once.
func (s *Slots) Flag(slot *Slot) {
	if slot == nil || slot.flagged {
		return
	}

	slot.flagged = true
	s.flagged++
}

func (s *Slots) Flagged() int {
	return s.flagged
}
