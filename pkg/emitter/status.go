package emitter

// Status is where an emitter stands relative to persistent storage
type Status int

const (
	// StatusUnknown is a freshly created emitter with no coverage.
	StatusUnknown Status = iota
	// StatusNew has coverage but is not in storage yet.
	StatusNew
	// StatusChanged is in storage with pending changes.
	StatusChanged
	// StatusCached is in storage with nothing pending.
	StatusCached
	// StatusBlacklisted is never located, updated or trusted again.
	StatusBlacklisted
)

var statusNames = [...]string{
	StatusUnknown:     "unknown",
	StatusNew:         "new",
	StatusChanged:     "changed",
	StatusCached:      "cached",
	StatusBlacklisted: "blacklisted",
}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return "invalid"
	}
	return statusNames[s]
}

// transitions lists every allowed from -> to move. Anything absent is ignored.
var transitions = map[Status]map[Status]bool{
	StatusUnknown: {StatusNew: true, StatusCached: true, StatusBlacklisted: true},
	StatusNew:     {StatusCached: true, StatusBlacklisted: true},
	StatusChanged: {StatusCached: true, StatusChanged: true, StatusBlacklisted: true},
	StatusCached:  {StatusCached: true, StatusChanged: true, StatusBlacklisted: true},
}

// CanTransition reports whether an emitter in from may move to to.
func CanTransition(from, to Status) bool {
	return transitions[from][to]
}

// Next returns the status after requesting to; disallowed requests leave
// from unchanged.
func Next(from, to Status) Status {
	if CanTransition(from, to) {
		return to
	}
	return from
}
