package emitter

import (
	"math"

	"github.com/starfail/rfloc/pkg/geo"
)

// boxSlack absorbs rounding when a coverage box is rebuilt from its
// center and radius, so a point already on the edge is still inside.
const boxSlack = 1e-9 // degrees

// Coverage is the disk an emitter has been heard in. Internally it is the
// square box circumscribed by the radius.
type Coverage struct {
	Lat    float64 `json:"latitude"`
	Lon    float64 `json:"longitude"`
	Radius float64 `json:"radius"` // meters
}

func (c Coverage) box() geo.BoundingBox {
	return geo.BoundingBox{
		North: c.Lat + c.Radius*geo.MeterToDeg,
		South: c.Lat - c.Radius*geo.MeterToDeg,
		East:  c.Lon + geo.LonDegrees(c.Radius, c.Lat),
		West:  c.Lon - geo.LonDegrees(c.Radius, c.Lat),
	}
}

// Info is the persisted part of an emitter
type Info struct {
	Trust  int
	Lat    float64
	Lon    float64
	Radius float64
	Note   string
}

// Location is where an emitter says the device probably is: the coverage
// center with an accuracy derived from the radius and the signal strength.
type Location struct {
	Ident    Identification
	Lat      float64
	Lon      float64
	Accuracy float64
	ASU      int
}

// Point returns the location's position.
func (l Location) Point() geo.Point {
	return geo.Point{Lat: l.Lat, Lon: l.Lon}
}

// ASUScale shrinks a coverage radius for strong signals on the assumption
// that a strong signal means the device is near the center. The radius is
// multiplied by (Max - asu + Min) / Max.
type ASUScale struct {
	Min float64
	Max float64
}

// DefaultASUScale maps MaxASU to 1/31 of the radius and MinASU to all of it.
var DefaultASUScale = ASUScale{Min: MinASU, Max: MaxASU}

// Factor returns the radius multiplier for asu.
func (s ASUScale) Factor(asu int) float64 {
	if s.Max <= 0 {
		return 1
	}
	return math.Max(0, (s.Max-float64(asu)+s.Min)/s.Max)
}

// SyncAction is what storage must do to bring an emitter up to date
type SyncAction int

const (
	SyncNone SyncAction = iota
	SyncInsert
	SyncUpdate
	SyncDelete
)

func (a SyncAction) String() string {
	switch a {
	case SyncInsert:
		return "insert"
	case SyncUpdate:
		return "update"
	case SyncDelete:
		return "delete"
	}
	return "none"
}

// Emitter is the in-memory record of one emitter. It is not safe for
// concurrent use; the cache owns every instance and serializes access.
type Emitter struct {
	ident     Identification
	chars     Characteristics
	blacklist *Blacklist
	asu       int
	trust     int
	coverage  *Coverage
	note      string
	age       int
	status    Status
	exhausted bool
}

// New creates an emitter in StatusUnknown with the kind's discovery trust.
// Only the cache should call it.
func New(ident Identification, blacklist *Blacklist) *Emitter {
	chars := CharacteristicsFor(ident.Kind)
	return &Emitter{
		ident:     ident,
		chars:     chars,
		blacklist: blacklist,
		asu:       MinASU,
		trust:     chars.DiscoveryTrust,
		status:    StatusUnknown,
	}
}

func (e *Emitter) Ident() Identification            { return e.ident }
func (e *Emitter) Characteristics() Characteristics { return e.chars }
func (e *Emitter) Status() Status                   { return e.status }
func (e *Emitter) Trust() int                       { return e.trust }
func (e *Emitter) Note() string                     { return e.note }
func (e *Emitter) ASU() int                         { return e.asu }
func (e *Emitter) Age() int                         { return e.age }
func (e *Emitter) Exhausted() bool                  { return e.exhausted }

// Coverage returns a copy of the coverage; ok is false until the emitter
// has been located once.
func (e *Emitter) Coverage() (Coverage, bool) {
	if e.coverage == nil {
		return Coverage{}, false
	}
	return *e.coverage, true
}

func (e *Emitter) setStatus(s Status) {
	e.status = Next(e.status, s)
}

// SetASU records the latest signal strength, clamped into range.
func (e *Emitter) SetASU(asu int) {
	e.asu = ClampASU(asu)
}

// SetNote records the latest note (the SSID for WiFi) and blacklists the
// emitter if the new note marks it as mobile.
func (e *Emitter) SetNote(note string) {
	if note == e.note {
		return
	}
	e.note = note
	if e.blacklist.Match(e.ident, note) {
		e.setStatus(StatusBlacklisted)
	}
}

func (e *Emitter) ResetAge()     { e.age = 0 }
func (e *Emitter) IncrementAge() { e.age++ }

func (e *Emitter) canUpdate() bool {
	return e.status != StatusUnknown && e.status != StatusBlacklisted
}

// IncrementTrust raises trust by the kind's increment, capped at MaxTrust.
// It returns whether trust changed.
func (e *Emitter) IncrementTrust() bool {
	if !e.canUpdate() {
		return false
	}
	trust := min(e.trust+e.chars.IncrTrust, MaxTrust)
	if trust == e.trust {
		return false
	}
	e.trust = trust
	e.exhausted = false
	e.setStatus(StatusChanged)
	return true
}

// DecrementTrust lowers trust by the kind's decrement, floored at MinTrust.
// Decrementing an emitter already at MinTrust marks it exhausted so the next
// sync removes it from storage. It returns whether anything changed.
func (e *Emitter) DecrementTrust() bool {
	if !e.canUpdate() || e.chars.DecrTrust == 0 {
		return false
	}
	if e.trust <= MinTrust {
		if e.exhausted {
			return false
		}
		e.exhausted = true
	}
	e.trust = max(e.trust-e.chars.DecrTrust, MinTrust)
	e.setStatus(StatusChanged)
	return true
}

// Load replaces the emitter's state with what storage holds for it.
func (e *Emitter) Load(info Info) {
	e.coverage = &Coverage{Lat: info.Lat, Lon: info.Lon, Radius: info.Radius}
	e.trust = min(max(info.Trust, MinTrust), MaxTrust)
	e.note = info.Note
	e.setStatus(StatusCached)
	if e.blacklist.Match(e.ident, e.note) {
		e.setStatus(StatusBlacklisted)
	}
}

// UpdateLocation folds a trusted reference fix into the coverage. Fixes less
// accurate than the kind requires are ignored. It returns whether the
// coverage changed.
func (e *Emitter) UpdateLocation(fix geo.Fix) bool {
	if e.status == StatusBlacklisted || fix.Accuracy > e.chars.ReqdGPSAccuracy {
		return false
	}

	if e.coverage == nil {
		e.coverage = &Coverage{Lat: fix.Lat, Lon: fix.Lon}
		e.setStatus(StatusNew)
		return true
	}

	center := geo.Point{Lat: e.coverage.Lat, Lon: e.coverage.Lon}
	distance := geo.Distance(fix.Point(), center)
	if distance >= e.chars.MoveDetectDistance {
		e.coverage = &Coverage{Lat: fix.Lat, Lon: fix.Lon}
		e.trust = e.chars.DiscoveryTrust
		e.exhausted = false
		e.setStatus(StatusChanged)
		return true
	}
	if distance <= e.coverage.Radius {
		return false
	}

	box := e.coverage.box()
	grew := false
	if fix.Lat > box.North+boxSlack {
		box.North = fix.Lat
		grew = true
	}
	if fix.Lat < box.South-boxSlack {
		box.South = fix.Lat
		grew = true
	}
	if fix.Lon > box.East+boxSlack {
		box.East = fix.Lon
		grew = true
	}
	if fix.Lon < box.West-boxSlack {
		box.West = fix.Lon
		grew = true
	}
	if !grew {
		return false
	}

	c := &Coverage{
		Lat: (box.North + box.South) / 2,
		Lon: (box.East + box.West) / 2,
	}
	nsRadius := (box.North - c.Lat) * geo.DegToMeter
	ewRadius := geo.LonMeters(box.East-c.Lon, c.Lat)
	c.Radius = math.Max(nsRadius, ewRadius)
	e.coverage = c
	e.setStatus(StatusChanged)
	return true
}

// PublicLocation returns the emitter's location when it is trusted enough
// to be used for positioning. The radius is stretched by sqrt(2) to reach the
// corners of the coverage box and never drops below the kind's minimum range.
func (e *Emitter) PublicLocation(scale ASUScale) (Location, bool) {
	if e.trust < RequiredTrust || e.status == StatusBlacklisted || e.coverage == nil {
		return Location{}, false
	}
	acc := math.Max(e.coverage.Radius*scale.Factor(e.asu), e.chars.MinimumRange)
	return Location{
		Ident:    e.ident,
		Lat:      e.coverage.Lat,
		Lon:      e.coverage.Lon,
		Accuracy: acc * math.Sqrt2,
		ASU:      e.asu,
	}, true
}

// SyncNeeded reports whether the emitter has changes storage has not seen.
func (e *Emitter) SyncNeeded() bool {
	return e.PendingSync() != SyncNone
}

// PendingSync returns the storage operation that would bring the emitter
// up to date, without changing anything.
func (e *Emitter) PendingSync() SyncAction {
	switch e.status {
	case StatusNew:
		return SyncInsert
	case StatusChanged:
		if e.exhausted && e.trust <= MinTrust {
			return SyncDelete
		}
		return SyncUpdate
	case StatusBlacklisted:
		if e.coverage != nil {
			return SyncDelete
		}
	}
	return SyncNone
}

// Synced records that storage has applied action. Call it only after the
// transaction carrying action committed. A deleted emitter that is not
// blacklisted is reset to discovery state and should be dropped from memory
// so its next sighting starts over as unknown.
func (e *Emitter) Synced(action SyncAction) {
	switch action {
	case SyncInsert, SyncUpdate:
		e.exhausted = false
		e.setStatus(StatusCached)
	case SyncDelete:
		e.coverage = nil
		e.exhausted = false
		if e.status != StatusBlacklisted {
			e.trust = e.chars.DiscoveryTrust
			e.setStatus(StatusCached)
		}
	}
}

// Info returns the persisted fields.
func (e *Emitter) Info() Info {
	info := Info{Trust: e.trust, Note: e.note}
	if e.coverage != nil {
		info.Lat = e.coverage.Lat
		info.Lon = e.coverage.Lon
		info.Radius = e.coverage.Radius
	}
	return info
}

// View is an immutable snapshot handed out by the cache
type View struct {
	Ident       Identification
	Status      Status
	Trust       int
	ASU         int
	Note        string
	Age         int
	Coverage    Coverage
	HasCoverage bool
}

// View returns a snapshot of the emitter.
func (e *Emitter) View() View {
	v := View{
		Ident:  e.ident,
		Status: e.status,
		Trust:  e.trust,
		ASU:    e.asu,
		Note:   e.note,
		Age:    e.age,
	}
	if e.coverage != nil {
		v.Coverage = *e.coverage
		v.HasCoverage = true
	}
	return v
}
