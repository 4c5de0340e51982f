// Package emitter models individual radio emitters: their identity, the
// area they have been heard in and how far that area can be trusted.
package emitter

import (
	"fmt"
	"strings"
)

// Kind is the radio technology of an emitter
type Kind int

const (
	KindInvalid Kind = iota
	KindWLAN
	KindWLAN24
	KindWLAN5
	KindMobile
	KindBluetooth
)

var kindNames = map[Kind]string{
	KindInvalid:   "INVALID",
	KindWLAN:      "WLAN",
	KindWLAN24:    "WLAN_24",
	KindWLAN5:     "WLAN_5",
	KindMobile:    "MOBILE",
	KindBluetooth: "BLUETOOTH",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return kindNames[KindInvalid]
}

// MarshalText encodes the kind by name.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *Kind) UnmarshalText(b []byte) error {
	kind, ok := ParseKind(string(b))
	if !ok {
		return fmt.Errorf("unknown emitter kind %q", b)
	}
	*k = kind
	return nil
}

// IsWLAN reports whether k is any of the WiFi kinds.
func (k Kind) IsWLAN() bool {
	return k == KindWLAN || k == KindWLAN24 || k == KindWLAN5
}

// ParseKind maps a stored kind name back to a Kind. Unknown names give
// KindInvalid and false.
func ParseKind(s string) (Kind, bool) {
	for k, name := range kindNames {
		if strings.EqualFold(name, s) {
			return k, k != KindInvalid
		}
	}
	return KindInvalid, false
}

// Identification names one physical emitter. It is comparable and used as a
// map key by the cache and as the primary key in storage.
type Identification struct {
	ID   string `json:"id"`
	Kind Kind   `json:"kind"`
}

func (i Identification) String() string {
	return fmt.Sprintf("%s/%s", i.Kind, i.ID)
}

// WiFiID builds the identification for an access point from its BSSID.
func WiFiID(kind Kind, bssid string) Identification {
	return Identification{ID: strings.ToLower(bssid), Kind: kind}
}

// LTEID builds the identification for an LTE cell.
func LTEID(mcc, mnc, ci, pci, tac int) Identification {
	return Identification{
		ID:   fmt.Sprintf("LTE/%d/%d/%d/%d/%d", mcc, mnc, ci, pci, tac),
		Kind: KindMobile,
	}
}

// GSMID builds the identification for a GSM/UMTS cell.
func GSMID(mcc, mnc, lac, cid int) Identification {
	return Identification{
		ID:   fmt.Sprintf("GSM/%d/%d/%d/%d", mcc, mnc, lac, cid),
		Kind: KindMobile,
	}
}

// Signal strength bounds, in ASU.
const (
	MinASU = 1
	MaxASU = 31
)

// ClampASU forces a signal strength into [MinASU, MaxASU].
func ClampASU(asu int) int {
	switch {
	case asu < MinASU:
		return MinASU
	case asu > MaxASU:
		return MaxASU
	}
	return asu
}

// Observation is one sighting of an emitter in a scan.
type Observation struct {
	Ident Identification `json:"ident"`
	ASU   int            `json:"asu"`
	Note  string         `json:"note,omitempty"`
}

// NewObservation returns an observation with its ASU clamped into range.
// Out of range signal strengths are never rejected.
func NewObservation(ident Identification, asu int, note string) Observation {
	return Observation{Ident: ident, ASU: ClampASU(asu), Note: note}
}
