package emitter

import "strings"

// SSIDs that almost always belong to phones, vehicles or public transport.
// Lower-case lists are matched against the lower-cased SSID; the exact
// prefixes are case sensitive.
var (
	ssidContains = []string{
		"android", "ipad", "iphone", "motorola", "mobile hotspot",
		" uconnect ", "admin@ms ", "contiki-wifi", "db ic bus", "deinbus.de",
		"ecolines", "eurolines_wifi", "fernbus", "flixbus", "guest@ms ",
		"muenchenlinie", "postbus", "telekom_ice", "mobile", "nsb_interakti",
	}
	ssidSuffixes = []string{
		" phone", "corvette", "silverado", "chevy", "truck", "suburban",
		"terrain", "sierra",
	}
	ssidPrefixes = []string{
		"moto ", "lg aristo", "wifi hotspot ", "mb wlan ",
	}
	ssidExactPrefixes = []string{
		"MOTO", "Samsung Galaxy", "CellSpot", "Verizon-", "Audi", "Chevy ",
		"GMC WiFi", "MyVolvo", "BusWiFi", "CoachAmerica",
		"DisneyLandResortExpress", "TaxiLinQ", "TransitWirelessWiFi", "YICarCam",
	}
	ssidEquals = []string{"amtrak", "amtrakconnect", "megabus"}
)

// Blacklist decides which emitters are too mobile to be used as landmarks.
// A nil *Blacklist applies the built in rules only.
type Blacklist struct {
	extra []string
}

// NewBlacklist returns a blacklist that also rejects SSIDs containing any of
// extra, compared case-insensitively.
func NewBlacklist(extra ...string) *Blacklist {
	b := &Blacklist{}
	for _, e := range extra {
		if e = strings.ToLower(strings.TrimSpace(e)); e != "" {
			b.extra = append(b.extra, e)
		}
	}
	return b
}

// Match reports whether an emitter with the given note must be blacklisted.
// Only WiFi emitters are ever blacklisted.
func (b *Blacklist) Match(ident Identification, note string) bool {
	if !ident.Kind.IsWLAN() || note == "" {
		return false
	}

	lc := strings.ToLower(note)
	if lc == macSuffix(ident.ID) {
		return true
	}
	for _, s := range ssidEquals {
		if lc == s {
			return true
		}
	}
	for _, s := range ssidContains {
		if strings.Contains(lc, s) {
			return true
		}
	}
	for _, s := range ssidSuffixes {
		if strings.HasSuffix(lc, s) {
			return true
		}
	}
	for _, s := range ssidPrefixes {
		if strings.HasPrefix(lc, s) {
			return true
		}
	}
	for _, s := range ssidExactPrefixes {
		if strings.HasPrefix(note, s) {
			return true
		}
	}
	if b != nil {
		for _, s := range b.extra {
			if strings.Contains(lc, s) {
				return true
			}
		}
	}
	return false
}

// macSuffix is the last three octets of a BSSID without separators, which
// many cars use as their default SSID.
func macSuffix(bssid string) string {
	if len(bssid) < 8 {
		return ""
	}
	return strings.ReplaceAll(strings.ToLower(bssid[len(bssid)-8:]), ":", "")
}
