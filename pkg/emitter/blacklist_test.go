package emitter

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBlacklistMatch(t *testing.T) {
	wifi := WiFiID(KindWLAN, "02:1a:11:f3:9c:4e")
	tests := []struct {
		name  string
		ident Identification
		note  string
		want  bool
	}{
		{"plain home network", wifi, "Hansen-5G", false},
		{"empty", wifi, "", false},
		{"android tether", wifi, "AndroidAP_1234", true},
		{"iphone", wifi, "Ola's iPhone", true},
		{"phone suffix", wifi, "Lans Phone", true},
		{"truck suffix", wifi, "Morgans Truck", true},
		{"moto prefix lower", wifi, "moto e (4) 9509", true},
		{"MOTO exact prefix", wifi, "MOTO9564", true},
		{"Moto exact prefix is case sensitive", wifi, "Motor pool", false},
		{"Samsung", wifi, "Samsung Galaxy S9", true},
		{"bus", wifi, "FlixBus Wi-Fi", true},
		{"train", wifi, "WIFIonICE telekom_ice", true},
		{"amtrak exact", wifi, "AmtrakConnect", true},
		{"amtrak prefix only", wifi, "amtrak lounge", false},
		{"mac suffix default ssid", wifi, "F39C4E", true},
		{"uconnect needs spaces", wifi, "uconnect", false},
		{"mobile cells never", Identification{ID: "LTE/1/1/1/1/1", Kind: KindMobile}, "android", false},
		{"5 GHz wifi", WiFiID(KindWLAN5, "00:00:00:00:00:01"), "Verizon-MiFi", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, (*Blacklist)(nil).Match(tt.ident, tt.note))
		})
	}
}

func TestBlacklistExtraPatterns(t *testing.T) {
	wifi := WiFiID(KindWLAN, "00:11:22:33:44:55")
	bl := NewBlacklist(" Ferry ", "")

	assert.True(t, bl.Match(wifi, "Color Line FERRY guest"))
	assert.False(t, bl.Match(wifi, "Harbor office"))
	assert.False(t, NewBlacklist().Match(wifi, "Color Line FERRY guest"))
}
