package scan

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/starfail/rfloc/pkg/emitter"
	"github.com/starfail/rfloc/pkg/logx"
)

// Signal range mapped linearly onto the ASU scale for WiFi.
const (
	wifiMinRSSI = -100
	wifiMaxRSSI = -55
)

// iwinfoScan is the response of `ubus call iwinfo scan`
type iwinfoScan struct {
	Results []accessPoint `json:"results"`
}

type accessPoint struct {
	SSID    string `json:"ssid,omitempty"`
	BSSID   string `json:"bssid"`
	Mode    string `json:"mode"`
	Channel int    `json:"channel"`
	Signal  int    `json:"signal"` // dBm
}

// WiFiScanner lists nearby access points through ubus iwinfo.
type WiFiScanner struct {
	runner     Runner
	logger     *logx.Logger
	interfaces []string
}

// NewWiFiScanner creates a scanner. With no interfaces listed, the radios
// reported by network.wireless are scanned.
func NewWiFiScanner(runner Runner, logger *logx.Logger, interfaces ...string) *WiFiScanner {
	if logger == nil {
		logger = logx.Nop()
	}
	return &WiFiScanner{runner: runner, logger: logger, interfaces: interfaces}
}

func (s *WiFiScanner) Kind() emitter.Kind { return emitter.KindWLAN }

// Scan returns one observation per access point heard on any interface.
// An interface that fails to scan is skipped; the scan fails only when
// every interface does.
func (s *WiFiScanner) Scan(ctx context.Context) ([]emitter.Observation, error) {
	ifaces := s.interfaces
	if len(ifaces) == 0 {
		var err error
		if ifaces, err = s.wirelessInterfaces(ctx); err != nil {
			return nil, err
		}
	}
	if len(ifaces) == 0 {
		return nil, fmt.Errorf("no wireless interfaces")
	}

	best := make(map[string]accessPoint)
	var lastErr error
	scanned := 0
	for _, iface := range ifaces {
		aps, err := s.scanInterface(ctx, iface)
		if err != nil {
			s.logger.Warn("wifi scan failed", "interface", iface, "error", err)
			lastErr = err
			continue
		}
		scanned++
		for _, ap := range aps {
			if ap.BSSID == "" || ap.Mode == "Ad-Hoc" {
				continue
			}
			// the same radio can be heard on more than one interface
			if prev, ok := best[ap.BSSID]; !ok || ap.Signal > prev.Signal {
				best[ap.BSSID] = ap
			}
		}
	}
	if scanned == 0 {
		return nil, lastErr
	}

	obs := make([]emitter.Observation, 0, len(best))
	for _, ap := range best {
		obs = append(obs, emitter.NewObservation(emitter.WiFiID(emitter.KindWLAN, ap.BSSID), WiFiASU(ap.Signal), ap.SSID))
	}
	sort.Slice(obs, func(i, j int) bool { return obs[i].Ident.ID < obs[j].Ident.ID })
	return obs, nil
}

func (s *WiFiScanner) scanInterface(ctx context.Context, iface string) ([]accessPoint, error) {
	arg, _ := json.Marshal(map[string]string{"device": iface})
	out, err := s.runner.Output(ctx, "ubus", "call", "iwinfo", "scan", string(arg))
	if err != nil {
		return nil, err
	}
	var scan iwinfoScan
	if err := json.Unmarshal(out, &scan); err != nil {
		return nil, fmt.Errorf("failed to parse iwinfo scan: %w", err)
	}
	return scan.Results, nil
}

// wirelessInterfaces returns the ifnames from `ubus call network.wireless status`.
func (s *WiFiScanner) wirelessInterfaces(ctx context.Context) ([]string, error) {
	out, err := s.runner.Output(ctx, "ubus", "call", "network.wireless", "status")
	if err != nil {
		return nil, err
	}

	var status map[string]struct {
		Up         bool `json:"up"`
		Interfaces []struct {
			Ifname string `json:"ifname"`
		} `json:"interfaces"`
	}
	if err := json.Unmarshal(out, &status); err != nil {
		return nil, fmt.Errorf("failed to parse wireless status: %w", err)
	}

	var ifaces []string
	for _, radio := range status {
		if !radio.Up {
			continue
		}
		for _, i := range radio.Interfaces {
			if i.Ifname != "" {
				ifaces = append(ifaces, i.Ifname)
			}
		}
	}
	sort.Strings(ifaces)
	return ifaces, nil
}

// WiFiASU maps a received signal in dBm onto 0..MaxASU.
func WiFiASU(dBm int) int {
	switch {
	case dBm <= wifiMinRSSI:
		return 0
	case dBm >= wifiMaxRSSI:
		return emitter.MaxASU
	}
	return (dBm - wifiMinRSSI) * emitter.MaxASU / (wifiMaxRSSI - wifiMinRSSI)
}
