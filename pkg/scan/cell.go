package scan

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/starfail/rfloc/pkg/emitter"
	"github.com/starfail/rfloc/pkg/logx"
)

// CellScanner reads the serving cell from the modem with
// `gsmctl -A 'AT+QENG="servingcell"'`. Neighbour cells are not reported by
// the modem with a full identity, so they are not used.
type CellScanner struct {
	runner Runner
	logger *logx.Logger
}

func NewCellScanner(runner Runner, logger *logx.Logger) *CellScanner {
	if logger == nil {
		logger = logx.Nop()
	}
	return &CellScanner{runner: runner, logger: logger}
}

func (s *CellScanner) Kind() emitter.Kind { return emitter.KindMobile }

// Scan returns the serving cell, or nothing when the modem has no service.
func (s *CellScanner) Scan(ctx context.Context) ([]emitter.Observation, error) {
	out, err := s.runner.Output(ctx, "gsmctl", "-A", `AT+QENG="servingcell"`)
	if err != nil {
		return nil, err
	}

	for _, line := range strings.Split(string(out), "\n") {
		if !strings.Contains(line, "+QENG:") {
			continue
		}
		obs, ok, err := ParseServingCell(line)
		if err != nil {
			return nil, err
		}
		if ok {
			return []emitter.Observation{obs}, nil
		}
	}
	s.logger.Debug("no serving cell", "response", strings.TrimSpace(string(out)))
	return nil, nil
}

// ParseServingCell parses one Quectel servingcell line. ok is false when the
// line carries no usable identity (no service, or an unsupported RAT).
//
//	+QENG: "servingcell","NOCONN","LTE","FDD",240,01,18BCF1F,443,1300,3,5,5,17,-84,-8,-53,17,0,-,43
//	+QENG: "servingcell","NOCONN","GSM",228,01,2F9,5A21,21,62,0,-71,255,255,0,...
func ParseServingCell(line string) (emitter.Observation, bool, error) {
	_, body, found := strings.Cut(line, "+QENG:")
	if !found {
		return emitter.Observation{}, false, nil
	}
	parts := strings.Split(body, ",")
	for i := range parts {
		parts[i] = strings.Trim(parts[i], " \"\r")
	}
	if len(parts) < 3 || parts[0] != "servingcell" {
		return emitter.Observation{}, false, nil
	}

	switch parts[2] {
	case "LTE":
		return parseLTE(parts)
	case "GSM":
		return parseGSM(parts)
	}
	return emitter.Observation{}, false, nil
}

func parseLTE(parts []string) (emitter.Observation, bool, error) {
	if len(parts) < 16 {
		return emitter.Observation{}, false, fmt.Errorf("short LTE servingcell response: %d fields", len(parts))
	}
	mcc, err1 := strconv.Atoi(parts[4])
	mnc, err2 := strconv.Atoi(parts[5])
	ci, err3 := strconv.ParseInt(parts[6], 16, 64)
	pci, err4 := strconv.Atoi(parts[7])
	tac, err5 := strconv.ParseInt(parts[12], 16, 64)
	if err := firstErr(err1, err2, err3, err4, err5); err != nil {
		return emitter.Observation{}, false, fmt.Errorf("bad LTE servingcell response: %w", err)
	}

	rssi, err := strconv.Atoi(parts[15])
	if err != nil {
		rssi = -113
	}
	id := emitter.LTEID(mcc, mnc, int(ci), pci, int(tac))
	return emitter.NewObservation(id, CellASU(rssi), ""), true, nil
}

func parseGSM(parts []string) (emitter.Observation, bool, error) {
	if len(parts) < 11 {
		return emitter.Observation{}, false, fmt.Errorf("short GSM servingcell response: %d fields", len(parts))
	}
	mcc, err1 := strconv.Atoi(parts[3])
	mnc, err2 := strconv.Atoi(parts[4])
	lac, err3 := strconv.ParseInt(parts[5], 16, 64)
	cid, err4 := strconv.ParseInt(parts[6], 16, 64)
	if err := firstErr(err1, err2, err3, err4); err != nil {
		return emitter.Observation{}, false, fmt.Errorf("bad GSM servingcell response: %w", err)
	}

	rssi, err := strconv.Atoi(parts[10])
	if err != nil {
		rssi = -113
	}
	id := emitter.GSMID(mcc, mnc, int(lac), int(cid))
	return emitter.NewObservation(id, CellASU(rssi), ""), true, nil
}

// CellASU converts an RSSI in dBm to the 3GPP 0..31 scale.
func CellASU(rssi int) int {
	return emitter.ClampASU((rssi + 113) / 2)
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
