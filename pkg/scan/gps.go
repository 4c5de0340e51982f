package scan

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/starfail/rfloc/pkg/geo"
	"github.com/starfail/rfloc/pkg/logx"
)

// DefaultGPSAccuracy is assumed when the receiver does not report one.
const DefaultGPSAccuracy = 10.0

// ErrNoFix means the receiver answered but has no position.
var ErrNoFix = errors.New("gps has no fix")

// GPSReader reads the router's GNSS receiver, preferring `ubus call gps info`
// and falling back to the modem's AT+CGPSINFO.
type GPSReader struct {
	runner Runner
	logger *logx.Logger
	now    func() time.Time
}

func NewGPSReader(runner Runner, logger *logx.Logger) *GPSReader {
	if logger == nil {
		logger = logx.Nop()
	}
	return &GPSReader{runner: runner, logger: logger, now: time.Now}
}

// Read returns the current fix. ErrNoFix is returned when no source has one.
func (g *GPSReader) Read(ctx context.Context) (geo.Fix, error) {
	fix, err := g.readUbus(ctx)
	if err == nil {
		return fix, nil
	}
	g.logger.Debug("ubus gps unavailable, trying gsmctl", "error", err)

	fix, gsmErr := g.readGsmctl(ctx)
	if gsmErr == nil {
		return fix, nil
	}
	if errors.Is(err, ErrNoFix) || errors.Is(gsmErr, ErrNoFix) {
		return geo.Fix{}, ErrNoFix
	}
	return geo.Fix{}, fmt.Errorf("gps: %w", errors.Join(err, gsmErr))
}

type ubusGPS struct {
	Latitude   *float64 `json:"latitude"`
	Longitude  *float64 `json:"longitude"`
	Altitude   *float64 `json:"altitude"`
	Accuracy   *float64 `json:"accuracy"`
	Speed      *float64 `json:"speed"`
	Course     *float64 `json:"course"`
	Satellites int      `json:"satellites"`
}

func (g *GPSReader) readUbus(ctx context.Context) (geo.Fix, error) {
	out, err := g.runner.Output(ctx, "ubus", "call", "gps", "info")
	if err != nil {
		return geo.Fix{}, err
	}
	return parseUbusGPS(out, g.now())
}

func parseUbusGPS(out []byte, at time.Time) (geo.Fix, error) {
	var resp ubusGPS
	if err := json.Unmarshal(out, &resp); err != nil {
		return geo.Fix{}, fmt.Errorf("failed to parse ubus GPS response: %w", err)
	}
	if resp.Latitude == nil || resp.Longitude == nil || (*resp.Latitude == 0 && *resp.Longitude == 0) {
		return geo.Fix{}, ErrNoFix
	}

	fix := geo.Fix{
		Lat:      *resp.Latitude,
		Lon:      *resp.Longitude,
		Accuracy: DefaultGPSAccuracy,
		Source:   "gps",
		Time:     at,
	}
	if resp.Accuracy != nil && *resp.Accuracy > 0 {
		fix.Accuracy = *resp.Accuracy
	}
	if resp.Altitude != nil {
		fix.Altitude = *resp.Altitude
		fix.HasAltitude = true
	}
	if resp.Speed != nil {
		fix.Speed = *resp.Speed
	}
	if resp.Course != nil {
		fix.Bearing = *resp.Course
	}
	return fix, nil
}

func (g *GPSReader) readGsmctl(ctx context.Context) (geo.Fix, error) {
	out, err := g.runner.Output(ctx, "gsmctl", "-A", "AT+CGPSINFO")
	if err != nil {
		return geo.Fix{}, err
	}
	return parseCGPSInfo(string(out), g.now())
}

// parseCGPSInfo parses `+CGPSINFO: lat,N,lon,E,date,time,alt,speed,course`
// with coordinates in DDMM.MMMM.
func parseCGPSInfo(output string, at time.Time) (geo.Fix, error) {
	for _, line := range strings.Split(output, "\n") {
		_, body, ok := strings.Cut(line, "+CGPSINFO:")
		if !ok {
			continue
		}
		parts := strings.Split(strings.TrimSpace(body), ",")
		if len(parts) < 9 || parts[0] == "" {
			return geo.Fix{}, ErrNoFix
		}

		lat, err1 := strconv.ParseFloat(parts[0], 64)
		lon, err2 := strconv.ParseFloat(parts[2], 64)
		if err := firstErr(err1, err2); err != nil {
			return geo.Fix{}, fmt.Errorf("bad CGPSINFO coordinates: %w", err)
		}
		lat = decimalDegrees(lat)
		lon = decimalDegrees(lon)
		if parts[1] == "S" {
			lat = -lat
		}
		if parts[3] == "W" {
			lon = -lon
		}

		fix := geo.Fix{Lat: lat, Lon: lon, Accuracy: DefaultGPSAccuracy, Source: "gps", Time: at}
		if alt, err := strconv.ParseFloat(strings.TrimSpace(parts[6]), 64); err == nil {
			fix.Altitude = alt
			fix.HasAltitude = true
		}
		// speed is reported in knots
		if speed, err := strconv.ParseFloat(strings.TrimSpace(parts[7]), 64); err == nil {
			fix.Speed = speed * 0.514444
		}
		return fix, nil
	}
	return geo.Fix{}, fmt.Errorf("no CGPSINFO in gsmctl output")
}

// decimalDegrees converts DDMM.MMMM to decimal degrees.
func decimalDegrees(coord float64) float64 {
	degrees := math.Floor(coord / 100)
	minutes := coord - degrees*100
	return degrees + minutes/60
}
