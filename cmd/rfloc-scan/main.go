// rfloc-scan runs one scan of a router's radios and GPS and prints what the
// daemon would see. It is meant for checking a router before rflocd is
// deployed on it.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/starfail/rfloc/pkg/collector"
	"github.com/starfail/rfloc/pkg/emitter"
	"github.com/starfail/rfloc/pkg/geo"
	"github.com/starfail/rfloc/pkg/logx"
	"github.com/starfail/rfloc/pkg/retry"
	"github.com/starfail/rfloc/pkg/scan"
)

var (
	host     = flag.String("host", "", "RutOS host address; empty scans this machine")
	port     = flag.Int("port", 22, "SSH port")
	user     = flag.String("user", "root", "SSH username")
	keyFile  = flag.String("key", "", "SSH private key file")
	password = flag.String("password", "", "SSH password")
	timeout  = flag.Duration("timeout", 30*time.Second, "Overall scan timeout")
	asJSON   = flag.Bool("json", false, "Print JSON instead of a table")
	verbose  = flag.Bool("verbose", false, "Enable verbose logging")
)

type report struct {
	Host         string                `json:"host"`
	Observations []emitter.Observation `json:"observations"`
	GPS          *geo.Fix              `json:"gps,omitempty"`
	Errors       []string              `json:"errors,omitempty"`
}

func main() {
	flag.Parse()

	level := "warn"
	if *verbose {
		level = "debug"
	}
	logger := logx.NewWithWriter(level, os.Stderr)

	runner, err := newRunner()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to set up runner: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	rep := collect(ctx, runner, logger)
	if closer, ok := runner.(io.Closer); ok {
		_ = closer.Close()
	}

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(rep); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to encode report: %v\n", err)
			os.Exit(1)
		}
	} else {
		printTable(os.Stdout, rep)
	}

	if len(rep.Observations) == 0 && rep.GPS == nil {
		os.Exit(2)
	}
}

func newRunner() (scan.Runner, error) {
	if *host == "" {
		return retry.NewRunner(retry.DefaultConfig()), nil
	}
	return scan.NewSSHRunner(scan.SSHConfig{
		Host:     *host,
		Port:     *port,
		User:     *user,
		Password: *password,
		KeyFile:  *keyFile,
		Timeout:  10 * time.Second,
	}, retry.DefaultConfig())
}

func collect(ctx context.Context, runner scan.Runner, logger *logx.Logger) report {
	rep := report{Host: *host}
	if rep.Host == "" {
		rep.Host = "localhost"
	}

	scanners := []collector.Scanner{
		scan.NewWiFiScanner(runner, logger),
		scan.NewCellScanner(runner, logger),
	}
	for _, s := range scanners {
		obs, err := s.Scan(ctx)
		if err != nil {
			rep.Errors = append(rep.Errors, fmt.Sprintf("%s: %v", s.Kind(), err))
			continue
		}
		rep.Observations = append(rep.Observations, obs...)
	}

	fix, err := scan.NewGPSReader(runner, logger).Read(ctx)
	if err != nil {
		rep.Errors = append(rep.Errors, fmt.Sprintf("gps: %v", err))
	} else {
		rep.GPS = &fix
	}
	return rep
}

func printTable(w io.Writer, rep report) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "Host:\t%s\n", rep.Host)
	if rep.GPS != nil {
		fmt.Fprintf(tw, "GPS:\t%.6f, %.6f\t±%.0fm\t%s\n", rep.GPS.Lat, rep.GPS.Lon, rep.GPS.Accuracy,
			rep.GPS.Time.Format(time.RFC3339))
	} else {
		fmt.Fprintf(tw, "GPS:\tno fix\n")
	}
	fmt.Fprintln(tw)

	fmt.Fprintln(tw, "KIND\tID\tASU\tNOTE")
	for _, o := range rep.Observations {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", o.Ident.Kind, o.Ident.ID, o.ASU, o.Note)
	}
	for _, e := range rep.Errors {
		fmt.Fprintf(tw, "error\t%s\n", e)
	}
	_ = tw.Flush()
}
