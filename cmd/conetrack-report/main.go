// Command conetrack-report summarizes a recorded run: accuracy counters,
// steering error statistics and an optional steering-vs-reference plot.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/ayusman/conetrack/internal/report"
	"github.com/ayusman/conetrack/internal/store"
)

func main() {
	home, _ := os.UserHomeDir()
	dbPath := flag.String("db", filepath.Join(home, ".conetrack", "conetrack.db"), "sqlite file with run recordings")
	runID := flag.String("run", "", "run ID to report (default: latest run)")
	plotPath := flag.String("plot", "", "write a PNG plot of steering vs reference to this path")
	asJSON := flag.Bool("json", false, "print the report as JSON")
	list := flag.Bool("list", false, "list recorded runs and exit")
	flag.Parse()

	logger, err := zap.NewDevelopment()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	zap.ReplaceGlobals(logger)
	defer logger.Sync()

	if err := run(*dbPath, *runID, *plotPath, *asJSON, *list); err != nil {
		zap.S().Errorw("report failed", "error", err)
		logger.Sync()
		os.Exit(1)
	}
}

func run(dbPath, runID, plotPath string, asJSON, list bool) error {
	if _, err := os.Stat(dbPath); err != nil {
		return fmt.Errorf("open recordings: %w", err)
	}

	st, err := store.New(dbPath)
	if err != nil {
		return fmt.Errorf("initialize store: %w", err)
	}
	defer st.Close()

	if list {
		runs, err := st.Runs().List()
		if err != nil {
			return err
		}
		for _, r := range runs {
			fmt.Printf("%s  %s  %-12s  %s\n", r.ID, r.StartedAt.Format("2006-01-02 15:04:05"), r.Policy, r.Source)
		}
		return nil
	}

	if runID == "" {
		latest, err := st.Runs().Latest()
		if err != nil {
			return fmt.Errorf("find latest run: %w", err)
		}
		runID = latest.ID
	}

	frames, err := st.Frames().ListByRun(runID)
	if err != nil {
		return fmt.Errorf("load frames: %w", err)
	}

	rep, err := report.Build(runID, frames)
	if err != nil {
		return err
	}

	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(rep); err != nil {
			return err
		}
	} else if err := rep.Write(os.Stdout); err != nil {
		return err
	}

	if plotPath != "" {
		if err := report.Plot(runID, frames, plotPath); err != nil {
			return err
		}
		zap.S().Infow("plot written", "path", plotPath)
	}
	return nil
}
