package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"voxelquarry.ai/internal/persistence/indexdb"
	"voxelquarry.ai/internal/sim/machine"
)

func dbCmd(args []string) {
	fs := flag.NewFlagSet("db", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	dbPath := fs.String("db", "", "sqlite db path (optional; defaults to <data>/index/quarry.sqlite)")
	limit := fs.Int("limit", 20, "result limit")
	runID := fs.String("run", "", "run_id filter (events)")
	machineID := fs.String("machine", "", "machine id filter (events)")
	kind := fs.String("kind", "", "event kind filter (events)")
	_ = fs.Parse(args)

	q := "snapshots"
	if fs.NArg() > 0 {
		q = strings.TrimSpace(fs.Arg(0))
	}

	path := strings.TrimSpace(*dbPath)
	if path == "" {
		path = filepath.Join(*dataDir, "index", "quarry.sqlite")
	}
	if _, err := os.Stat(path); err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var out any
	switch q {
	case "snapshots":
		out, err = indexdb.QuerySnapshots(ctx, db, *limit)
	case "runs":
		out, err = indexdb.QueryRuns(ctx, db, *limit)
	case "events":
		f := indexdb.EventFilter{
			RunID: strings.TrimSpace(*runID),
			Kind:  strings.ToUpper(strings.TrimSpace(*kind)),
			Limit: *limit,
		}
		if s := strings.TrimSpace(*machineID); s != "" {
			id, perr := machine.ParseID(s)
			if perr != nil {
				fmt.Fprintln(os.Stderr, perr)
				os.Exit(2)
			}
			f.MachineID = int64(id)
		}
		out, err = indexdb.QueryEvents(ctx, db, f)
	default:
		fmt.Fprintf(os.Stderr, "unknown query %q (want snapshots, runs or events)\n", q)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "query:", err)
		os.Exit(1)
	}
	printJSON(out)
}
