package cli

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/google/subcommands"

	"github.com/valuescan/fundcollect/pkg/screen"
	"github.com/valuescan/fundcollect/pkg/sink"
)

type screenCmd struct {
	configPath string
	top        int
}

func (*screenCmd) Name() string { return "screen" }
func (*screenCmd) Synopsis() string {
	return "score and rank the collected securities"
}
func (*screenCmd) Usage() string {
	return `fundcollect screen [-config <path>] [-top <n>]

  Scores every security in the relational store against the value criteria
  and prints the ranking, best first.
`
}

func (c *screenCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.configPath, "config", "", "Path to the YAML config file (defaults to $FUND_CONFIG)")
	f.IntVar(&c.top, "top", 20, "How many securities to show (0 = all)")
}

func (c *screenCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	cfg := loadConfig(c.configPath)

	db, err := sink.Open(cfg.Export.SQLitePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return subcommands.ExitFailure
	}
	defer func() {
		if sqlDB, derr := db.DB(); derr == nil {
			sqlDB.Close()
		}
	}()

	store := sink.NewStore(db)
	if err := store.Migrate(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return subcommands.ExitFailure
	}

	recs, err := store.LoadRecords(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return subcommands.ExitFailure
	}
	if len(recs) == 0 {
		fmt.Println("No collected data to screen; run collect first.")
		return subcommands.ExitSuccess
	}

	scores := screen.NewScorer(screen.DefaultThresholds()).Rank(recs)
	if c.top > 0 && len(scores) > c.top {
		scores = scores[:c.top]
	}

	fmt.Printf("%-4s %-12s %-16s %5s  %s\n", "#", "CODE", "NAME", "SCORE", "CRITERIA")
	for i, s := range scores {
		fmt.Printf("%-4d %-12s %-16s %5d  %s\n", i+1, s.Code, s.Name, s.Total, strings.Join(s.Notes, "; "))
	}
	return subcommands.ExitSuccess
}
