package cli

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"
)

type collectCmd struct {
	configPath string
	fresh      bool
	units      int
	startYear  int
	endYear    int
}

func (*collectCmd) Name() string { return "collect" }
func (*collectCmd) Synopsis() string {
	return "run one collection pass over the security universe"
}
func (*collectCmd) Usage() string {
	return `fundcollect collect [-config <path>] [-fresh] [-units <n>] [-start-year <y>] [-end-year <y>]

  Fetches fundamentals for every listed security, resuming from the last
  checkpoint. -fresh discards checkpoints and cached payloads first.
`
}

func (c *collectCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.configPath, "config", "", "Path to the YAML config file (defaults to $FUND_CONFIG)")
	f.BoolVar(&c.fresh, "fresh", false, "Discard checkpoints and payload cache before collecting")
	f.IntVar(&c.units, "units", 0, "Entities per work unit (overrides config)")
	f.IntVar(&c.startYear, "start-year", 0, "First collection year (overrides config)")
	f.IntVar(&c.endYear, "end-year", 0, "Last collection year (overrides config)")
}

func (c *collectCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	cfg := loadConfig(c.configPath)
	if c.units > 0 {
		cfg.Collector.UnitSize = c.units
	}
	if c.startYear > 0 {
		cfg.Collector.StartYear = c.startYear
	}
	if c.endYear > 0 {
		cfg.Collector.EndYear = c.endYear
	}

	p, err := buildPipeline(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return subcommands.ExitUsageError
	}
	defer p.close()
	startMetrics(cfg.Metrics.ListenAddr)

	if c.fresh {
		if err := p.col.Fresh(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return subcommands.ExitFailure
		}
	}

	sum, err := p.col.Run(ctx)
	printSummary(sum)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return subcommands.ExitFailure
	}
	if sum.UnitsFailed > 0 {
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}
