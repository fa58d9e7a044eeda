package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"

	"github.com/valuescan/fundcollect/pkg/schedule"
)

type watchCmd struct {
	configPath string
	cronExpr   string
}

func (*watchCmd) Name() string { return "watch" }
func (*watchCmd) Synopsis() string {
	return "run collection on a cron schedule until interrupted"
}
func (*watchCmd) Usage() string {
	return `fundcollect watch [-config <path>] [-cron <expression>]

  Starts a collection run at every cron trigger. Each run resumes from the
  checkpoint store; runs never overlap.
`
}

func (c *watchCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.configPath, "config", "", "Path to the YAML config file (defaults to $FUND_CONFIG)")
	f.StringVar(&c.cronExpr, "cron", "", "Cron expression (overrides config)")
}

func (c *watchCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	cfg := loadConfig(c.configPath)
	if c.cronExpr != "" {
		cfg.Schedule.CronExpression = c.cronExpr
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return subcommands.ExitUsageError
	}

	sched, err := schedule.Cron(cfg.Schedule.CronExpression)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return subcommands.ExitUsageError
	}
	startMetrics(cfg.Metrics.ListenAddr)

	// Each trigger gets a fresh pipeline: a new run identifier and a
	// credential pool that does not inherit yesterday's exhaustion state.
	runner := schedule.NewRunner(sched, func(ctx context.Context) error {
		p, err := buildPipeline(cfg)
		if err != nil {
			return err
		}
		defer p.close()

		sum, err := p.col.Run(ctx)
		printSummary(sum)
		return err
	})

	fmt.Printf("Watching with schedule %q, press Ctrl-C to stop\n", cfg.Schedule.CronExpression)
	if err := runner.Run(ctx); !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return subcommands.ExitFailure
	}

	fmt.Println("Watch stopped")
	return subcommands.ExitSuccess
}
