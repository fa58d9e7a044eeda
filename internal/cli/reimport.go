package cli

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"
)

type reimportCmd struct {
	configPath string
}

func (*reimportCmd) Name() string { return "reimport" }
func (*reimportCmd) Synopsis() string {
	return "rebuild the exports from the local payload cache"
}
func (*reimportCmd) Usage() string {
	return `fundcollect reimport [-config <path>]

  Replays every cached unit payload into the spreadsheet and the relational
  store. No upstream requests are made.
`
}

func (c *reimportCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.configPath, "config", "", "Path to the YAML config file (defaults to $FUND_CONFIG)")
}

func (c *reimportCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	cfg := loadConfig(c.configPath)

	// Reimport never contacts the upstream, so credentials are optional.
	if len(cfg.Tokens) == 0 {
		cfg.Tokens = []string{"offline"}
	}

	p, err := buildPipeline(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return subcommands.ExitUsageError
	}
	defer p.close()

	n, err := p.col.Reimport(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return subcommands.ExitFailure
	}

	fmt.Printf("Reimported %d records from the payload cache\n", n)
	return subcommands.ExitSuccess
}
