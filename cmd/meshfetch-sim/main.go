// Command meshfetch-sim runs a chunked download against a simulated swarm
// and simulated relays, using the same scheduler and relay manager a real
// client would.
//
//	meshfetch-sim --chunks 512 --peers 6 --failure-rate 0.05 --strategy load-balanced
//
// Time is virtual, so a run that would take minutes against real peers
// finishes almost at once.
package main

import (
	"fmt"
	"os"
	"os/signal"

	"github.com/dustin/go-humanize"
	"github.com/mitchellh/go-homedir"
	"github.com/opd-ai/meshfetch/config"
	"github.com/opd-ai/meshfetch/scheduler"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/urfave/cli/v2"
	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"
)

const (
	flagConfig      = "config"
	flagChunks      = "chunks"
	flagChunkSize   = "chunk-size"
	flagPeers       = "peers"
	flagRelays      = "relays"
	flagRefusing    = "refusing-relay"
	flagFailureRate = "failure-rate"
	flagCorruptRate = "corrupt-rate"
	flagSilentPeers = "silent-peers"
	flagBatch       = "batch"
	flagStrategy    = "strategy"
	flagStallRounds = "stall-rounds"
	flagSeed        = "seed"
	flagLogLevel    = "log-level"
	flagNoProgress  = "no-progress"
)

func main() {
	app := &cli.App{
		Name:  "meshfetch-sim",
		Usage: "simulate a resilient chunked download",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    flagConfig,
				Usage:   "TOML config file (default " + config.DefaultPath + " if present)",
				EnvVars: []string{"MESHFETCH_CONFIG"},
			},
			&cli.IntFlag{Name: flagChunks, Value: 256, Usage: "number of chunks in the file"},
			&cli.Uint64Flag{Name: flagChunkSize, Value: 256 << 10, Usage: "chunk size in bytes"},
			&cli.IntFlag{Name: flagPeers, Value: 4, Usage: "number of simulated peers"},
			&cli.IntFlag{Name: flagRelays, Value: 3, Usage: "number of simulated relays"},
			&cli.BoolFlag{Name: flagRefusing, Usage: "make the preferred relay refuse connections to exercise fallback"},
			&cli.Float64Flag{Name: flagFailureRate, Usage: "per-fetch failure probability"},
			&cli.Float64Flag{Name: flagCorruptRate, Usage: "per-fetch corruption probability"},
			&cli.IntFlag{Name: flagSilentPeers, Usage: "number of peers that never answer"},
			&cli.IntFlag{Name: flagBatch, Value: 16, Usage: "requests asked for per scheduling round"},
			&cli.StringFlag{Name: flagStrategy, Usage: "override the scheduling strategy (fastest-first, load-balanced, round-robin)"},
			&cli.IntFlag{Name: flagStallRounds, Value: 200, Usage: "abort after this many rounds without progress"},
			&cli.Int64Flag{Name: flagSeed, Value: 1, Usage: "random seed for the simulated swarm"},
			&cli.StringFlag{Name: flagLogLevel, Usage: "override the log level"},
			&cli.BoolFlag{Name: flagNoProgress, Usage: "disable the progress bar"},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig(cctx *cli.Context) (*config.Config, error) {
	path := cctx.String(flagConfig)
	if path != "" {
		expanded, err := homedir.Expand(path)
		if err != nil {
			return nil, err
		}
		path = expanded
	}

	cfg, err := config.Load(afero.NewOsFs(), path)
	if err != nil {
		return nil, err
	}

	if s := cctx.String(flagStrategy); s != "" {
		cfg.Scheduler.Strategy = s
	}
	if lvl := cctx.String(flagLogLevel); lvl != "" {
		cfg.LogLevel = lvl
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func run(cctx *cli.Context) error {
	cfg, err := loadConfig(cctx)
	if err != nil {
		return err
	}

	logrus.SetLevel(cfg.LogrusLevel())
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	ctx, stop := signal.NotifyContext(cctx.Context, os.Interrupt)
	defer stop()

	opts := simOptions{
		Config:        cfg,
		Chunks:        cctx.Int(flagChunks),
		ChunkSize:     cctx.Uint64(flagChunkSize),
		Peers:         cctx.Int(flagPeers),
		Relays:        cctx.Int(flagRelays),
		RefusingRelay: cctx.Bool(flagRefusing),
		FailureRate:   cctx.Float64(flagFailureRate),
		CorruptRate:   cctx.Float64(flagCorruptRate),
		SilentPeers:   cctx.Int(flagSilentPeers),
		BatchSize:     cctx.Int(flagBatch),
		StallRounds:   cctx.Int(flagStallRounds),
		Seed:          cctx.Int64(flagSeed),
	}

	fmt.Printf("Simulating %s in %d chunks of %s from %d peers (%s)\n",
		humanize.Bytes(uint64(opts.Chunks)*opts.ChunkSize), opts.Chunks,
		humanize.Bytes(opts.ChunkSize), opts.Peers, cfg.Scheduler.Strategy)

	var p *mpb.Progress
	if !cctx.Bool(flagNoProgress) {
		p = mpb.New(mpb.WithWidth(64))
		name := "Fetching"
		bar := p.New(int64(opts.Chunks),
			mpb.BarStyle().Lbound("╢").Filler("█").Tip("█").Padding("░").Rbound("╟"),
			mpb.PrependDecorators(
				decor.Name(name, decor.WC{W: len(name) + 1, C: decor.DindentRight}),
				decor.CountersNoUnit("%d / %d"),
			),
			mpb.AppendDecorators(decor.Percentage()),
		)
		opts.OnRound = func(_ int, st scheduler.State) {
			bar.SetCurrent(int64(st.Received + st.Corrupted))
		}
		defer func() {
			bar.Abort(false)
			p.Wait()
		}()
	}

	res, err := runSimulation(ctx, opts)
	if err != nil {
		return err
	}

	printResult(res)
	if !res.Report.Complete {
		return fmt.Errorf("download incomplete: %d chunks exhausted their retries", len(res.Report.Exhausted))
	}
	return nil
}

func printResult(res *simResult) {
	r := res.Report
	fmt.Printf("\nSession\t\t: %s\n", res.SessionID)
	fmt.Printf("Complete\t: %t\n", r.Complete)
	fmt.Printf("Size\t\t: %s\n", humanize.Bytes(res.TotalSize))
	fmt.Printf("Rounds\t\t: %s\n", humanize.Comma(int64(r.Rounds)))
	fmt.Printf("Requests\t: %s (%d failed, %d corrupted)\n", humanize.Comma(int64(r.Requests)), r.Failures, r.Corrupted)
	fmt.Printf("Virtual time\t: %s\n", r.Elapsed)
	if r.Elapsed > 0 {
		rate := float64(res.TotalSize) / r.Elapsed.Seconds()
		fmt.Printf("Throughput\t: %s/s\n", humanize.Bytes(uint64(rate)))
	}
	if len(r.Exhausted) > 0 {
		fmt.Printf("Exhausted\t: %v\n", r.Exhausted)
	}

	if res.ActiveRelay != nil {
		fmt.Printf("Relay\t\t: %s (%s, health %.0f)\n", res.ActiveRelay.Address, res.ActiveRelay.State, res.ActiveRelay.HealthScore)
	} else {
		fmt.Printf("Relay\t\t: none\n")
	}
	fmt.Printf("Relay pool\t: %d relays, %d healthy, %d errors\n",
		res.RelayStats.PoolSize, res.RelayStats.HealthyCount, res.RelayStats.TotalErrors)
}
