package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/jan-svitak/algocollusion/pkg/config"
	"github.com/jan-svitak/algocollusion/pkg/experiment"
	"github.com/jan-svitak/algocollusion/pkg/market"
)

var runFlags struct {
	configPath string
	preset     string
	periods    int
	replicates int
	agents     int
	seed       int64
	workers    int
	outDir     string
	window     int
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "algocollusion",
		Short: "algocollusion simulates repeated price setting between self-learning pricing algorithms to study whether they converge to supra-competitive prices.",
	}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run a Monte Carlo pricing experiment",
		RunE:  runExperiment,
	}
	runCmd.Flags().StringVar(&runFlags.configPath, "config", "", "YAML experiment configuration file")
	runCmd.Flags().StringVar(&runFlags.preset, "preset", config.AlgorithmUCB, "preset to run when no config file is given (ucb, linear, neural, q, q-reduced)")
	runCmd.Flags().IntVar(&runFlags.periods, "periods", 0, "override the number of periods per replicate")
	runCmd.Flags().IntVar(&runFlags.replicates, "replicates", 0, "override the number of Monte Carlo replicates")
	runCmd.Flags().IntVar(&runFlags.agents, "agents", 0, "override the number of agents (2 or 3)")
	runCmd.Flags().Int64Var(&runFlags.seed, "seed", 0, "override the base random seed")
	runCmd.Flags().IntVar(&runFlags.workers, "workers", 0, "replicate workers (0 = one per CPU)")
	runCmd.Flags().StringVar(&runFlags.outDir, "out", "", "directory for CSV trajectory tables (default $ALGOCOLLUSION_OUT, empty = no export)")
	runCmd.Flags().IntVar(&runFlags.window, "window", 1000, "trailing window for the summary statistics")

	for _, envFile := range []string{
		".env",
		"../../.env",
	} {
		if err := godotenv.Load(envFile); err == nil {
			break
		}
	}

	rootCmd.AddCommand(runCmd)
	rootCmd.Execute()
}

func buildConfig(cmd *cobra.Command) (config.Experiment, error) {
	var cfg config.Experiment
	if runFlags.configPath != "" {
		loaded, err := config.Load(runFlags.configPath)
		if err != nil {
			return cfg, err
		}
		cfg = *loaded
	} else {
		preset, err := config.Preset(runFlags.preset)
		if err != nil {
			return cfg, err
		}
		cfg = preset
	}
	if cmd.Flags().Changed("periods") {
		cfg.Periods = runFlags.periods
	}
	if cmd.Flags().Changed("replicates") {
		cfg.Replicates = runFlags.replicates
	}
	if cmd.Flags().Changed("agents") {
		cfg.Agents = runFlags.agents
	}
	if cmd.Flags().Changed("seed") {
		cfg.Seed = runFlags.seed
	}
	if cmd.Flags().Changed("workers") {
		cfg.Workers = runFlags.workers
	}
	return cfg, cfg.Validate()
}

func runExperiment(cmd *cobra.Command, args []string) error {
	cfg, err := buildConfig(cmd)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt)
	go func() {
		<-sigChan
		cancel()
	}()

	runner, err := experiment.NewRunner(cfg)
	if err != nil {
		return err
	}

	log.Printf("Running %s: %d agents, %d periods, %d replicates, seed %d",
		cfg.Name, cfg.Agents, cfg.Periods, cfg.Replicates, cfg.Seed)
	result, err := runner.Run(ctx)
	if err != nil {
		return fmt.Errorf("experiment failed: %v", err)
	}
	log.Printf("Run %s finished, %d of %d replicates succeeded",
		result.RunID, cfg.Replicates-len(result.Failures), cfg.Replicates)
	for _, f := range result.Failures {
		log.Printf("  %v", &f)
	}

	printSummary(result)

	outDir := runFlags.outDir
	if outDir == "" {
		outDir = os.Getenv("ALGOCOLLUSION_OUT")
	}
	if outDir != "" {
		if err := exportCSV(outDir, result); err != nil {
			return fmt.Errorf("exporting results: %v", err)
		}
		log.Printf("Wrote trajectory tables to %s", outDir)
	}
	return nil
}

func printSummary(result *experiment.Result) {
	cfg := result.Config
	for a := 0; a < cfg.Agents; a++ {
		var price, profit float64
		n := 0
		for rep := 0; rep < cfg.Replicates; rep++ {
			series := result.Prices[a][rep]
			if len(series) < cfg.Periods {
				continue // failed replicate
			}
			price += experiment.MeanTrailing(series, runFlags.window)
			profit += experiment.MeanTrailing(result.Profits[a][rep], runFlags.window)
			n++
		}
		if n == 0 {
			log.Printf("Agent %d: no completed replicates", a)
			continue
		}
		log.Printf("Agent %d: mean price %.4f, mean profit %.4f over final %d periods",
			a, price/float64(n), profit/float64(n), runFlags.window)
	}

	if cfg.Algorithm != config.AlgorithmQ && cfg.Algorithm != config.AlgorithmReducedQ {
		return
	}
	var sum float64
	n := 0
	for _, snaps := range result.Snapshots {
		if snaps == nil {
			continue
		}
		corr, err := experiment.BestResponseCorrelation(snaps, market.Grid(cfg.Grid))
		if err != nil {
			log.Printf("best-response correlation: %v", err)
			return
		}
		for i := 0; i < cfg.Agents; i++ {
			for j := i + 1; j < cfg.Agents; j++ {
				sum += corr[i][j]
				n++
			}
		}
	}
	if n > 0 {
		log.Printf("Mean cross-agent best-response correlation: %.4f", sum/float64(n))
	}
}

// exportCSV writes one period-by-replicate table per agent per quantity,
// one replicate trajectory per line.
func exportCSV(dir string, result *experiment.Result) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	for a := 0; a < result.Config.Agents; a++ {
		if err := writeTable(filepath.Join(dir, fmt.Sprintf("prices_agent%d.csv", a)), result.Prices[a]); err != nil {
			return err
		}
		if err := writeTable(filepath.Join(dir, fmt.Sprintf("profits_agent%d.csv", a)), result.Profits[a]); err != nil {
			return err
		}
	}
	return nil
}

func writeTable(path string, table [][]float64) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	for _, row := range table {
		cells := make([]string, len(row))
		for i, v := range row {
			cells[i] = strconv.FormatFloat(v, 'g', -1, 64)
		}
		if _, err := f.WriteString(strings.Join(cells, ",") + "\n"); err != nil {
			return err
		}
	}
	return nil
}
