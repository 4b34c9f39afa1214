package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/unixsysdev/pagedkv/internal/config"
	"github.com/unixsysdev/pagedkv/internal/engine"
	"github.com/unixsysdev/pagedkv/internal/kvcache"
	"github.com/unixsysdev/pagedkv/internal/logutil"
)

const vocabSize = 32000

// NewCLI builds the pagedkv command tree.
func NewCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "pagedkv",
		Short:        "Paged KV cache block manager",
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			slog.SetDefault(logutil.NewLogger(cmd.ErrOrStderr(), config.LogLevel()))
		},
	}
	rootCmd.PersistentFlags().String("config", "", "Path to a JSON config file")
	rootCmd.PersistentFlags().Int("blocks", 0, "Number of physical KV cache blocks")
	rootCmd.PersistentFlags().Int("block-size", 0, "Tokens per block")

	simulateCmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run synthetic requests through the scheduler and report cache usage",
		Args:  cobra.NoArgs,
		RunE:  SimulateHandler,
	}
	simulateCmd.Flags().Int("requests", 8, "Number of prompts")
	simulateCmd.Flags().Int("prompt-len", 16, "Tokens per prompt")
	simulateCmd.Flags().Int("max-tokens", 32, "Maximum new tokens per sequence")
	simulateCmd.Flags().Int("forks", 2, "Sequences to fork after the first step")
	simulateCmd.Flags().Bool("json", false, "Print the report as JSON")

	stressCmd := &cobra.Command{
		Use:   "stress",
		Short: "Hammer a locked block manager from concurrent clients",
		Args:  cobra.NoArgs,
		RunE:  StressHandler,
	}
	stressCmd.Flags().Int("clients", 8, "Concurrent clients")
	stressCmd.Flags().Int("iterations", 100, "Allocate/fork/append/release rounds per client")
	stressCmd.Flags().Bool("json", false, "Print the report as JSON")

	envCmd := &cobra.Command{
		Use:   "env",
		Short: "Show environment configuration",
		Args:  cobra.NoArgs,
		RunE:  EnvHandler,
	}

	rootCmd.AddCommand(simulateCmd, stressCmd, envCmd)
	return rootCmd
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")

	var opts []config.Option
	if n, _ := cmd.Flags().GetInt("blocks"); n > 0 {
		opts = append(opts, config.WithNumKVCacheBlocks(n))
	}
	if n, _ := cmd.Flags().GetInt("block-size"); n > 0 {
		opts = append(opts, config.WithKVCacheBlockSize(n))
	}
	return config.LoadConfig(path, opts...)
}

type simulateResult struct {
	Peak  kvcache.MemoryReport `json:"peak"`
	Final kvcache.MemoryReport `json:"final"`
	Stats engine.Stats         `json:"stats"`
	Steps int                  `json:"steps"`
}

// SimulateHandler drives an engine with synthetic prompts until every
// sequence finishes.
func SimulateHandler(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	requests, _ := cmd.Flags().GetInt("requests")
	promptLen, _ := cmd.Flags().GetInt("prompt-len")
	maxTokens, _ := cmd.Flags().GetInt("max-tokens")
	forks, _ := cmd.Flags().GetInt("forks")
	asJSON, _ := cmd.Flags().GetBool("json")

	gen := engine.GeneratorFunc(func(seq *engine.Sequence) int {
		return (seq.LastToken*31 + seq.NumTokens) % vocabSize
	})
	e, err := engine.NewEngine(cfg, gen, slog.Default())
	if err != nil {
		return err
	}

	var ids []string
	for i := range requests {
		prompt := make([]int, promptLen)
		for j := range prompt {
			prompt[j] = (i*promptLen + j) % vocabSize
		}
		seq, err := e.AddRequest(prompt, engine.Params{MaxTokens: maxTokens})
		if err != nil {
			return err
		}
		ids = append(ids, seq.ID)
	}

	var result simulateResult
	for !e.IsFinished() {
		if err := cmd.Context().Err(); err != nil {
			return err
		}
		if _, err := e.Step(); err != nil {
			return err
		}
		result.Steps++

		if result.Steps == 1 {
			for _, id := range ids[:min(forks, len(ids))] {
				if _, err := e.Fork(id); err != nil {
					slog.Warn("fork skipped", "seq", id, "error", err)
				}
			}
		}

		// fragmentation is sampled at peak usage; counters come from the end
		if r := e.MemoryReport(); r.UsedBlocks >= result.Peak.UsedBlocks {
			result.Peak = r
			result.Stats = e.Stats()
		}
	}

	final := e.Stats()
	result.Final = e.MemoryReport()
	result.Stats.Running, result.Stats.Waiting = final.Running, final.Waiting
	result.Stats.Preemptions, result.Stats.Forks = final.Preemptions, final.Forks

	w := cmd.OutOrStdout()
	if asJSON {
		return writeJSON(w, result)
	}

	fmt.Fprintf(w, "steps: %d  preemptions: %d  forks: %d  last-block fill: %.2f±%.2f\n\n",
		result.Steps, result.Stats.Preemptions, result.Stats.Forks,
		result.Stats.MeanLastBlockFill, result.Stats.StdDevLastBlockFill)
	renderReports(w, []string{"PEAK", "FINAL"}, result.Peak, result.Final)
	return nil
}

// StressHandler runs concurrent clients against one locked manager.
func StressHandler(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	clients, _ := cmd.Flags().GetInt("clients")
	iterations, _ := cmd.Flags().GetInt("iterations")
	asJSON, _ := cmd.Flags().GetBool("json")

	m, err := kvcache.New(cfg.NumKVCacheBlocks, cfg.KVCacheBlockSize, kvcache.WithLogger(slog.Default()))
	if err != nil {
		return err
	}
	locked := kvcache.NewLocked(m)
	promptLen := cfg.KVCacheBlockSize + 1

	g, ctx := errgroup.WithContext(cmd.Context())
	for c := range clients {
		g.Go(func() error {
			for i := range iterations {
				if err := ctx.Err(); err != nil {
					return err
				}
				parent := fmt.Sprintf("client-%d-%d", c, i)
				child := parent + "-fork"
				if err := stressRound(locked, parent, child, promptLen); err != nil {
					slog.Debug("stress round aborted", "request", parent, "error", err)
				}
				locked.ReleaseRequest(child)
				locked.ReleaseRequest(parent)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	report := locked.MemoryReport()

	w := cmd.OutOrStdout()
	if asJSON {
		return writeJSON(w, report)
	}
	renderReports(w, []string{"FINAL"}, report)
	return nil
}

func stressRound(l *kvcache.Locked, parent, child string, promptLen int) error {
	// a failed allocation keeps the blocks it took, so only start one that fits
	err := l.Do(func(m *kvcache.Manager) error {
		if !m.CanAllocate(promptLen) {
			return kvcache.ErrOutOfBlocks
		}
		_, err := m.AllocateForRequest(parent, promptLen)
		return err
	})
	if err != nil {
		return err
	}
	if err := l.ForkRequest(parent, child); err != nil {
		return err
	}
	if _, err := l.AppendToken(child, promptLen); err != nil {
		return err
	}
	_, err = l.AppendToken(parent, 1)
	return err
}

// EnvHandler prints the environment configuration.
func EnvHandler(cmd *cobra.Command, args []string) error {
	vars := config.AsMap()
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	var data [][]string
	for _, k := range keys {
		data = append(data, []string{k, fmt.Sprintf("%v", vars[k].Value), vars[k].Description})
	}

	table := newTable(cmd.OutOrStdout(), []string{"NAME", "VALUE", "DESCRIPTION"})
	table.AppendBulk(data)
	table.Render()
	return nil
}

func renderReports(w io.Writer, names []string, reports ...kvcache.MemoryReport) {
	rows := [][]string{
		{"total blocks"}, {"used blocks"}, {"free blocks"}, {"active requests"},
		{"capacity tokens"}, {"used tokens"}, {"last block waste"}, {"token utilization"},
	}
	for _, r := range reports {
		values := []string{
			strconv.Itoa(r.TotalBlocks),
			strconv.Itoa(r.UsedBlocks),
			strconv.Itoa(r.FreeBlocks),
			strconv.Itoa(r.ActiveRequests),
			strconv.Itoa(r.CapacityTokens),
			strconv.Itoa(r.UsedTokens),
			strconv.Itoa(r.LastBlockWasteTokens),
			strconv.FormatFloat(r.TokenUtilization, 'f', 4, 64),
		}
		for i := range rows {
			rows[i] = append(rows[i], values[i])
		}
	}

	table := newTable(w, append([]string{"METRIC"}, names...))
	table.AppendBulk(rows)
	table.Render()
}

func newTable(w io.Writer, header []string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	return table
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
