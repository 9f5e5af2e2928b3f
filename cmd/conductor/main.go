package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/conductor/internal/common"
	"github.com/ternarybob/conductor/internal/orchestrator"
	"github.com/ternarybob/conductor/internal/providers"
)

// configPaths is a custom flag type that allows multiple -config flags
type configPaths []string

func (c *configPaths) String() string {
	return fmt.Sprintf("%v", *c)
}

func (c *configPaths) Set(value string) error {
	*c = append(*c, value)
	return nil
}

var (
	configFiles  configPaths
	showVersion  = flag.Bool("version", false, "Print version information")
	showVersionV = flag.Bool("v", false, "Print version information (shorthand)")
	streamOut    = flag.Bool("stream", false, "Stream the response chunk by chunk")
	showUsage    = flag.Bool("usage", false, "Print the usage snapshot after the response")
	timeout      = flag.Duration("timeout", 30*time.Second, "Overall request timeout")
)

func init() {
	flag.Var(&configFiles, "config", "Configuration file path (can be specified multiple times, later files override earlier ones)")
	flag.Var(&configFiles, "c", "Configuration file path (shorthand)")
}

func main() {
	flag.Parse()

	if *showVersion || *showVersionV {
		fmt.Printf("Conductor version %s\n", common.GetVersion())
		os.Exit(0)
	}

	prompt := strings.Join(flag.Args(), " ")
	if prompt == "" {
		fmt.Fprintln(os.Stderr, "usage: conductor [flags] <prompt>")
		flag.PrintDefaults()
		os.Exit(2)
	}

	// Auto-discover config file if not specified
	if len(configFiles) == 0 {
		if _, err := os.Stat("conductor.toml"); err == nil {
			configFiles = append(configFiles, "conductor.toml")
		}
	}

	config, err := common.LoadFromFiles(configFiles...)
	if err != nil {
		tempLogger := arbor.NewLogger()
		tempLogger.Fatal().Strs("paths", configFiles).Err(err).Msg("Failed to load configuration")
		os.Exit(1)
	}

	logger := common.InitLogger(config)
	common.PrintBanner(common.GetVersion())

	// The binary runs over the offline echo provider. Real provider
	// adapters are supplied by embedding applications.
	echo := providers.NewEchoProvider(config.LLM.DefaultProvider)
	svc, err := orchestrator.NewService(config, logger, echo)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize orchestrator")
		os.Exit(1)
	}
	defer svc.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Warn().Msg("Interrupted, cancelling request")
		cancel()
	}()

	if *streamOut {
		if err := runStream(ctx, svc, prompt); err != nil {
			logger.Fatal().Err(err).Msg("Stream failed")
			os.Exit(1)
		}
	} else {
		result, err := svc.GenerateText(ctx, prompt, nil)
		if err != nil {
			logger.Fatal().Err(err).Msg("Generation failed")
			os.Exit(1)
		}
		fmt.Println(result)
	}

	if *showUsage {
		printUsage(svc)
	}
}

func runStream(ctx context.Context, svc *orchestrator.Service, prompt string) error {
	chunks, err := svc.GenerateStream(ctx, prompt, nil)
	if err != nil {
		return err
	}
	for chunk := range chunks {
		if chunk.Err != nil {
			fmt.Println()
			return chunk.Err
		}
		fmt.Print(chunk.Text)
	}
	fmt.Println()
	return nil
}

func printUsage(svc *orchestrator.Service) {
	usage := svc.Usage()
	fmt.Println()
	fmt.Printf("operations: %d  avg duration: %s  avg throughput: %.1f tok/s\n",
		usage.AverageMetrics.Count,
		usage.AverageMetrics.AvgDuration.Round(time.Millisecond),
		usage.AverageMetrics.AvgThroughput)
	fmt.Printf("trend: %s", usage.Trend.Direction)
	if usage.Trend.Note != "" {
		fmt.Printf(" (%s)", usage.Trend.Note)
	}
	fmt.Println()
	fmt.Printf("queue: depth %d, active %d\n", usage.QueueStatus.Depth, usage.QueueStatus.Active)
	for provider, stats := range usage.PoolStats {
		fmt.Printf("pool[%s]: total %d, in use %d, requests %d, errors %d\n",
			provider, stats.Total, stats.InUse, stats.Requests, stats.Errors)
	}
	fmt.Printf("errors: %d (resolution rate %.0f%%)\n",
		usage.ErrorStats.Total, usage.ErrorStats.ResolutionRate*100)
}
