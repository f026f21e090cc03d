// Command conductor runs a document-generation session from a YAML
// session file and prints (and optionally archives) the final report.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"conductor/pkg/config"
	"conductor/pkg/contextstore"
	"conductor/pkg/eventlog"
	"conductor/pkg/executor"
	"conductor/pkg/logx"
	"conductor/pkg/metrics"
	"conductor/pkg/persistence"
	"conductor/pkg/proto"
	"conductor/pkg/session"
)

const version = "0.3.0"

// Exit codes: 0 completed, 1 failed (or usage error), 2 blocked.
const (
	exitCompleted = 0
	exitFailed    = 1
	exitBlocked   = 2
)

// sessionFile is the YAML document describing one session request.
type sessionFile struct {
	Tasks   []proto.TaskSpec    `yaml:"tasks"`
	Context map[string]string   `yaml:"context"`
	Policy  map[string][]string `yaml:"policy"`
}

func main() {
	var (
		configPath  string
		sessionPath string
		provider    string
		model       string
		dbPath      string
		metricsURL  string
		showVersion bool
	)
	flag.StringVar(&configPath, "config", "", "Path to engine config file (YAML)")
	flag.StringVar(&sessionPath, "session", "", "Path to session file (YAML: tasks, context, policy)")
	flag.StringVar(&provider, "provider", "", "Override executor provider (mock|anthropic|openai|gemini|ollama)")
	flag.StringVar(&model, "model", "", "Override executor model")
	flag.StringVar(&dbPath, "db", "", "Override report database path")
	flag.StringVar(&metricsURL, "metrics", "", "Print aggregated session metrics from a Prometheus server and exit")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("conductor %s\n", version)
		return
	}
	if metricsURL != "" {
		os.Exit(runMetricsQuery(metricsURL))
	}
	if sessionPath == "" {
		fmt.Fprintln(os.Stderr, "usage: conductor -session <file.yaml> [-config <file.yaml>]")
		os.Exit(exitFailed)
	}

	os.Exit(run(configPath, sessionPath, provider, model, dbPath))
}

// runMetricsQuery prints cross-session aggregates scraped into a
// Prometheus server by earlier runs.
func runMetricsQuery(prometheusURL string) int {
	svc, err := metrics.NewQueryService(prometheusURL)
	if err != nil {
		log.Fatalf("Failed to build metrics query service: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	sm, err := svc.GetSessionMetrics(ctx)
	if err != nil {
		log.Fatalf("Failed to query session metrics: %v", err)
	}

	fmt.Printf("Aggregated session metrics from %s\n", prometheusURL)
	fmt.Printf("  Tasks succeeded:   %d\n", sm.TasksSucceeded)
	fmt.Printf("  Raw tokens:        %d\n", sm.RawTokens)
	fmt.Printf("  Optimized tokens:  %d\n", sm.OptimizedTokens)
	fmt.Printf("  Recovery attempts: %d\n", sm.RecoveryAttempts)
	fmt.Printf("  Recovery rate:     %.1f%%\n", sm.RecoveryRate*100)
	return exitCompleted
}

func run(configPath, sessionPath, provider, model, dbPath string) int {
	logger := logx.NewLogger("conductor")

	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
		cfg = loaded
	}
	if provider != "" {
		cfg.Executor.Provider = provider
	}
	if model != "" {
		cfg.Executor.Model = model
	}
	if dbPath != "" {
		cfg.DatabasePath = dbPath
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	req, err := loadSessionFile(sessionPath)
	if err != nil {
		log.Fatalf("Failed to load session file: %v", err)
	}

	exec, err := buildExecutor(cfg.Executor)
	if err != nil {
		log.Fatalf("Failed to build executor: %v", err)
	}
	logger.Info("executor: %s", exec.Name())

	var opts []session.Option
	if cfg.EventLogDir != "" {
		events, err := eventlog.NewWriter(cfg.EventLogDir)
		if err != nil {
			log.Fatalf("Failed to open event log: %v", err)
		}
		defer events.Close()
		opts = append(opts, session.WithEventLog(events))
	}
	opts = append(opts, session.WithRecorder(metrics.NewRecorder()))

	engine := session.NewEngine(cfg, exec, opts...)
	handle, err := engine.Submit(req.Tasks, contextstore.Context(req.Context), req.Policy)
	if err != nil {
		log.Fatalf("Submit rejected: %v", err)
	}

	// Caller-initiated cancellation via SIGINT/SIGTERM.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Warn("received signal %v, cancelling session", sig)
		handle.Cancel()
	}()

	report := engine.Await(handle)
	printReport(report)

	if cfg.DatabasePath != "" {
		store, err := persistence.Open(cfg.DatabasePath)
		if err != nil {
			logger.Error("failed to open report database: %v", err)
		} else {
			defer store.Close()
			if err := store.SaveReport(report); err != nil {
				logger.Error("failed to archive report: %v", err)
			}
		}
	}

	switch report.Status {
	case session.StatusCompleted:
		return exitCompleted
	case session.StatusBlocked:
		return exitBlocked
	default:
		return exitFailed
	}
}

func loadSessionFile(path string) (*sessionFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	var req sessionFile
	if err := yaml.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if len(req.Tasks) == 0 {
		return nil, fmt.Errorf("%s: no tasks declared", path)
	}
	return &req, nil
}

func buildExecutor(ec config.ExecutorConfig) (executor.Executor, error) {
	switch ec.Provider {
	case config.ProviderMock:
		return executor.NewMockExecutor(), nil
	case config.ProviderAnthropic:
		return executor.NewAnthropicExecutor(ec.APIKey(), ec.Model, ec.MaxTokens), nil
	case config.ProviderOpenAI:
		return executor.NewOpenAIExecutor(ec.APIKey(), ec.Model, ec.MaxTokens), nil
	case config.ProviderGemini:
		return executor.NewGeminiExecutor(ec.APIKey(), ec.Model, ec.MaxTokens), nil
	case config.ProviderOllama:
		return executor.NewOllamaExecutor(ec.Host, ec.Model, ec.MaxTokens), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", ec.Provider)
	}
}

// printReport writes a human-readable session summary to stdout. Status
// glyphs are used only on a terminal.
func printReport(report *session.Report) {
	tty := term.IsTerminal(int(os.Stdout.Fd()))

	fmt.Printf("session %s: %s (%.1fs)\n", report.SessionID, report.Status,
		report.Metrics.WallTime.Seconds())

	names := make([]string, 0, len(report.Tasks))
	for name := range report.Tasks {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		a, b := report.Tasks[names[i]], report.Tasks[names[j]]
		if a.BatchIndex != b.BatchIndex {
			return a.BatchIndex < b.BatchIndex
		}
		return names[i] < names[j]
	})

	for _, name := range names {
		run := report.Tasks[name]
		fmt.Printf("  %s %-24s batch=%d attempts=%d recovery=%d %s\n",
			statusGlyph(run.Status, tty), name, run.BatchIndex, run.Attempts,
			run.RecoveryLevel, run.Status)
	}

	if len(report.Issues) > 0 {
		fmt.Printf("validation issues (%d):\n", len(report.Issues))
		for i := range report.Issues {
			issue := &report.Issues[i]
			fmt.Printf("  [%s] %s %s: %s\n", issue.Severity, issue.Category, issue.Subject, issue.Message)
		}
	}

	for _, manual := range report.ManualTasks {
		fmt.Printf("manual completion needed for %s:\n  %s\n", manual.TaskName, manual.Guidance)
	}

	fmt.Printf("context reduction: %.1f%%  recovery rate: %.0f%%\n",
		report.Metrics.ContextReduction(), 100*report.Metrics.RecoveryRate())
}

func statusGlyph(status proto.TaskStatus, tty bool) string {
	if !tty {
		return "-"
	}
	switch status {
	case proto.TaskSucceeded:
		return "✅"
	case proto.TaskRecovered, proto.TaskPartiallyRecovered:
		return "🔧"
	case proto.TaskManualRequired:
		return "✍️"
	default:
		return "❌"
	}
}
