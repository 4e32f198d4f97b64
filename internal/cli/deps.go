package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lucasnoah/coderloop/internal/agent"
	"github.com/lucasnoah/coderloop/internal/checks"
	"github.com/lucasnoah/coderloop/internal/config"
	"github.com/lucasnoah/coderloop/internal/db"
	"github.com/lucasnoah/coderloop/internal/extract"
	"github.com/lucasnoah/coderloop/internal/llm"
	"github.com/lucasnoah/coderloop/internal/metrics"
	"github.com/lucasnoah/coderloop/internal/orchestrator"
	"github.com/lucasnoah/coderloop/internal/pipeline"
	"github.com/lucasnoah/coderloop/internal/prompt"
	"github.com/lucasnoah/coderloop/internal/stage"
)

// loadConfig resolves the configuration: --config file or the search path,
// then the environment. Flags are applied by each command.
func loadConfig() (*config.Config, error) {
	var cfg *config.Config
	var err error
	if configFile != "" {
		cfg, err = config.Load(configFile)
	} else {
		cfg, _, err = config.LoadDefault()
	}
	if err != nil {
		return nil, err
	}
	if err := config.ApplyEnv(cfg, os.Getenv); err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	return cfg, nil
}

// validConfig fails with every validation error joined into one message.
func validConfig(cfg *config.Config) error {
	errs := config.Validate(cfg)
	if len(errs) == 0 {
		return nil
	}
	msg := fmt.Sprintf("config has %d validation error(s):", len(errs))
	for _, e := range errs {
		msg += "\n  - " + e.Error()
	}
	return fmt.Errorf("%s", msg)
}

// openDB opens and migrates the ledger, creating its directory. An empty
// path means the default location.
func openDB(path string) (*db.DB, func(), error) {
	if path == "" {
		p, err := db.DefaultDBPath()
		if err != nil {
			return nil, nil, err
		}
		path = p
	} else if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, nil, fmt.Errorf("create ledger directory: %w", err)
		}
	}
	d, err := db.Open(path)
	if err != nil {
		return nil, nil, err
	}
	if err := d.Migrate(); err != nil {
		d.Close()
		return nil, nil, err
	}
	return d, func() { d.Close() }, nil
}

// deps is everything a pipeline run needs, built once per command.
type deps struct {
	cfg     config.Config
	logger  *zap.Logger
	metrics *metrics.Metrics
	store   *pipeline.Store
	ledger  *db.DB
	engine  *stage.Engine
	orch    *orchestrator.Orchestrator
	close   func()
}

// buildDeps wires the model client, verifiers, stub extractor, stage engine
// and orchestrator from cfg. progress may be nil.
func buildDeps(cfg config.Config, progress io.Writer) (*deps, error) {
	if err := validConfig(&cfg); err != nil {
		return nil, err
	}
	if cfg.APIKey() == "" {
		return nil, fmt.Errorf("no API key for backend %s: set %s", cfg.Backend, cfg.APIKeyEnv())
	}

	logger, err := config.NewLogger(cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	m := metrics.New(prometheus.NewRegistry())

	timeout, err := cfg.API.TimeoutDuration()
	if err != nil {
		return nil, err
	}
	base, err := llm.New(llm.Config{
		Backend: cfg.Backend,
		APIKey:  cfg.APIKey(),
		BaseURL: cfg.API.BaseURL,
		Timeout: timeout,
	}, logger)
	if err != nil {
		return nil, err
	}
	client := llm.Instrument(base, cfg.Backend, logger, m, llm.CountTokens)

	opts := llm.Options{Model: modelName(&cfg), MaxTokens: cfg.MaxTokens, Temperature: cfg.Temperature}

	runner := checks.NewRunner(&checks.ExecRunner{})
	runner.SetLogger(logger)

	staticChecks, err := cfg.Static.GateChecks()
	if err != nil {
		return nil, fmt.Errorf("static verifier: %w", err)
	}
	dynamicChecks, err := cfg.Dynamic.GateChecks()
	if err != nil {
		return nil, fmt.Errorf("dynamic verifier: %w", err)
	}
	static := checks.NewCommandVerifier(pipeline.VerifierStatic, runner, staticChecks)
	static.SetContinueOnFailure(cfg.Static.ContinueOnFailure)
	dynamic := checks.NewCommandVerifier(pipeline.VerifierDynamic, runner, dynamicChecks)
	dynamic.SetContinueOnFailure(cfg.Dynamic.ContinueOnFailure)

	var stubber extract.StubExtractor = extract.TreeSitterStubber{}
	if cfg.Stub.Mode == "command" {
		stubTimeout, err := cfg.Stub.TimeoutDuration()
		if err != nil {
			return nil, err
		}
		stubber = &extract.CommandStubber{
			Runner:    runner,
			Command:   cfg.Stub.Command,
			Extension: cfg.Stub.Extension,
			Timeout:   stubTimeout,
		}
	}

	d, closeDB, err := openDB(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}

	store := pipeline.NewStore(cfg.WorkDir)
	store.SetSourceExt(cfg.SourceExt)

	prompts := prompt.NewLibrary(cfg.TemplatesDir)
	programmer := agent.NewProgrammer(client, prompts, opts, logger)
	programmer.SetLanguage(cfg.Language)
	programmer.SetChecker(staticChecks[0].Name)
	designer := agent.NewTestDesigner(client, prompts, opts, logger)
	designer.SetLanguage(cfg.Language)

	engine := stage.NewEngine(store, d, m, logger)
	engine.SetProgress(progress)

	orch := orchestrator.New(orchestrator.Components{
		Store:      store,
		Engine:     engine,
		Programmer: programmer,
		Designer:   designer,
		Static:     static,
		Dynamic:    dynamic,
		Stubber:    stubber,
		Ledger:     d,
		Metrics:    m,
		Logger:     logger,
		Progress:   progress,
	})
	orch.SetStubArtifact(cfg.Stub.Mode, cfg.Stub.Extension)

	return &deps{
		cfg:     cfg,
		logger:  logger,
		metrics: m,
		store:   store,
		ledger:  d,
		engine:  engine,
		orch:    orch,
		close: func() {
			_ = logger.Sync()
			closeDB()
		},
	}, nil
}

func writeJSON(cmd *cobra.Command, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return d.Round(time.Millisecond).String()
	}
	return d.Round(100 * time.Millisecond).String()
}
