package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"oxidelab/internal/classify"
	"oxidelab/internal/common/fsutil"
	"oxidelab/internal/config"
	"oxidelab/internal/download"
	"oxidelab/internal/engine"
	"oxidelab/internal/kvstore"
	"oxidelab/internal/session"
)

// app carries the resolved configuration between cobra hooks and commands.
type app struct {
	cfgPath string
	cfg     config.Config
	log     zerolog.Logger
	stderr  io.Writer
}

func newRootCmd() *cobra.Command {
	a := &app{stderr: os.Stderr}
	root := &cobra.Command{
		Use:           "oxided",
		Short:         "Download GGUF models and run local inference",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&a.cfgPath, "config", os.Getenv("OXIDE_CONFIG"), "Config file (.yaml, .json or .toml; defaults OXIDE_CONFIG)")
	pf.String("models-dir", "", "Directory holding downloaded models (defaults OXIDE_MODELS_DIR)")
	pf.String("index-backend", "", "Download index backend: json|badger|memory")
	pf.String("hub-url", "", "Model hub base URL")
	pf.String("backend", "", "Inference backend: llama|server")
	pf.String("server-url", "", "llama.cpp server URL for --backend=server (defaults OXIDE_SERVER_URL)")
	pf.String("log-level", "", "Log level: debug|info|warn|error|off (defaults OXIDE_LOG_LEVEL or info)")
	pf.String("log-format", "", "Log format: console|json")
	pf.Int("memory-budget-mb", -1, "Refuse to load models estimated above this size (0=unlimited)")

	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		if err := a.resolve(cmd); err != nil {
			return err
		}
		a.log = newLogger(a.stderr, a.cfg.LogLevel, a.cfg.LogFormat)
		return nil
	}

	root.AddCommand(
		newServeCmd(a),
		newDownloadCmd(a),
		newListCmd(a),
		newStatusCmd(a),
		newDeleteCmd(a),
		newSyncCmd(a),
		newValidateCmd(a),
		newGenerateCmd(a),
	)
	return root
}

// resolve layers defaults, the config file, environment and flags, in that
// order of increasing precedence.
func (a *app) resolve(cmd *cobra.Command) error {
	cfg := config.Defaults()
	if a.cfgPath != "" {
		fileCfg, err := config.Load(a.cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		fileCfg.ApplyDefaults()
		cfg = fileCfg
	}
	envOverride(&cfg.Addr, "OXIDE_ADDR")
	envOverride(&cfg.ModelsDir, "OXIDE_MODELS_DIR")
	envOverride(&cfg.HFToken, "HF_TOKEN")
	envOverride(&cfg.HFToken, "OXIDE_HF_TOKEN")
	envOverride(&cfg.LogLevel, "OXIDE_LOG_LEVEL")
	envOverride(&cfg.ServerURL, "OXIDE_SERVER_URL")
	envOverride(&cfg.ServerAPIKey, "OXIDE_SERVER_API_KEY")

	flags := cmd.Flags()
	for name, dst := range map[string]*string{
		"models-dir":    &cfg.ModelsDir,
		"index-backend": &cfg.IndexBackend,
		"hub-url":       &cfg.HubURL,
		"backend":       &cfg.Backend,
		"server-url":    &cfg.ServerURL,
		"log-level":     &cfg.LogLevel,
		"log-format":    &cfg.LogFormat,
	} {
		if f := flags.Lookup(name); f != nil && f.Changed {
			*dst = f.Value.String()
		}
	}
	if f := flags.Lookup("memory-budget-mb"); f != nil && f.Changed {
		n, err := flags.GetInt("memory-budget-mb")
		if err != nil {
			return err
		}
		cfg.MemoryBudgetMB = n
	}

	dir, err := fsutil.ExpandHome(cfg.ModelsDir)
	if err != nil {
		return err
	}
	cfg.ModelsDir = dir
	if err := cfg.Validate(); err != nil {
		return err
	}
	a.cfg = cfg
	return nil
}

func envOverride(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

func newLogger(w io.Writer, level, format string) zerolog.Logger {
	var out io.Writer = w
	if format != "json" {
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}
	}
	lvl := zerolog.InfoLevel
	switch level {
	case "off":
		lvl = zerolog.Disabled
	default:
		if l, err := zerolog.ParseLevel(level); err == nil && l != zerolog.NoLevel {
			lvl = l
		}
	}
	return zerolog.New(out).Level(lvl).With().Timestamp().Logger()
}

// newEngine builds the engine from the resolved configuration.
func (a *app) newEngine() (*engine.Engine, error) {
	cfg := a.cfg
	indexPath := cfg.IndexPath
	if indexPath == "" {
		indexPath = kvstore.DefaultPath(cfg.IndexBackend, cfg.ModelsDir)
	}
	if cfg.IndexBackend != kvstore.BackendMemory {
		if err := os.MkdirAll(cfg.ModelsDir, 0o755); err != nil {
			return nil, err
		}
	}
	index, err := kvstore.Open(cfg.IndexBackend, indexPath, a.log)
	if err != nil {
		return nil, err
	}
	hubOpts := []download.HubOption{
		download.WithBaseURL(cfg.HubURL),
		download.WithUserAgent(cfg.UserAgent),
		download.WithHTTPClient(download.NewHTTPClient(download.Timeouts{
			Connect: cfg.ConnectTimeout.Std(),
			Read:    cfg.ReadTimeout.Std(),
			Write:   cfg.WriteTimeout.Std(),
		})),
	}
	if cfg.HFToken != "" {
		hubOpts = append(hubOpts, download.WithToken(cfg.HFToken))
	}
	backend, err := session.NewBackend(cfg.Backend,
		session.LlamaOptions{ContextSize: cfg.ContextSize, Threads: cfg.Threads, GPULayers: cfg.GPULayers},
		session.ServerOptions{
			BaseURL:        cfg.ServerURL,
			APIKey:         cfg.ServerAPIKey,
			ConnectTimeout: cfg.ConnectTimeout.Std(),
			Logger:         a.log,
		})
	if err != nil {
		_ = index.Close()
		return nil, err
	}
	e, err := engine.New(engine.Config{
		ModelsDir:      cfg.ModelsDir,
		Index:          index,
		Classifier:     classify.New(cfg.Rules...),
		Hub:            download.NewHub(hubOpts...),
		MaxRetries:     cfg.MaxRetries,
		BaseDelay:      cfg.RetryBaseDelay.Std(),
		ChunkSize:      cfg.ChunkSize,
		DisableResume:  cfg.DisableResume,
		Backend:        backend,
		MemoryBudgetMB: cfg.MemoryBudgetMB,
		Defaults:       cfg.Generation,
		Logger:         a.log,
	})
	if err != nil {
		_ = index.Close()
		return nil, err
	}
	return e, nil
}

// splitCSV splits a comma-separated flag value, dropping empty entries.
func splitCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
