package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"oxidelab/internal/engine"
	"oxidelab/internal/session"
	"oxidelab/internal/stream"
	"oxidelab/pkg/types"
)

// withEngine runs fn with a fresh engine and a context cancelled on SIGINT.
func (a *app) withEngine(cmd *cobra.Command, fn func(ctx context.Context, e *engine.Engine) error) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	e, err := a.newEngine()
	if err != nil {
		return err
	}
	ferr := fn(ctx, e)
	if cerr := e.Close(); ferr == nil {
		ferr = cerr
	}
	return ferr
}

// identityArgs accepts "<repository> <file>" or a single "<repository>/<file>".
func identityArgs(args []string) (types.ModelIdentity, error) {
	switch len(args) {
	case 2:
		return types.ModelIdentity{Repository: args[0], FileName: args[1]}, nil
	case 1:
		i := strings.LastIndex(args[0], "/")
		if i <= 0 || i == len(args[0])-1 {
			return types.ModelIdentity{}, fmt.Errorf("expected <owner>/<repo>/<file>, got %q", args[0])
		}
		return types.ModelIdentity{Repository: args[0][:i], FileName: args[0][i+1:]}, nil
	default:
		return types.ModelIdentity{}, fmt.Errorf("expected <repository> <file>")
	}
}

func newDownloadCmd(a *app) *cobra.Command {
	var retries int
	cmd := &cobra.Command{
		Use:     "download <repository> <file>",
		Short:   "Download a model file from the hub",
		Example: "  oxided download unsloth/Qwen3-0.6B-GGUF Qwen3-0.6B-Q4_K_M.gguf",
		Args:    cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := identityArgs(args)
			if err != nil {
				return err
			}
			out := cmd.ErrOrStderr()
			return a.withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
				p := &progressPrinter{w: out}
				path, err := e.DownloadModelStaged(ctx, id, p.progress, p.setStage, retries)
				p.finish()
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), path)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&retries, "retries", 0, "Attempts before giving up (0 uses the configured value)")
	return cmd
}

// progressPrinter renders a single updating status line.
type progressPrinter struct {
	w       io.Writer
	stage   string
	lastPct int
	printed bool
}

func (p *progressPrinter) setStage(s string) {
	p.stage = s
	p.lastPct = -1
	fmt.Fprintf(p.w, "\r%-24s", s)
	p.printed = true
}

func (p *progressPrinter) progress(read, total int64, done bool) {
	if total <= 0 {
		fmt.Fprintf(p.w, "\r%-24s %s", p.stage, humanize.IBytes(uint64(read)))
		return
	}
	pct := int(read * 100 / total)
	if pct == p.lastPct && !done {
		return
	}
	p.lastPct = pct
	fmt.Fprintf(p.w, "\r%-24s %3d%% %s / %s", p.stage, pct, humanize.IBytes(uint64(read)), humanize.IBytes(uint64(total)))
	p.printed = true
}

func (p *progressPrinter) finish() {
	if p.printed {
		fmt.Fprintln(p.w)
	}
}

func newListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List models in the models directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
				models, err := e.ListDownloadedModels(ctx)
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "FILE\tREPOSITORY\tNAME\tQUANT\tSIZE")
				var total int64
				for _, m := range models {
					total += m.SizeBytes
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", m.FileName, m.Identity.Repository, m.DisplayName,
						orDash(m.Quant), humanize.IBytes(uint64(m.SizeBytes)))
				}
				if err := tw.Flush(); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s model(s) in %s, %s\n", humanize.Comma(int64(len(models))), e.Store().Dir(), humanize.IBytes(uint64(total)))
				return nil
			})
		},
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func newStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status <repository> <file>",
		Short: "Show whether a model is downloaded",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := identityArgs(args)
			if err != nil {
				return err
			}
			return a.withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
				ok, err := e.IsModelDownloaded(id)
				if err != nil {
					return err
				}
				if !ok {
					fmt.Fprintf(cmd.OutOrStdout(), "%s: not downloaded\n", id)
					return nil
				}
				size, _ := e.ModelFileSize(id)
				fmt.Fprintf(cmd.OutOrStdout(), "%s: downloaded (%s)\n", id, humanize.IBytes(uint64(size)))
				return nil
			})
		},
	}
}

func newDeleteCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <repository> <file>",
		Short: "Delete a downloaded model",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := identityArgs(args)
			if err != nil {
				return err
			}
			return a.withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
				deleted, err := e.DeleteModel(id)
				if err != nil {
					return err
				}
				if deleted {
					fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", id)
				} else {
					fmt.Fprintf(cmd.OutOrStdout(), "%s was not present\n", id)
				}
				return nil
			})
		},
	}
}

func newSyncCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Reconcile the download index with the models directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
				rep, err := e.SyncCache(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "kept %d, added %d, cleared %d\n", rep.Kept, len(rep.Added), len(rep.Cleared))
				for _, k := range rep.Added {
					fmt.Fprintf(cmd.OutOrStdout(), "  + %s\n", k)
				}
				for _, k := range rep.Cleared {
					fmt.Fprintf(cmd.OutOrStdout(), "  - %s\n", k)
				}
				return nil
			})
		},
	}
}

func newValidateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <path>",
		Short: "Check that a file is a readable GGUF model",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
				if err := e.ValidateModel(args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: ok\n", e.ResolvePath(args[0]))
				return nil
			})
		},
	}
}

func newGenerateCmd(a *app) *cobra.Command {
	var (
		model string
		raw   bool
		gen   types.GenerationConfig
	)
	cmd := &cobra.Command{
		Use:   "generate --model <path> <prompt>",
		Short: "Load a model and stream a completion to stdout",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if model == "" {
				return fmt.Errorf("--model is required")
			}
			out := cmd.OutOrStdout()
			return a.withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
				if err := e.LoadModel(ctx, e.ResolvePath(model)); err != nil {
					return err
				}
				cfg := gen
				req := session.Request{Prompt: strings.Join(args, " "), Chat: !raw, Config: &cfg}
				res, err := e.GenerateRequest(ctx, req, stream.Funcs{Token: func(tok string) { fmt.Fprint(out, tok) }})
				if err != nil {
					return err
				}
				fmt.Fprintln(out)
				a.log.Info().Str("finish", res.FinishReason).Int("tokens", res.CompletionTokens).Msg("generation finished")
				return nil
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&model, "model", "", "Model path; relative paths resolve against the models directory")
	f.BoolVar(&raw, "raw", false, "Send the prompt without the chat template")
	f.UintVar(&gen.MaxTokens, "max-tokens", 0, "Maximum new tokens (0 uses the default)")
	f.Float32Var(&gen.Temperature, "temperature", 0.7, "Sampling temperature; 0 is greedy")
	f.Float32Var(&gen.TopP, "top-p", 0, "Nucleus sampling threshold (0 uses the default)")
	f.Float32Var(&gen.RepeatPenalty, "repeat-penalty", 0, "Repeat penalty (0 uses the default)")
	f.Uint64Var(&gen.Seed, "seed", 0, "Sampler seed (0 uses the default)")
	return cmd
}
