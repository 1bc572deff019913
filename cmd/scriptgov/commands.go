package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/nainya/scriptgov/internal/config"
	"github.com/nainya/scriptgov/internal/server"
	"github.com/nainya/scriptgov/pkg/diff"
	"github.com/nainya/scriptgov/pkg/journal"
	"github.com/nainya/scriptgov/pkg/sandbox"
	"github.com/nainya/scriptgov/pkg/validator"
)

// errRejected makes the validate command exit non-zero
var errRejected = errors.New("one or more scripts were rejected")

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "scriptgov",
		Short:         "Validate, version and serve tenant automation scripts",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	config.RegisterFlags(root)
	root.AddCommand(
		newServeCommand(),
		newValidateCommand(),
		newDiffCommand(),
		newCheckpointCommand(),
	)
	return root
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, cmd.ErrOrStderr())
		},
	}
}

func serve(ctx context.Context, cfg config.Config, logOut io.Writer) (err error) {
	a, err := newApp(ctx, cfg, logOut)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.Close(); cerr != nil {
			err = errors.CombineErrors(err, cerr)
		}
	}()

	var exec sandbox.Executor
	if cfg.NATSURL != "" {
		nc, err := sandbox.Connect(cfg.NATSURL, a.log.Component("sandbox"))
		if err != nil {
			return err
		}
		a.closers = append(a.closers, closerFunc(func() error { nc.Close(); return nil }))
		exec = sandbox.NewNATSExecutor(nc,
			sandbox.WithSubject(cfg.SandboxSubject),
			sandbox.WithTimeout(cfg.SandboxTimeout),
			sandbox.WithLogger(a.log.Component("sandbox")),
		)
	}

	srv, err := server.New(server.Options{
		Governance: a.gov,
		Executor:   exec,
		Metrics:    a.metrics,
		Gatherer:   a.registry,
		Logger:     a.log,
		JWTSecret:  []byte(cfg.JWTSecret),
		Ready:      a.ready,
	})
	if err != nil {
		return err
	}

	if a.checkpointer != nil {
		a.checkpointer.Start(ctx)
	}
	if cfg.JWTSecret == "" {
		a.log.Warn("authentication disabled; every caller is anonymous").Send()
	}
	a.log.LogServerStart(cfg.Listen, cfg.Backend, a.catalog.Revision())
	return srv.Run(ctx, cfg.Listen)
}

func newValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate FILE...",
		Short: "Validate script files against the policy catalog",
		Long:  "Prints one verdict per file as JSON and exits non-zero if any file is rejected. Use - for stdin.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cmd)
			if err != nil {
				return err
			}
			catalog, err := loadCatalog(cfg.PolicyFile)
			if err != nil {
				return err
			}
			v := validator.New(catalog)

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			rejected := false
			for _, path := range args {
				src, err := readSource(cmd, path)
				if err != nil {
					return err
				}
				verdict := v.Validate(src)
				if !verdict.Accepted() {
					rejected = true
				}
				if err := enc.Encode(struct {
					File    string            `json:"File"`
					Verdict validator.Verdict `json:"Verdict"`
				}{path, verdict}); err != nil {
					return err
				}
			}
			if rejected {
				return errRejected
			}
			return nil
		},
	}
}

func readSource(cmd *cobra.Command, path string) (string, error) {
	if path == "-" {
		data, err := io.ReadAll(cmd.InOrStdin())
		return string(data), errors.Wrap(err, "read stdin")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", errors.Wrapf(err, "read %s", path)
	}
	return string(data), nil
}

func newDiffCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "diff OLD NEW",
		Short: "Show a line diff between two script files",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			old, err := readSource(cmd, args[0])
			if err != nil {
				return err
			}
			updated, err := readSource(cmd, args[1])
			if err != nil {
				return err
			}
			lines, err := diff.Lines(old, updated)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, l := range lines {
				marker := " "
				switch l.Op {
				case diff.Added:
					marker = "+"
				case diff.Removed:
					marker = "-"
				}
				fmt.Fprintf(out, "%s %s\n", marker, l.Content())
				if !l.Terminated() {
					fmt.Fprintln(out, `\ No newline at end of file`)
				}
			}
			stats := diff.Count(lines)
			fmt.Fprintf(out, "%d added, %d removed, %d unchanged\n", stats.Added, stats.Removed, stats.Unchanged)
			return nil
		},
	}
}

func newCheckpointCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "checkpoint",
		Short: "Compact the journal backend into a snapshot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cmd)
			if err != nil {
				return err
			}
			if cfg.Backend != config.BackendJournal {
				return errors.Newf("checkpoint needs the journal backend, not %s", cfg.Backend)
			}
			b, err := journal.Open(journal.Options{
				Dir:         cfg.JournalDir,
				MaxFileSize: cfg.JournalMaxFileSize,
				NoSync:      cfg.JournalNoSync,
			})
			if err != nil {
				return err
			}
			if err := b.Checkpoint(); err != nil {
				return errors.CombineErrors(err, b.Close())
			}
			if err := b.Close(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "checkpoint written to %s\n", cfg.JournalDir)
			return nil
		},
	}
}
