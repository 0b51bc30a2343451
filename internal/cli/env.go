package cli

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/govledger/internal/config"
	"github.com/roach88/govledger/internal/engine"
	"github.com/roach88/govledger/internal/ledger"
	"github.com/roach88/govledger/internal/store"
)

// env is what a command runs against: the policy, a ledger over the
// configured database and the formatter for its output.
type env struct {
	opts   *RootOptions
	policy config.Policy
	ledger *ledger.Ledger
	logger *slog.Logger
	out    *OutputFormatter
}

func newFormatter(opts *RootOptions, cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}
}

func loadPolicy(opts *RootOptions) (config.Policy, error) {
	if opts.Policy == "" {
		return config.Default(), nil
	}
	p, err := config.Load(opts.Policy)
	if err != nil {
		return config.Policy{}, WrapExitError(ExitCommandError, "failed to load policy", err)
	}
	return p, nil
}

// openEnv loads the policy and opens the ledger. With mustExist the
// database file has to be there already; read-only commands never create
// an empty ledger by accident.
func openEnv(opts *RootOptions, cmd *cobra.Command, mustExist bool) (*env, error) {
	out := newFormatter(opts, cmd)
	policy, err := loadPolicy(opts)
	if err != nil {
		return nil, err
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if opts.Verbose {
		logger = slog.New(slog.NewTextHandler(out.GetErrWriter(), &slog.HandlerOptions{Level: policy.SlogLevel()}))
	}

	path := opts.Database
	if path == "" {
		path = policy.Database
	}
	if mustExist {
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			return nil, NewExitError(ExitCommandError, fmt.Sprintf("database not found: %s", path))
		}
	}
	st, err := store.Open(path)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	out.VerboseLog("opened ledger %s", path)

	return &env{
		opts:   opts,
		policy: policy,
		ledger: ledger.New(st, ledger.WithLogger(logger)),
		logger: logger,
		out:    out,
	}, nil
}

func (e *env) Close() error {
	return e.ledger.Close()
}

func (e *env) engine() (*engine.Engine, error) {
	eng, err := engine.New(e.ledger, e.policy, engine.WithLogger(e.logger))
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to start engine", err)
	}
	return eng, nil
}

// refuse reports a governance refusal: the error record is printed and the
// command exits with ExitFailure.
func (e *env) refuse(message string, err error) error {
	if ferr := e.out.Fault(err); ferr != nil {
		return ferr
	}
	return WrapExitError(ExitFailure, message, err)
}
