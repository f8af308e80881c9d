package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/okian/textrewards/internal/adapters/http/api"
	app "github.com/okian/textrewards/internal/app"
	"github.com/okian/textrewards/internal/config"
	"github.com/okian/textrewards/internal/domain/model"
	"github.com/okian/textrewards/internal/domain/types"
	"github.com/okian/textrewards/pkg/logger"
	"github.com/spf13/cobra"
)

// HTTP server timeout constants.
const (
	readTimeout       = 10 * time.Second
	writeTimeout      = 10 * time.Second
	idleTimeout       = 60 * time.Second
	readHeaderTimeout = 5 * time.Second
	shutdownTimeout   = 30 * time.Second
)

func main() {
	if err := logger.InitWithWriter(os.Stderr); err != nil {
		os.Stderr.WriteString("failed to initialize logging: " + err.Error() + "\n")
		os.Exit(1)
	}

	// Root context with cancel on SIGINT/SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "textrewards",
		Short:        "Score issue conversations and settle the rewards",
		SilenceUsage: true,
	}
	root.AddCommand(newRunCmd(), newServeCmd())
	return root
}

type runFlags struct {
	owner  string
	repo   string
	number int
	dryRun bool
}

func newRunCmd() *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "run [owner/repo#number | issue url]",
		Short: "Run the pipeline once for a closed issue",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := f.request(args)
			if err != nil {
				return err
			}
			return runOnce(cmd.Context(), req, f.dryRun, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&f.owner, "owner", "", "repository owner")
	cmd.Flags().StringVar(&f.repo, "repo", "", "repository name")
	cmd.Flags().IntVar(&f.number, "number", 0, "issue number")
	cmd.Flags().BoolVar(&f.dryRun, "dry-run", false, "use an in-memory store and print the summary instead of posting it")
	return cmd
}

// request builds the run request from the positional reference or the
// flags, flags overriding.
func (f runFlags) request(args []string) (types.RunRequest, error) {
	var ref model.IssueRef
	if len(args) == 1 {
		parsed, err := model.ParseIssueRef(args[0])
		if err != nil {
			return types.RunRequest{}, err
		}
		ref = parsed
	}
	if f.owner != "" {
		ref.Owner = f.owner
	}
	if f.repo != "" {
		ref.Repo = f.repo
	}
	if f.number != 0 {
		ref.Number = f.number
	}
	req := types.RunRequest{Owner: ref.Owner, Repo: ref.Repo, Number: ref.Number, ReceivedAt: time.Now()}
	if err := req.Validate(); err != nil {
		return types.RunRequest{}, fmt.Errorf("%w: pass owner/repo#number or --owner, --repo and --number", err)
	}
	return req, nil
}

func loadConfig(ctx context.Context) (*config.Config, error) {
	cfg, err := config.Load(ctx)
	if err != nil {
		return nil, err
	}
	if err := logger.SetLevelString(cfg.LogLevel); err != nil {
		logger.Get().Warn(ctx, "invalid log_level; falling back to info", logger.String("log_level", cfg.LogLevel), logger.Error(err))
		_ = logger.SetLevelString("info")
	}
	return cfg, nil
}

func runOnce(ctx context.Context, req types.RunRequest, dryRun bool, out io.Writer) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	log := logger.Get()

	opts := []app.Option{app.WithLogger(log)}
	if dryRun {
		opts = append(opts, app.WithDryRun(out))
	}
	svc, err := app.New(ctx, cfg, opts...)
	if err != nil {
		return fmt.Errorf("start: %w", err)
	}
	defer func() { _ = svc.Stop(context.Background()) }()

	res, err := svc.Run(ctx, req)
	if err != nil {
		return err
	}
	log.Info(ctx, "done",
		logger.String("run_id", res.RunID),
		logger.Int("users", res.Users),
		logger.String("total", res.Total))
	return nil
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Accept run requests over HTTP and process them in the background",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context())
		},
	}
}

func serve(ctx context.Context) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	log := logger.Get()

	svc, err := app.New(ctx, cfg, app.WithLogger(log))
	if err != nil {
		return fmt.Errorf("start: %w", err)
	}
	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("start workers: %w", err)
	}

	mux := http.NewServeMux()
	api.NewServer(svc).Register(mux)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info(ctx, "starting HTTP server", logger.String("addr", cfg.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}
	log.Info(ctx, "shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error(ctx, "server shutdown failed", logger.Error(err))
	}
	if err := svc.Stop(shutdownCtx); err != nil {
		log.Error(ctx, "run service shutdown failed", logger.Error(err))
	}
	log.Info(ctx, "server stopped")
	return serveErr
}
