package cli

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/codemate-dev/gateway/internal/clock"
	"github.com/codemate-dev/gateway/internal/engine"
	"github.com/codemate-dev/gateway/internal/httpapi"
	"github.com/codemate-dev/gateway/internal/hub"
	"github.com/codemate-dev/gateway/internal/store"
	"github.com/codemate-dev/gateway/internal/tools"
)

// shutdownGrace bounds how long in-flight requests may take once a
// termination signal arrives. Task workers are cooperative and finish or
// persist their state independently of the HTTP listener.
const shutdownGrace = 10 * time.Second

// AddServeCommand registers the serve subcommand on the root.
func AddServeCommand(root *cobra.Command) {
	var (
		host   string
		port   int
		dbPath string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway HTTP server",
		Long: `Starts the gateway: opens the task database, constructs the engine and
event hub, and serves the v1 HTTP API until interrupted.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			// Flags override config when set.
			if cmd.Flags().Changed("host") {
				cfg.Server.Host = host
			}
			if cmd.Flags().Changed("port") {
				cfg.Server.Port = port
			}
			if cmd.Flags().Changed("db") {
				cfg.DBPath = dbPath
			}
			return runServe(cmd.Context(), cfg.Server.Host, cfg.Server.Port, cfg.DBPath)
		},
	}

	cmd.Flags().StringVar(&host, "host", "127.0.0.1", "listen address")
	cmd.Flags().IntVar(&port, "port", 7011, "listen port")
	cmd.Flags().StringVar(&dbPath, "db", "", "database file path")

	root.AddCommand(cmd)
}

// runServe wires the store, hub, engine and API server, then serves until
// the context is cancelled or a termination signal arrives.
func runServe(ctx context.Context, host string, port int, dbPath string) error {
	logger := GetLogger()
	defer CloseLogFile()

	clk := clock.RealClock{}

	st, err := store.New(dbPath, clk)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	h := hub.New()
	runner := tools.NewLocal(clk, logger)
	eng := engine.New(st, h, runner, clk, logger)
	api := httpapi.New(eng, st, h, clk, logger)

	addr := net.JoinHostPort(host, strconv.Itoa(port))
	server := &http.Server{
		Addr:              addr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gCtx := errgroup.WithContext(signalCtx)

	g.Go(func() error {
		logger.Info().Str("addr", addr).Str("db", dbPath).Msg("gateway listening")
		if serveErr := server.ListenAndServe(); serveErr != nil && !stderrors.Is(serveErr, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", serveErr)
		}
		return nil
	})

	g.Go(func() error {
		<-gCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		logger.Info().Msg("shutting down")
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
