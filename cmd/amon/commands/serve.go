package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/amon-ai/amon/internal/config"
	"github.com/amon-ai/amon/internal/server"
)

var (
	servePort      int
	serveHostname  string
	serveWorkspace string
	serveNoCORS    bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the amon HTTP server",
	Long: `Start amon as a server exposing the session API, the SSE event stream
and the websocket channel.

Settings changes on disk are picked up without a restart.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "Port to listen on (default from settings or 4096)")
	serveCmd.Flags().StringVar(&serveHostname, "hostname", "", "Hostname to listen on (default from settings or 127.0.0.1)")
	serveCmd.Flags().StringVar(&serveWorkspace, "workspace", "", "Workspace whose .amon/settings.json overlays the user settings")
	serveCmd.Flags().BoolVar(&serveNoCORS, "no-cors", false, "Disable CORS headers")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, appOptions{workspace: serveWorkspace, watch: true, query: true})
	if err != nil {
		return err
	}

	n, err := a.sessions.LoadAll(ctx)
	if err != nil {
		a.log.Warn().Err(err).Msg("some sessions could not be loaded")
	}

	settings := a.settings.Settings()
	srvConfig := server.DefaultConfig()
	srvConfig.Host = firstNonEmpty(serveHostname, settings.Server.Host, config.DefaultHost)
	srvConfig.Port = firstPositive(servePort, settings.Server.Port, config.DefaultPort)
	srvConfig.EnableCORS = !serveNoCORS

	srv := server.New(srvConfig, server.Deps{
		Sessions:     a.sessions,
		Orchestrator: a.orch,
		Broker:       a.broker,
		Settings:     a.settings,
		Bus:          a.bus,
		Metrics:      a.metrics,
	})

	a.log.Info().
		Str("version", Version).
		Str("data", a.paths.Data).
		Int("sessions", n).
		Msg("starting amon server")
	fmt.Fprintf(cmd.OutOrStdout(), "amon server listening on http://%s\n", srv.Addr())

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err = <-errCh:
	case <-ctx.Done():
	}

	stop()
	exitOnSecondSignal()

	a.log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Running prompts end once their queries are interrupted.
	if oerr := a.orch.Close(shutdownCtx); oerr != nil {
		a.log.Warn().Err(oerr).Msg("interrupting queries")
	}
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		a.log.Error().Err(serr).Msg("server shutdown")
	}
	if cerr := a.close(shutdownCtx); cerr != nil {
		a.log.Error().Err(cerr).Msg("flush on shutdown")
		if err == nil {
			err = cerr
		}
	}
	return err
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstPositive(values ...int) int {
	for _, v := range values {
		if v > 0 {
			return v
		}
	}
	return 0
}

// exitOnSecondSignal kills the process if a second signal arrives while
// shutting down.
func exitOnSecondSignal() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		os.Exit(130)
	}()
}
