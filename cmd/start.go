package cmd

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"flowproxy/api"
	"flowproxy/config"
	"flowproxy/core"
	"flowproxy/logger"

	"github.com/spf13/cobra"
)

var (
	startServerPort string
	startProxyPort  string
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Starts all services (control API and proxy)",
	Long: `Starts both the control API server and the intercepting proxy concurrently,
sharing one session. Press Ctrl+C to gracefully shut down all services.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger.Info("--- Start Command: Run ---")

		actualServerPort := startServerPort
		if !cmd.Flags().Changed("server-port") {
			actualServerPort = config.AppConfig.Server.Port
		}
		if actualServerPort == "" {
			logger.Error("Start Command: Server port is empty after checking flag and config, defaulting to 8778")
			actualServerPort = "8778"
		}
		actualProxyPort := startProxyPort
		if !cmd.Flags().Changed("proxy-port") {
			actualProxyPort = config.AppConfig.Proxy.Port
		}
		if actualProxyPort == "" {
			logger.Error("Start Command: Proxy port is empty after checking flag and config, defaulting to 8777")
			actualProxyPort = "8777"
		}
		logger.Info("Start Command: Final ports determined - Server: %s, Proxy: %s", actualServerPort, actualProxyPort)

		session, err := newSession("", "")
		if err != nil {
			logger.Error("Start Command: configuring proxy failed: %v", err)
			return err
		}
		proxy := core.NewServer(session)
		if err := proxy.Listen(net.JoinHostPort("", actualProxyPort)); err != nil {
			logger.Error("Start Command: proxy listen failed: %v", err)
			return err
		}

		var wg sync.WaitGroup
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		server := &http.Server{
			Addr:              ":" + actualServerPort,
			Handler:           api.NewServerMux(session),
			ReadHeaderTimeout: 10 * time.Second,
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			logger.Info("Start Command Goroutine(API): Listening on :%s", actualServerPort)
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("Start Command Goroutine(API): ListenAndServe error: %v", err)
				cancel()
			}
			logger.Info("Start Command Goroutine(API): Finished.")
		}()

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := proxy.Serve(); err != nil && err != core.ErrServerClosed {
				logger.ProxyError("Start Command Goroutine(Proxy): Serve error: %v", err)
				cancel()
			}
			logger.ProxyInfo("Start Command Goroutine(Proxy): Finished.")
		}()

		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
		logger.Info("Start Command: All service goroutines launched. Press Ctrl+C to exit.")

		select {
		case sig := <-sigs:
			logger.Info("Start Command: Received signal: %s. Initiating shutdown...", sig)
		case <-ctx.Done():
			logger.Info("Start Command: Context cancelled (likely due to a service error). Initiating shutdown...")
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("Start Command: API graceful shutdown failed: %v", err)
		}
		if err := proxy.Shutdown(shutdownCtx); err != nil {
			logger.ProxyError("Start Command: proxy graceful shutdown failed: %v", err)
		}

		shutdownComplete := make(chan struct{})
		go func() {
			wg.Wait()
			close(shutdownComplete)
		}()
		select {
		case <-shutdownComplete:
			logger.Info("Start Command: All services shut down.")
		case <-time.After(10 * time.Second):
			logger.Error("Start Command: Shutdown timed out. Forcing exit.")
		}
		return nil
	},
}

func init() {
	startCmd.Flags().StringVar(&startServerPort, "server-port", "8778", "Port for the control API server (overrides config)")
	startCmd.Flags().StringVar(&startProxyPort, "proxy-port", "8777", "Port for the proxy server (overrides config)")
	rootCmd.AddCommand(startCmd)
}
