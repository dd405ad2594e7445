package cmd

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"flowproxy/config"
	"flowproxy/core"
	"flowproxy/logger"

	"github.com/spf13/cobra"
)

var (
	standaloneProxyPort string
	proxyMode           string
	proxyReverseTarget  string
)

var proxyCmd = &cobra.Command{
	Use:   "proxy",
	Short: "Manages the intercepting proxy (can be run standalone or as part of 'start')",
}

var proxyStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Starts the intercepting proxy",
	Long: `Starts the proxy to intercept and record HTTP/S traffic.
In regular mode configure your browser or system to use it as an HTTP proxy.
The CA certificate (generated with 'proxy init-ca') must be trusted by your client.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		portToUse := standaloneProxyPort
		if !cmd.Flags().Changed("port") {
			portToUse = config.AppConfig.Proxy.Port
			logger.Debug("Using proxy port from config: %s", portToUse)
		}
		if portToUse == "" {
			portToUse = "8777"
		}

		session, err := newSession(proxyMode, proxyReverseTarget)
		if err != nil {
			logger.ProxyError("Error configuring proxy: %v", err)
			return err
		}
		srv := core.NewServer(session)
		if err := srv.Listen(net.JoinHostPort("", portToUse)); err != nil {
			logger.ProxyError("Error starting proxy: %v", err)
			return err
		}
		fmt.Printf("Proxy listening on %s (%s mode)\n", srv.Addr(), session.Options.Mode)

		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			sig := <-sigs
			logger.ProxyInfo("Received signal %s, stopping proxy", sig)
			srv.Close()
		}()

		if err := srv.Serve(); err != nil && err != core.ErrServerClosed {
			logger.ProxyError("Proxy stopped: %v", err)
			return err
		}
		return nil
	},
}

var proxyInitCACmd = &cobra.Command{
	Use:   "init-ca",
	Short: "Initializes (generates) the root CA certificate and key for the proxy",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Println("Initializing Proxy CA...")
		certPath := config.AppConfig.Proxy.CACertPath
		keyPath := config.AppConfig.Proxy.CAKeyPath

		if certPath == "" || keyPath == "" {
			logger.Error("CA certificate or key path is not defined in configuration.")
			return fmt.Errorf("proxy.ca_cert_path and proxy.ca_key_path must be set")
		}

		if err := core.GenerateAndSaveCA(certPath, keyPath); err != nil {
			return fmt.Errorf("error generating CA: %w", err)
		}
		fmt.Printf("CA certificate written to %s\n", certPath)
		fmt.Println("Please import the CA certificate into your browser/system's trust store.")
		return nil
	},
}

func init() {
	proxyStartCmd.Flags().StringVarP(&standaloneProxyPort, "port", "p", "8777", "Port for the proxy server to listen on (overrides config)")
	proxyStartCmd.Flags().StringVar(&proxyMode, "mode", "", "proxy mode: regular, reverse or transparent (overrides config)")
	proxyStartCmd.Flags().StringVar(&proxyReverseTarget, "reverse-target", "", "upstream URL for reverse mode, e.g. https://backend:8443 (overrides config)")

	proxyCmd.AddCommand(proxyStartCmd)
	proxyCmd.AddCommand(proxyInitCACmd)
	rootCmd.AddCommand(proxyCmd)
}
