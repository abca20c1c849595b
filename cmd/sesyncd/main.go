package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/sesync/internal/auth"
	"github.com/MarcoPoloResearchLab/sesync/internal/config"
	"github.com/MarcoPoloResearchLab/sesync/internal/device"
	"github.com/MarcoPoloResearchLab/sesync/internal/engine"
	"github.com/MarcoPoloResearchLab/sesync/internal/logging"
	"github.com/MarcoPoloResearchLab/sesync/internal/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

var (
	cfgFile string
)

func main() {
	rootCmd := newRootCommand()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "sesyncd",
		Short:        "Secure element commit sync daemon",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}

	setupFlags(rootCmd)

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the control API and the sync queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	syncCmd := &cobra.Command{
		Use:   "sync",
		Short: "Sync one device and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, _ := cmd.Flags().GetString("user")
			deviceID, _ := cmd.Flags().GetString("device")
			serial, _ := cmd.Flags().GetString("serial")
			return runSync(cmd.Context(), userID, device.Descriptor{DeviceID: deviceID, SerialNumber: serial})
		},
	}
	syncCmd.Flags().String("user", "", "User identifier")
	syncCmd.Flags().String("device", "", "Device identifier")
	syncCmd.Flags().String("serial", "", "Device serial number")

	tokenCmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an operator token for the control API",
		RunE: func(cmd *cobra.Command, args []string) error {
			subject, _ := cmd.Flags().GetString("subject")
			return runToken(cmd.Context(), cmd, subject)
		},
	}
	tokenCmd.Flags().String("subject", "operator", "Token subject")

	emulatorCmd := &cobra.Command{
		Use:   "emulator",
		Short: "Serve an emulated secure element over the socket transport",
		RunE: func(cmd *cobra.Command, args []string) error {
			network, _ := cmd.Flags().GetString("network")
			listen, _ := cmd.Flags().GetString("listen")
			deviceID, _ := cmd.Flags().GetString("device")
			return runEmulator(cmd.Context(), network, listen, deviceID)
		},
	}
	emulatorCmd.Flags().String("network", "unix", "Listener network (unix or tcp)")
	emulatorCmd.Flags().String("listen", "sesync-emulator.sock", "Listener address")
	emulatorCmd.Flags().String("device", "emulator-1", "Emulated device identifier")

	rootCmd.AddCommand(serveCmd, syncCmd, tokenCmd, emulatorCmd)
	return rootCmd
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", defaults.GetString("log.format"), "Log format (json, console)")
	cmd.PersistentFlags().String("signing-secret", "", "Operator token signing secret (overrides env)")
	cmd.PersistentFlags().String("platform-url", "", "Platform API base URL")
	cmd.PersistentFlags().Bool("synchronous", defaults.GetBool("sync.synchronous"), "Run sync operations one at a time")
	cmd.PersistentFlags().String("device-transport", defaults.GetString("device.transport"), "Device transport (emulator, socket, pcsc)")
	cmd.PersistentFlags().String("device-socket", "", "Socket address of the device bridge")
	cmd.PersistentFlags().String("pcsc-reader", "", "PC/SC reader name")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "platform.base_url", "platform-url")
	bindFlag(cmd, "sync.synchronous", "synchronous")
	bindFlag(cmd, "device.transport", "device-transport")
	bindFlag(cmd, "device.socket_address", "device-socket")
	bindFlag(cmd, "device.pcsc_reader", "pcsc-reader")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}
	if err := appConfig.ValidateServer(); err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	rt, err := newDaemon(appConfig, logger)
	if err != nil {
		return err
	}
	defer rt.close()

	tokenIssuer, err := newTokenIssuer(appConfig.SigningSecret, appConfig.TokenTTL)
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Tokens:     tokenIssuer,
		Queue:      rt.queue,
		Cursors:    rt.cursors,
		Connectors: rt.connectors.resolve,
		Telemetry:  rt.telemetry,
		Realtime:   rt.hub,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := rt.queue.Close(shutdownCtx); err != nil {
			logger.Warn("sync queue did not drain", zap.Error(err))
		}
		return nil
	case err := <-errCh:
		return err
	}
}

func runSync(ctx context.Context, userID string, descriptor device.Descriptor) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}
	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	rt, err := newDaemon(appConfig, logger)
	if err != nil {
		return err
	}
	defer rt.close()

	descriptor, err = descriptor.Validate()
	if err != nil {
		return err
	}
	connector, err := rt.connectors.resolve(descriptor)
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	result, err := rt.queue.Submit(signalCtx, engine.Request{UserID: userID, Device: descriptor, Connector: connector})
	if err != nil {
		return err
	}
	closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	_ = rt.queue.Close(closeCtx)

	if !result.Succeeded() {
		return fmt.Errorf("sync failed (%s): %w", result.Reason, result.Err)
	}
	logger.Info("sync finished",
		zap.String("device_id", descriptor.DeviceID),
		zap.Int("processed", len(result.Processed)),
		zap.String("cursor", result.LastCommitID))
	return nil
}

func runToken(ctx context.Context, cmd *cobra.Command, subject string) error {
	issuer, err := newTokenIssuer(
		viper.GetString("auth.signing_secret"),
		time.Duration(viper.GetInt("auth.token_ttl_minutes"))*time.Minute,
	)
	if err != nil {
		return err
	}
	token, expiresIn, err := issuer.IssueToken(ctx, subject)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s\nexpires_in=%d\n", token, expiresIn)
	return err
}

func runEmulator(ctx context.Context, network string, address string, deviceID string) error {
	logger, err := logging.NewLogger(viper.GetString("log.level"), viper.GetString("log.format"))
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	listener, err := net.Listen(network, address)
	if err != nil {
		return err
	}
	defer listener.Close()

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	element := device.NewEmulator(device.EmulatorConfig{DeviceID: deviceID, ReportsCommits: true})
	logger.Info("emulator listening", zap.String("network", network), zap.String("address", address))
	return device.NewSocketBridge(element, logger).Serve(signalCtx, listener)
}

func newTokenIssuer(secret string, ttl time.Duration) (*auth.TokenIssuer, error) {
	return auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(secret),
		Issuer:        auth.DefaultIssuer,
		Audience:      auth.DefaultAudience,
		TokenTTL:      ttl,
	})
}
