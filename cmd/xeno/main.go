// Command xeno runs the Xeno fixed-response HTTP/2 server.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/albertbausili/xeno/internal/certgen"
	"github.com/albertbausili/xeno/pkg/xeno"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("XENO")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	def := xeno.DefaultConfig()
	cmd := &cobra.Command{
		Use:           "xeno",
		Short:         "TLS-terminating HTTP/2 server answering every request with a fixed response",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), v)
		},
	}

	f := cmd.Flags()
	f.String("host", def.Host, "address to bind")
	f.Int("port", def.Port, "TCP port")
	f.String("cert", "", "PEM certificate chain")
	f.String("key", "", "PEM private key")
	f.Int("event-loops", def.NumEventLoop, "number of event loops")
	f.Int("backlog", def.Backlog, "listen backlog")
	f.Bool("reuse-addr", def.ReuseAddr, "set SO_REUSEADDR")
	f.Bool("tcp-nodelay", def.TCPNoDelay, "set TCP_NODELAY")
	f.Duration("handshake-timeout", def.HandshakeTimeout, "TLS handshake deadline")
	f.Int("max-handshakes", def.MaxHandshakes, "concurrent TLS handshakes")
	f.Uint32("max-streams", def.MaxConcurrentStreams, "maximum concurrent HTTP/2 streams")
	f.Uint32("window-size", def.InitialWindowSize, "initial HTTP/2 receive window")
	f.Uint32("max-frame-size", def.MaxFrameSize, "maximum HTTP/2 frame size")
	f.Uint32("max-header-list-size", def.MaxHeaderListSize, "maximum HTTP/2 request header block")
	f.Bool("keep-alive", def.KeepAlive, "keep connections open after their last exchange")
	f.Bool("fit-body", false, "truncate or pad the body to the declared content-length")
	f.Bool("dev", false, "human-readable debug logging")
	f.String("log-file", "", "write logs to a rotated file instead of stderr")
	if err := v.BindPFlags(f); err != nil {
		panic(err)
	}

	cmd.AddCommand(newGenCertCmd())
	return cmd
}

func serve(ctx context.Context, v *viper.Viper) error {
	logger, err := newLogger(v.GetBool("dev"), v.GetString("log-file"))
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	config := xeno.DefaultConfig()
	config.Host = v.GetString("host")
	config.Port = v.GetInt("port")
	config.CertFile = v.GetString("cert")
	config.KeyFile = v.GetString("key")
	config.NumEventLoop = v.GetInt("event-loops")
	config.Backlog = v.GetInt("backlog")
	config.ReuseAddr = v.GetBool("reuse-addr")
	config.TCPNoDelay = v.GetBool("tcp-nodelay")
	config.HandshakeTimeout = v.GetDuration("handshake-timeout")
	config.MaxHandshakes = v.GetInt("max-handshakes")
	config.MaxConcurrentStreams = v.GetUint32("max-streams")
	config.InitialWindowSize = v.GetUint32("window-size")
	config.MaxFrameSize = v.GetUint32("max-frame-size")
	config.MaxHeaderListSize = v.GetUint32("max-header-list-size")
	config.KeepAlive = v.GetBool("keep-alive")
	config.Response.FitBody = v.GetBool("fit-body")
	config.Logger = logger

	srv, err := xeno.New(config)
	if err != nil {
		logger.Error("startup failed", zap.Error(err))
		return err
	}
	if err := srv.Run(ctx); err != nil {
		logger.Error("server stopped", zap.Error(err))
		return err
	}
	logger.Info("server stopped")
	return nil
}

func newGenCertCmd() *cobra.Command {
	var (
		dir      string
		hosts    []string
		validFor time.Duration
	)
	cmd := &cobra.Command{
		Use:   "gencert",
		Short: "Write a self-signed certificate and key for local testing",
		RunE: func(cmd *cobra.Command, _ []string) error {
			certFile, keyFile, err := certgen.WriteFiles(dir, hosts, validFor)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "wrote %s and %s\n", certFile, keyFile)
			return err
		},
	}
	cmd.Flags().StringVar(&dir, "dir", ".", "output directory")
	cmd.Flags().StringSliceVar(&hosts, "host", []string{"localhost", "::1", "127.0.0.1"}, "certificate hosts")
	cmd.Flags().DurationVar(&validFor, "valid-for", 365*24*time.Hour, "certificate lifetime")
	return cmd
}
