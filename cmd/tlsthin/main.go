// Command tlsthin dials a TLS_RSA_WITH_AES_128_CBC_SHA handshake against a
// server and pipes stdin/stdout over the resulting connection.
package main

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wisnuc/tlsthin/config"
	"github.com/wisnuc/tlsthin/internal/obslog"
	"github.com/wisnuc/tlsthin/pkg/certverify"
	"github.com/wisnuc/tlsthin/pkg/conn"
	"github.com/wisnuc/tlsthin/pkg/signer"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("error: %v", err))
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v, err := config.New()
	if err != nil {
		panic(err) // defaultConfig is a compile-time constant; this cannot fail at runtime
	}

	root := &cobra.Command{
		Use:   "tlsthin",
		Short: "Minimal mutually-authenticated TLS 1.2 client",
	}

	dial := &cobra.Command{
		Use:   "dial",
		Short: "Open a TLS connection and pipe stdin/stdout over it",
		RunE: func(cmd *cobra.Command, args []string) error {
			_ = v.BindPFlags(cmd.Flags())
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			return runDial(cmd.Context(), cfg)
		},
	}
	dial.Flags().String("address", "", "host:port to dial")
	dial.Flags().String("serverName", "", "expected server name for certificate verification")
	dial.Flags().String("clientCertFile", "", "PEM client certificate, for mutual auth")
	dial.Flags().String("clientKeyFile", "", "PEM client private key, for mutual auth")
	dial.Flags().String("caBundleFile", "", "PEM bundle of trusted CA certificates")
	dial.Flags().Bool("debug", false, "enable verbose console logging")

	root.AddCommand(dial)
	return root
}

func runDial(ctx context.Context, cfg *config.Config) error {
	logger, err := obslog.New(cfg.Debug)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	connCfg, err := buildConnConfig(cfg, logger)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.HandshakeTimeout)
	defer cancel()

	c, err := conn.Dial(ctx, "tcp", cfg.Address, connCfg)
	if err != nil {
		return fmt.Errorf("dial %s: %w", cfg.Address, err)
	}
	defer c.Close()

	fmt.Fprintln(os.Stderr, color.GreenString("connected to %s", cfg.Address))

	errCh := make(chan error, 2)
	go func() {
		_, err := io.Copy(c, os.Stdin)
		errCh <- err
	}()
	go func() {
		_, err := io.Copy(os.Stdout, c)
		errCh <- err
	}()
	return <-errCh
}

func buildConnConfig(cfg *config.Config, logger *zap.Logger) (conn.Config, error) {
	connCfg := conn.Config{
		ServerName: cfg.ServerName,
		Logger:     logger,
	}

	roots, err := loadCABundle(cfg.CABundleFile)
	if err != nil {
		return conn.Config{}, err
	}
	connCfg.Verifier = &certverify.X509Verifier{Roots: roots, ServerName: cfg.ServerName}

	if cfg.ClientCertFile != "" {
		certDER, keyPEM, err := loadClientIdentity(cfg.ClientCertFile, cfg.ClientKeyFile)
		if err != nil {
			return conn.Config{}, err
		}
		connCfg.ClientCertificates = [][]byte{certDER}
		key, err := signer.LoadPrivateKey(keyPEM)
		if err != nil {
			return conn.Config{}, err
		}
		connCfg.Signer = &signer.RSASigner{Key: key}
	}

	return connCfg, nil
}

func loadCABundle(path string) (*x509.CertPool, error) {
	if path == "" {
		return nil, nil
	}
	pemBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read CA bundle: %w", err)
	}
	pool, err := certverify.LoadCABundle(pemBytes)
	if err != nil {
		return nil, err
	}
	return pool, nil
}

func loadClientIdentity(certPath, keyPath string) (certDER []byte, keyPEM []byte, err error) {
	certPEMBytes, err := os.ReadFile(certPath)
	if err != nil {
		return nil, nil, fmt.Errorf("read client certificate: %w", err)
	}
	block, _ := pem.Decode(certPEMBytes)
	if block == nil {
		return nil, nil, fmt.Errorf("read client certificate: no PEM block found in %s", certPath)
	}
	keyPEM, err = os.ReadFile(keyPath)
	if err != nil {
		return nil, nil, fmt.Errorf("read client key: %w", err)
	}
	return block.Bytes, keyPEM, nil
}
