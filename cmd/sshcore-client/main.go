// Command sshcore-client connects to an sshcore server, opens a session
// channel and pipes stdin/stdout through it.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/cobra"

	sshcore "github.com/smnsjas/go-sshcore"
	"github.com/smnsjas/go-sshcore/auth"
	"github.com/smnsjas/go-sshcore/ciphersuite"
	"github.com/smnsjas/go-sshcore/kex"
	"github.com/smnsjas/go-sshcore/stream"
)

// Settings come from SSHCORE_* environment variables; flags override them.
type Settings struct {
	User     string `envconfig:"USER" default:""`
	Password string `envconfig:"PASSWORD" default:""`
	Verbose  bool   `envconfig:"VERBOSE" default:"false"`
}

func main() {
	var cfg Settings
	if err := envconfig.Process("SSHCORE", &cfg); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	var useWS bool
	root := &cobra.Command{
		Use:   "sshcore-client <address>",
		Short: "Connect to an sshcore server and echo through a channel",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cfg, args[0], useWS)
		},
	}
	root.Flags().StringVarP(&cfg.User, "user", "u", cfg.User, "user to authenticate as")
	root.Flags().StringVarP(&cfg.Password, "password", "p", cfg.Password, "password")
	root.Flags().BoolVar(&useWS, "ws", false, "address is a WebSocket URL")
	root.Flags().BoolVarP(&cfg.Verbose, "verbose", "v", cfg.Verbose, "protocol debug logging")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cfg Settings, addr string, useWS bool) error {
	if cfg.User == "" || cfg.Password == "" {
		return fmt.Errorf("--user and --password are required")
	}
	ctx := context.Background()

	var transport io.ReadWriteCloser
	var err error
	if useWS {
		transport, err = stream.DialWebSocket(ctx, addr, nil)
	} else {
		transport, err = net.DialTimeout("tcp", addr, 10*time.Second)
	}
	if err != nil {
		return err
	}

	client, err := sshcore.NewClient(transport, sshcore.ClientConfig{
		User:        cfg.User,
		AuthMethods: []auth.Method{&auth.Password{Password: cfg.Password}},
		HostKeyVerifier: kex.HostKeyVerifierFunc(func(key ciphersuite.PublicKey) error {
			fmt.Fprintf(os.Stderr, "host key: %s (not verified against known hosts)\n",
				key.Algorithm())
			return nil
		}),
		Banner: func(message, _ string) {
			fmt.Fprint(os.Stderr, message)
		},
	})
	if err != nil {
		return err
	}
	defer client.Close()

	if cfg.Verbose {
		client.Session.SetSlogLogger(slog.New(slog.NewTextHandler(os.Stderr,
			&slog.HandlerOptions{Level: slog.LevelDebug})))
	}

	if err := client.Connect(ctx, 30*time.Second); err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	ch, err := client.Conn.OpenChannelTimeout("session", nil, 10*time.Second)
	if err != nil {
		return err
	}

	go func() {
		io.Copy(ch, os.Stdin)
		ch.CloseWrite()
	}()
	go io.Copy(os.Stderr, ch.Stderr())
	if _, err := io.Copy(os.Stdout, ch); err != nil {
		return err
	}

	if status, ok := ch.ExitStatus(); ok && status != 0 {
		return fmt.Errorf("remote exit status %d", status)
	}
	return nil
}
