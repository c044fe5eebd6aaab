// Copyright 2020 The NATS Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command wispd serves the Wisp protocol over WebSocket,
// mirroring the shape of the original implementation's src/bin/server.rs:
// load configuration, bind a listener, accept upgrades on one route, and
// shut down cleanly on SIGINT/SIGTERM.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"wispd/server"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

type rootOptions struct {
	addr       string
	path       string
	configFile string
}

func newRootCmd() *cobra.Command {
	var opts rootOptions

	cmd := &cobra.Command{
		Use:   "wispd",
		Short: "Wisp protocol proxy daemon",
		Long:  "wispd accepts WebSocket connections speaking the Wisp protocol and forwards multiplexed TCP/UDP streams to their requested targets.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(opts)
		},
	}

	var flags *pflag.FlagSet = cmd.Flags()
	flags.StringVarP(&opts.addr, "addr", "a", "127.0.0.1:3030", "address to listen on")
	flags.StringVarP(&opts.path, "path", "p", "/wisp/", "HTTP path the Wisp endpoint is served on")
	flags.StringVarP(&opts.configFile, "config", "c", "", "path to a YAML config file (see server.WispConfig)")

	cmd.AddCommand(newVersionCmd())
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "print the wispd version",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Println("wispd 0.1.0")
		},
	}
}

func run(opts rootOptions) error {
	logger := server.NewSessionLogger()

	cfg, err := server.LoadConfig(opts.configFile)
	if err != nil {
		return err
	}
	server.InitResolver(cfg.DNSServers, logger)

	mux := http.NewServeMux()
	mux.HandleFunc(opts.path, wispHandler(cfg, logger))

	httpSrv := &http.Server{
		Addr:    opts.addr,
		Handler: mux,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("listening on http://%s", opts.addr)
		logger.Infof("wisp proxy available at ws://%s%s", opts.addr, opts.path)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case s := <-sig:
		logger.Infof("received %s, shutting down", s)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(ctx); err != nil {
		return err
	}
	logger.Info("shutdown complete")
	return <-errCh
}

// wispHandler upgrades each request to a WSConn and runs one Session to
// completion on its own goroutine, closing over cfg/logger for every
// connection.
func wispHandler(cfg server.WispConfig, logger *server.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := server.UpgradeWebsocket(w, r)
		if err != nil {
			logger.Warnf("websocket upgrade failed: %v", err)
			return
		}

		sessionLogger := server.NewSessionLogger()
		sess, err := server.NewSession(context.Background(), conn, cfg, server.GetResolver(), sessionLogger)
		if err != nil {
			sessionLogger.Warnf("session handshake failed: %v", err)
			_ = conn.Close()
			return
		}

		go func() {
			if err := sess.Serve(context.Background()); err != nil {
				sessionLogger.Debugf("session ended: %v", err)
			}
		}()
	}
}
