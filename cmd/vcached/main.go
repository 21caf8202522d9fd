// Command vcached runs the cache daemon: the request/fetch state
// machine core (spec.md) wired to a direct-dial backend and an
// in-process object store, fronted by a plain net/http listener.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	monkit "gopkg.in/spacemonkeygo/monkit.v2"

	"github.com/cacheforge/vcache/pkg/config"
	"github.com/cacheforge/vcache/pkg/process"
)

func main() {
	cfg := &config.Config{}
	svc := &Service{cfg: cfg, id: uuid.NewString()}

	rootCmd := &cobra.Command{
		Use:   "vcached",
		Short: "vcached serves HTTP through the cache request/fetch core",
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := zap.NewProduction()
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			return process.Main(ctx, cmd, args, log, monkit.Default, svc)
		},
	}
	if err := config.Bind(rootCmd, cfg); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err := config.Exec(rootCmd, cfg, os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
