package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/NYTimes/gziphandler"
	"github.com/mattn/go-colorable"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/foldtale/foldtale/internal/database"
	"github.com/foldtale/foldtale/internal/engine"
	"github.com/foldtale/foldtale/internal/engineapi"
	"github.com/foldtale/foldtale/internal/event"
	"github.com/foldtale/foldtale/internal/lifecycle"
	"github.com/foldtale/foldtale/internal/timeout"
	"github.com/foldtale/foldtale/internal/util/idgen"
	"github.com/foldtale/foldtale/internal/util/slogx"
	"github.com/foldtale/foldtale/internal/util/style"
	"github.com/foldtale/foldtale/internal/version"
)

var serverCmd = &cobra.Command{
	Use:     "foldtale-server",
	Args:    cobra.ExactArgs(0),
	Version: version.Version,
	Short:   "Start Foldtale server",
	Long: `Foldtale is an engine for asynchronous turn-based story folding games.

This command runs Foldtale server.
`,
}

func parseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", s)
	}
}

func main() {
	p := serverCmd.Flags()
	optsPath := p.StringP(
		"options", "o", "",
		"options file",
	)
	if err := serverCmd.MarkFlagRequired("options"); err != nil {
		panic(err)
	}

	serverCmd.RunE = func(cmd *cobra.Command, _args []string) error {
		rawOpts, err := os.ReadFile(*optsPath)
		if err != nil {
			return fmt.Errorf("read options: %w", err)
		}
		var opts Options
		if err := toml.Unmarshal(rawOpts, &opts); err != nil {
			return fmt.Errorf("unmarshal options: %w", err)
		}
		opts.FillDefaults()

		level, err := parseLogLevel(opts.LogLevel)
		if err != nil {
			return fmt.Errorf("parse log level: %w", err)
		}
		log := slog.New(slog.NewTextHandler(
			colorable.NewColorableStderr(),
			&slog.HandlerOptions{Level: level},
		))

		token := opts.APIToken
		if token == "" {
			token = idgen.ID()
			log.Warn("no api token in options, generated one", slog.String("token", token))
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
		defer cancel()

		db, err := database.New(log, opts.DB)
		if err != nil {
			return fmt.Errorf("open db: %w", err)
		}
		defer db.Close()

		bus := event.NewBus(opts.EventBuffer)
		sched := timeout.New(log, db, opts.Timeout)
		defer sched.Close()
		life := lifecycle.New(log, db, sched)
		eng := engine.New(log, db, life, sched, bus)
		eng.Bind(sched)
		if err := sched.Recover(ctx); err != nil {
			return fmt.Errorf("recover scheduled jobs: %w", err)
		}

		mux := http.NewServeMux()
		if err := engineapi.RegisterServer(eng, mux, "/api/v1", engineapi.ServerOptions{
			TokenChecker: func(got string) error {
				if got != token {
					return fmt.Errorf("bad token")
				}
				return nil
			},
		}, log); err != nil {
			return fmt.Errorf("register server: %w", err)
		}
		engineapi.RegisterEvents(bus, mux, "/api/v1", opts.Events, log)

		servCtx, servCancel := context.WithCancel(ctx)
		defer servCancel()
		server := &http.Server{
			Addr:        opts.Addr,
			Handler:     gziphandler.GzipHandler(mux),
			BaseContext: func(net.Listener) context.Context { return servCtx },
		}

		g, gctx := errgroup.WithContext(servCtx)
		g.Go(func() error {
			log.Info("starting http server", slog.String("addr", opts.Addr))
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return fmt.Errorf("listen: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			log.Info("stopping server")
			return server.Shutdown(context.Background())
		})
		if err := g.Wait(); err != nil {
			log.Warn("server terminated", slogx.Err(err))
			return err
		}
		return nil
	}

	serverCmd.SetErrPrefix(style.WithSE("error:", 31, 1))
	if err := serverCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
