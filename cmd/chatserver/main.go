package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/gops/agent"
	"github.com/redis/go-redis/v9"
	"github.com/scott-cotton/cli"

	"github.com/cyberinferno/linechat/chatserver"
	"github.com/cyberinferno/linechat/logger"
	"github.com/cyberinferno/linechat/presence"
)

const redisDialTimeout = 5 * time.Second

func main() {
	cli.MainContext(context.Background(), MainCommand())
}

func MainCommand() *cli.Command {
	cfg := &MainConfig{LogLevel: "info", RedisPrefix: "linechat"}
	opts, err := cli.StructOpts(cfg)
	if err != nil {
		panic(err)
	}
	return cli.NewCommandAt(&cfg.Main, "chatserver").
		WithSynopsis("chatserver [-addr <addr>] [-ws <addr>] [-workers <n>] [-config <file>]").
		WithDescription("run the line chat relay").
		WithOpts(opts...).
		WithRun(func(cc *cli.Context, args []string) error {
			return serve(cfg, cc, args)
		})
}

func serve(cfg *MainConfig, cc *cli.Context, args []string) error {
	args, err := cfg.Main.Parse(cc, args)
	if err != nil {
		return err
	}
	if len(args) != 0 {
		return fmt.Errorf("%w: unexpected arguments %v", cli.ErrUsage, args)
	}

	serverCfg, err := cfg.serverConfig()
	if err != nil {
		return err
	}

	log, err := cfg.newLogger(serverCfg.Name)
	if err != nil {
		return err
	}
	defer log.Close()

	if cfg.Gops {
		if err := agent.Listen(agent.Options{}); err != nil {
			fmt.Fprintf(cc.Out, "gops agent failed: %v\n", err)
		} else {
			defer agent.Close()
		}
	}

	store, closeStore, err := cfg.presenceStore(log)
	if err != nil {
		return err
	}
	defer closeStore()

	srv := chatserver.New(serverCfg, log, store)
	if err := srv.Start(); err != nil {
		return err
	}
	defer srv.Stop()

	fmt.Fprintf(cc.Out, "%s listening on %s\n", serverCfg.Name, srv.Addr())
	if wsAddr := srv.WebSocketAddr(); wsAddr != nil {
		fmt.Fprintf(cc.Out, "%s websocket on ws://%s%s\n", serverCfg.Name, wsAddr, chatserver.WebSocketPath)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
		return nil
	case err := <-srv.Fatal():
		return err
	}
}

func (cfg *MainConfig) newLogger(service string) (logger.Logger, error) {
	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", cli.ErrUsage, err)
	}

	if cfg.LogDir == "" {
		return logger.NewConsoleLogger(os.Stderr, service, level), nil
	}

	return logger.NewZerologFileLogger(service, cfg.LogDir, level)
}

// presenceStore returns the Redis store when -redis is set, otherwise the
// in-memory one. The returned func releases the backing client.
func (cfg *MainConfig) presenceStore(log logger.Logger) (presence.Store, func(), error) {
	if cfg.Redis == "" {
		return presence.NewMemoryStore(), func() {}, nil
	}

	client := redis.NewClient(&redis.Options{Addr: cfg.Redis})
	ctx, cancel := context.WithTimeout(context.Background(), redisDialTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("failed to reach redis at %s: %w", cfg.Redis, err)
	}

	store := presence.NewRedisStore(client, cfg.RedisPrefix)
	log.Info("presence stored in redis",
		logger.Field{Key: "addr", Value: cfg.Redis},
		logger.Field{Key: "node", Value: store.Node()})

	return store, func() {
		if err := client.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
			log.Warn("redis close failed", logger.Field{Key: "error", Value: err.Error()})
		}
	}, nil
}
