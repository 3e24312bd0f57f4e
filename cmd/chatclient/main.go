package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/scott-cotton/cli"

	"github.com/cyberinferno/linechat/chatclient"
)

func main() {
	cli.MainContext(context.Background(), MainCommand())
}

type MainConfig struct {
	Main *cli.Command

	Addr    string `cli:"name=addr desc='chat server address' default=localhost:12345"`
	Name    string `cli:"name=name desc='display name; empty lets the server pick one'"`
	NoColor bool   `cli:"name=no-color desc='disable colored output'"`
}

func MainCommand() *cli.Command {
	cfg := &MainConfig{Addr: "localhost:12345"}
	opts, err := cli.StructOpts(cfg)
	if err != nil {
		panic(err)
	}
	return cli.NewCommandAt(&cfg.Main, "chatclient").
		WithSynopsis("chatclient [-addr <host:port>] [-name <name>]").
		WithDescription("join a line chat; type exit or press ctrl-d to leave").
		WithOpts(opts...).
		WithRun(func(cc *cli.Context, args []string) error {
			return chat(cfg, cc, args)
		})
}

func chat(cfg *MainConfig, cc *cli.Context, args []string) error {
	args, err := cfg.Main.Parse(cc, args)
	if err != nil {
		return err
	}
	if len(args) != 0 {
		return fmt.Errorf("%w: unexpected arguments %v", cli.ErrUsage, args)
	}

	clientCfg := chatclient.DefaultConfig(cfg.Addr)
	clientCfg.Name = cfg.Name
	client := chatclient.New(clientCfg)

	r := newRenderer(cfg.Name, !cfg.NoColor && !color.NoColor)
	client.OnLine(func(event chatclient.LineEvent) {
		fmt.Fprintln(cc.Out, r.render(event.Line))
	})
	client.OnState(func(event chatclient.StateEvent) {
		if event.State == chatclient.Disconnected && event.Error != nil {
			fmt.Fprintln(cc.Out, r.status(fmt.Sprintf("disconnected: %v", event.Error)))
		}
	})

	if err := client.Connect(); err != nil {
		return err
	}
	defer client.Close()

	input := make(chan error, 1)
	go func() {
		input <- pump(bufio.NewScanner(os.Stdin), client)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case <-client.Done():
		fmt.Fprintln(cc.Out, r.status("connection closed"))
		return nil
	case err := <-input:
		return err
	case <-ctx.Done():
		return nil
	}
}

// pump sends every scanned line until the input ends or a send fails.
func pump(scanner *bufio.Scanner, client *chatclient.Client) error {
	for scanner.Scan() {
		if err := client.Send(scanner.Text()); err != nil {
			return fmt.Errorf("send failed: %w", err)
		}
	}

	return scanner.Err()
}
