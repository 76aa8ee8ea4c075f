// Command chatgate runs the retrieval-augmented chat gateway.
//
// Usage:
//
//	chatgate serve --config config.yaml
//	chatgate version
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/ozgurkan/chatgate/pkg/config"
	"github.com/ozgurkan/chatgate/pkg/logger"
)

// CLI defines the command-line interface.
type CLI struct {
	Version VersionCmd `cmd:"" help:"Show version information."`
	Serve   ServeCmd   `cmd:"" help:"Start the gateway server."`

	Config    string `short:"c" help:"Path to config file." type:"path"`
	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info"`
	LogFormat string `help:"Log format (text or json)." default:"text"`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			version = info.Main.Version
		}
	}
	fmt.Printf("chatgate version %s\n", version)
	return nil
}

// ServeCmd starts the gateway server.
type ServeCmd struct {
	Port int `help:"Override the listen port from the config file."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(cli.Config)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if c.Port != 0 {
		cfg.Server.Port = c.Port
	}

	app, err := buildApplication(ctx, cfg)
	if err != nil {
		return fmt.Errorf("build application: %w", err)
	}
	defer app.Close()

	slog.Info("gateway ready",
		"addr", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		"providers", len(cfg.LLMProviders),
		"tool_servers", len(cfg.MCP.Servers),
		"auth", cfg.Auth.Enabled)

	return app.Run(ctx)
}

func main() {
	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("chatgate"),
		kong.Description("chatgate - LLM chat gateway with streaming, tools, and approvals"),
		kong.UsageOnError(),
	)

	logger.Init(logger.ParseLevel(cli.LogLevel), os.Stderr, cli.LogFormat)

	err := ctx.Run(&cli)
	ctx.FatalIfErrorf(err)
}
