package main

import (
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/chatops-dev/opencodectl/internal/bot"
	"github.com/chatops-dev/opencodectl/internal/config"
	"github.com/chatops-dev/opencodectl/internal/opencode"
	"github.com/chatops-dev/opencodectl/internal/supervisor"
)

func main() {
	app := &cli.App{
		Name:  "opencodectl",
		Usage: "supervise a local opencode server and talk to it",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "Path to the YAML config file.",
			},
			&cli.BoolFlag{
				Name:  "verbose",
				Usage: "Enable debug logging.",
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "status",
				Usage: "Show backend port occupancy and health.",
				Action: func(ctx *cli.Context) error {
					core, _, err := wire(ctx)
					if err != nil {
						return err
					}
					fmt.Println(core.StatusReport(ctx.Context))
					return nil
				},
			},
			{
				Name:  "up",
				Usage: "Start the backend if it is not already healthy.",
				Action: func(ctx *cli.Context) error {
					core, _, err := wire(ctx)
					if err != nil {
						return err
					}
					ok, detail := core.HandleStartBackend(ctx.Context)
					fmt.Println(detail)
					if !ok {
						return cli.Exit("", 1)
					}
					return nil
				},
			},
			{
				Name:  "restart",
				Usage: "Restart the backend in the last-used directory and resume the most recent session.",
				Action: func(ctx *cli.Context) error {
					core, _, err := wire(ctx)
					if err != nil {
						return err
					}
					ok, detail := core.HandleRestartBackend(ctx.Context)
					fmt.Println(detail)
					if !ok {
						return cli.Exit("", 1)
					}
					return nil
				},
			},
			{
				Name:      "send",
				Usage:     "Send a prompt to the current session and print the final result.",
				ArgsUsage: "TEXT...",
				Action: func(ctx *cli.Context) error {
					if ctx.NArg() == 0 {
						return fmt.Errorf("nothing to send")
					}
					core, _, err := wire(ctx)
					if err != nil {
						return err
					}
					reply := core.HandleMessage(ctx.Context, strings.Join(ctx.Args().Slice(), " "))
					for _, chunk := range bot.ChunkText(reply, bot.MaxMessageLength) {
						fmt.Println(chunk)
					}
					return nil
				},
			},
			{
				Name:  "sessions",
				Usage: "List the backend's sessions.",
				Action: func(ctx *cli.Context) error {
					core, _, err := wire(ctx)
					if err != nil {
						return err
					}
					fmt.Println(core.SessionList(ctx.Context))
					return nil
				},
			},
			{
				Name:  "new",
				Usage: "Create a session and make it current.",
				Action: func(ctx *cli.Context) error {
					core, _, err := wire(ctx)
					if err != nil {
						return err
					}
					fmt.Println(core.HandleNewSession(ctx.Context))
					return nil
				},
			},
			{
				Name:      "newproj",
				Usage:     "Restart the backend in a fresh project directory under ~/bots.",
				ArgsUsage: "[NAME]",
				Action: func(ctx *cli.Context) error {
					core, _, err := wire(ctx)
					if err != nil {
						return err
					}
					fmt.Println(core.HandleNewProject(ctx.Context, ctx.Args().First()))
					return nil
				},
			},
			{
				Name:  "export",
				Usage: "Export the current session's messages as Markdown.",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "out",
						Usage: "Output file (defaults to a name derived from the session id).",
					},
				},
				Action: func(ctx *cli.Context) error {
					core, logger, err := wire(ctx)
					if err != nil {
						return err
					}
					content, filename, err := core.ExportSession(ctx.Context)
					if err != nil {
						return fmt.Errorf("export failed: %w", err)
					}
					if out := ctx.String("out"); out != "" {
						filename = out
					}
					if err := os.WriteFile(filename, content, 0o644); err != nil {
						return fmt.Errorf("writing %s: %w", filename, err)
					}
					logger.Sugar().Infow("session exported", "file", filename, "bytes", len(content))
					fmt.Println(filename)
					return nil
				},
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

// wire builds the full stack from configuration: client, delivery,
// supervisor, and the bot core on top.
func wire(ctx *cli.Context) (*bot.Core, *zap.Logger, error) {
	cfg, err := config.Load(ctx.String("config"))
	if err != nil {
		return nil, nil, err
	}

	var logger *zap.Logger
	if ctx.Bool("verbose") {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return nil, nil, fmt.Errorf("building logger: %w", err)
	}
	logger = logger.With(zap.String("run_id", uuid.NewString()))

	clientOpts := []opencode.ClientOption{opencode.WithClientLogger(logger)}
	healthOpts := []supervisor.HealthOption{}
	if user, pass, ok := cfg.BasicAuth(); ok {
		clientOpts = append(clientOpts, opencode.WithBasicAuth(user, pass))
		healthOpts = append(healthOpts, supervisor.WithHealthBasicAuth(user, pass))
	}

	client := opencode.NewClient(cfg.BaseURL, clientOpts...)
	delivery := opencode.NewDelivery(client, cfg.MessageTimeout, cfg.UseAsync,
		opencode.WithDeliveryLogger(logger))

	supOpts := []supervisor.Option{supervisor.WithLogger(logger)}
	if cfg.LogPath != "" {
		supOpts = append(supOpts, supervisor.WithLogFile(cfg.LogPath))
	}
	sup := supervisor.New(cfg.Port(), cfg.Hostname(),
		supervisor.NewHealthChecker(cfg.BaseURL, healthOpts...), supOpts...)

	core := bot.NewCore(client, delivery, sup, cfg, bot.WithCoreLogger(logger))
	return core, logger, nil
}
