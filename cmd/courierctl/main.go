package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v2"

	"github.com/meow-io/go-courier"
	"github.com/meow-io/go-courier/config"
	"github.com/meow-io/go-courier/lifecycle"
	"github.com/meow-io/go-courier/message"
)

type contextKey int

const contextKeyCourier contextKey = iota

func getCourier(ctx *cli.Context) *courier.Courier {
	return ctx.Context.Value(contextKeyCourier).(*courier.Courier)
}

func getDefaultRoot() string {
	baseDir, _ := os.UserConfigDir()
	return filepath.Join(baseDir, "courier")
}

// openCourier opens the existing store under --root. It never initializes a new one.
func openCourier(ctx *cli.Context) error {
	password := ctx.String("password")
	if password == "" {
		return errors.New("a password is required, use --password or COURIER_PASSWORD")
	}
	c := config.NewConfig(
		config.WithRootDir(ctx.String("root")),
		config.WithLoggingPrefix("courierctl"),
		config.WithDebug(ctx.Bool("debug")),
	)
	co, err := courier.NewCourier(c, &lifecycle.Collaborators{Self: message.Identity{ServiceID: ctx.String("self")}})
	if err != nil {
		return fmt.Errorf("failed to make courier: %w", err)
	}
	if co.New() {
		return fmt.Errorf("no store found in %s", c.RootDir)
	}
	key, err := co.NewKey(password)
	if err != nil {
		return fmt.Errorf("failed to derive key: %w", err)
	}
	if err := co.Open(key); err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	ctx.Context = context.WithValue(ctx.Context, contextKeyCourier, co)
	return nil
}

func closeCourier(ctx *cli.Context) error {
	if v := ctx.Context.Value(contextKeyCourier); v != nil {
		return v.(*courier.Courier).Shutdown()
	}
	return nil
}

func main() {
	app := &cli.App{
		Name:  "courierctl",
		Usage: "Inspect a courier message store",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "root",
				Usage: "Directory holding the store",
				Value: getDefaultRoot(),
			},
			&cli.StringFlag{
				Name:    "password",
				Usage:   "Password of the store",
				EnvVars: []string{"COURIER_PASSWORD"},
			},
			&cli.StringFlag{
				Name:  "self",
				Usage: "Service id of the local account",
				Value: "self",
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "Enable debug logging",
			},
		},
		Before: openCourier,
		After:  closeCourier,
		Commands: []*cli.Command{
			conversationsCommand,
			messagesCommand,
			reactionsCommand,
			statsCommand,
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
