// Command access-guard runs the rate limiting, quota and lockout guard.
//
// Usage:
//
//	access-guard serve
//	access-guard token --subject ops
//	access-guard validate
package main

import (
	"context"
	"fmt"

	"github.com/alecthomas/kong"

	"access-guard/internal/app"
	"access-guard/internal/auth"
	"access-guard/internal/config"
)

// CLI defines the command-line interface. All runtime settings come from
// the environment (and an optional .env file).
type CLI struct {
	Serve    ServeCmd    `cmd:"" default:"1" help:"Start the guard (default)."`
	Token    TokenCmd    `cmd:"" help:"Issue an admin API token."`
	Validate ValidateCmd `cmd:"" help:"Validate the environment configuration."`
	Version  VersionCmd  `cmd:"" help:"Show version information."`
}

type ServeCmd struct{}

func (c *ServeCmd) Run() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	return app.Run(context.Background(), cfg)
}

// TokenCmd prints a signed admin token for the admin API
type TokenCmd struct {
	Subject string `short:"s" help:"Subject recorded in the token and audit logs." default:"admin"`
}

func (c *TokenCmd) Run() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	svc, err := auth.New(cfg.AdminJWTSecret, cfg.AdminTokenTTL)
	if err != nil {
		return err
	}
	token, err := svc.IssueToken(c.Subject)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

type ValidateCmd struct{}

func (c *ValidateCmd) Run() error {
	if _, err := loadConfig(); err != nil {
		return err
	}
	fmt.Println("Configuration is valid")
	return nil
}

type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	fmt.Printf("access-guard version %s\n", app.Version)
	return nil
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func main() {
	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("access-guard"),
		kong.Description("Sliding-window rate limiting, quota enforcement and brute-force lockout in front of an HTTP service"),
		kong.UsageOnError(),
	)

	err := ctx.Run()
	ctx.FatalIfErrorf(err)
}
