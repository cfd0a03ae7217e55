package main

import (
	"github.com/alecthomas/kong"
)

// Globals are flags shared by every command.
type Globals struct {
	Config   string `help:"Path to the YAML config file." short:"c" type:"path" env:"WATCHDOG_CONFIG"`
	LogLevel string `help:"Override the configured log level." enum:",trace,debug,info,warn,error" default:""`
}

type CLI struct {
	Globals

	Serve  ServeCmd  `cmd:"" help:"Run the watchdog daemon."`
	Status StatusCmd `cmd:"" help:"Print the last published status of a pool's watchdog."`
	Purge  PurgeCmd  `cmd:"" help:"Delete the history of finished watchdogs."`
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("watchdogd"),
		kong.Description("Durable per-pool task watchdogs."),
		kong.UsageOnError(),
	)
	ctx.FatalIfErrorf(ctx.Run(&cli.Globals))
}
