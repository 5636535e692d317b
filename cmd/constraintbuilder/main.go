package main

import (
	"os"

	"github.com/alecthomas/kong"

	"github.com/openwind/constraintbuilder/cmd/constraintbuilder/commands"
	"github.com/openwind/constraintbuilder/internal/version"
)

func main() {
	var cli commands.CLI
	ctx := kong.Parse(&cli,
		kong.Name("constraintbuilder"),
		kong.Description("Build wind turbine constraint layers from a dataset catalog"),
		kong.Vars{"version": version.String()},
		kong.UsageOnError(),
	)
	if err := ctx.Run(&commands.Global{}, &cli); err != nil {
		os.Exit(commands.ExitCode(err))
	}
}
