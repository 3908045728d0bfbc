// Command edgefabric serves user-provided functions, each invocation
// isolated in its own per-request scripting sandbox.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/joeycumines/logiface"

	"github.com/edgeworker/fabric/internal/config"
	"github.com/edgeworker/fabric/internal/router"
	"github.com/edgeworker/fabric/internal/supervisor"
	"github.com/edgeworker/fabric/internal/telemetry"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, err := config.Parse(args)
	if err != nil {
		return err
	}

	telemetry.Configure(os.Stderr, logiface.LevelInformational, false)

	rt := router.New(cfg)
	return supervisor.Run(context.Background(), cfg.Addr(), rt)
}
