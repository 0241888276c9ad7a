// Command shipctl builds container images locally and deploys them to a
// remote Docker host over SSH.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/artpar/shipctl/internal/core/domain"
)

// Version information (set by build)
var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := newRootCmd().ExecuteContext(ctx)
	if err == nil {
		return domain.ExitSuccess
	}

	// Deploy errors are rendered with their remediation by the command.
	var de *domain.DeployError
	if !errors.As(err, &de) {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
	}
	return domain.ExitCode(err)
}
