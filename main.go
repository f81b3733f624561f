package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	_ "go.uber.org/automaxprocs"

	"github.com/jobgate/jobgate/runner"
)

var (
	version   = "Not an official release. Get the latest release from the github repo."
	commit    string
	buildDate string
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	r := runner.New(runner.ReleaseInfo{
		Version:   version,
		Commit:    commit,
		BuildDate: buildDate,
	})
	exitCode := r.Run(ctx)
	cancel()
	os.Exit(exitCode)
}
