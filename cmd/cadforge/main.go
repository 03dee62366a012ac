// cmd/cadforge/main.go
//
// Entry point for the cadforge CLI. Every command runs against a project
// directory (the working directory unless --project is given) whose state
// lives in .cadforge/.

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// run executes the CLI and returns the process exit code.
func run(args []string, out, errOut io.Writer) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	a := newApp(out, errOut)
	// PersistentPostRun is skipped when a command fails.
	defer a.close()
	root := newRootCmd(a)
	root.SetArgs(args)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(errOut, "[FAIL] %s\n", oneLine(err))
		return 1
	}
	return 0
}
