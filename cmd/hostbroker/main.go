// The hostbroker command is the Host Factory provider executable. The
// scheduler invokes it once per operation: argv[1] names the operation and
// the JSON payload comes from argv[2] or stdin. The JSON response is written
// to stdout, logs go to stderr, and the exit status encodes the error class.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"hostbroker/internal/di"
	"hostbroker/internal/errors"
)

const usage = `usage: hostbroker <operation> [json-payload]

Operations:
  requestMachines        provision machines from a template
  getRequestStatus       report the state of one request
  returnMachines         release machines back to the provider
  getAvailableTemplates  list provisionable templates

The payload is taken from the second argument, or from stdin when absent.`

const shutdownTimeout = 10 * time.Second

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, usage)
		return errors.ExitUserError
	}
	operation := args[0]

	payload, err := readPayload(args[1:], stdin)
	if err != nil {
		fmt.Fprintf(stderr, "hostbroker: %v\n", err)
		return errors.GetCode(err).ExitCode()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	container, err := di.New(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "hostbroker: %v\n", err)
		return errors.GetCode(err).ExitCode()
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := container.Shutdown(shutdownCtx); err != nil {
			fmt.Fprintf(stderr, "hostbroker: shutdown: %v\n", err)
		}
	}()

	out, err := container.Adapter.Handle(ctx, operation, payload)
	if err != nil {
		container.Logger.Error("operation failed",
			zap.String("operation", operation),
			zap.Error(err))
		fmt.Fprintf(stderr, "hostbroker: %v\n", err)
		if ctx.Err() != nil {
			return errors.ExitTimeout
		}
		return errors.GetCode(err).ExitCode()
	}

	fmt.Fprintln(stdout, string(out))
	return errors.ExitOK
}

// readPayload takes the payload from the first remaining argument, falling
// back to stdin. An interactive terminal yields an empty payload rather than
// blocking on a read that never comes.
func readPayload(args []string, stdin io.Reader) ([]byte, error) {
	if len(args) > 0 {
		return []byte(args[0]), nil
	}
	if file, ok := stdin.(*os.File); ok {
		info, err := file.Stat()
		if err != nil || info.Mode()&os.ModeCharDevice != 0 {
			return nil, nil
		}
	}
	payload, err := io.ReadAll(stdin)
	if err != nil {
		return nil, errors.Validation(errors.CodeInvalidInput, "could not read payload from stdin").
			WithCause(err).
			Build()
	}
	return payload, nil
}
