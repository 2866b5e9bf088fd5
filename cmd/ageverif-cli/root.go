package main

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"ageverif_gateway/internal/logger"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type globalOpts struct {
	server   string
	logLevel string
	timeout  time.Duration
}

func newRootCmd() *cobra.Command {
	opts := &globalOpts{}

	root := &cobra.Command{
		Use:           "ageverif-cli",
		Short:         "Operator tool for the age verification gateway",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.server, "server", "http://localhost:8080", "gateway base URL")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "warn", "log level")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 2*time.Minute, "overall deadline for the command")

	root.AddCommand(
		newVerifyCmd(opts),
		newStatusCmd(opts),
		newWebhookCmd(opts),
	)
	return root
}

func (o *globalOpts) logger() (*zap.Logger, error) {
	return logger.New(o.logLevel, false)
}

func (o *globalOpts) url(path string) string {
	return strings.TrimRight(o.server, "/") + path
}

// printResponse copies the gateway's answer to out and turns non-2xx into an
// error.
func printResponse(out io.Writer, resp *http.Response) error {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	fmt.Fprintln(out, strings.TrimSpace(string(body)))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("gateway answered %s", resp.Status)
	}
	return nil
}
