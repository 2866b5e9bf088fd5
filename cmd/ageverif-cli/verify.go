package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"

	"ageverif_gateway/internal/events"
	"ageverif_gateway/internal/flow"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// frameWidget stands in for the browser widget. With a token it answers
// directly; otherwise it feeds each input line to the bus as a cross-frame
// message and leaves the answer to the bus.
type frameWidget struct {
	token  string
	in     io.Reader
	bus    *events.Bus
	logger *zap.Logger
}

func (w *frameWidget) Start(ctx context.Context) (*flow.WidgetResult, error) {
	if w.token != "" {
		return &flow.WidgetResult{Verified: true, Token: w.token}, nil
	}

	go func() {
		scanner := bufio.NewScanner(w.in)
		for scanner.Scan() {
			if ctx.Err() != nil {
				return
			}
			w.bus.Message(scanner.Bytes())
		}
		if err := scanner.Err(); err != nil {
			w.logger.Warn("failed to read widget messages", zap.Error(err))
		}
	}()
	return nil, nil
}

func newVerifyCmd(opts *globalOpts) *cobra.Command {
	var order, code, token string

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Run one verification attempt against the gateway",
		Long: `Run one verification attempt the way the verification page does.

With --token the token is posted straight away. Without it, widget messages
such as {"type":"verified","token":"..."} are read from stdin, one per line,
until one verifies or --timeout expires.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := opts.logger()
			if err != nil {
				return err
			}
			defer log.Sync()

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer cancel()
			ctx, cancelTimeout := context.WithTimeout(ctx, opts.timeout)
			defer cancelTimeout()

			bus := events.NewBus(log)
			bus.Subscribe(func(ev events.Event) {
				log.Debug("widget event", zap.String("kind", string(ev.Kind)))
			})

			widget := &frameWidget{token: token, in: cmd.InOrStdin(), bus: bus, logger: log}
			controller := flow.NewController(bus, widget, flow.NewHTTPPoster(opts.server, opts.timeout), order, code, log)

			outcome, err := controller.StartVerification(ctx)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			switch {
			case outcome.Success:
				fmt.Fprintln(out, "verified:", outcome.Redirect)
			case outcome.Redirect != "":
				fmt.Fprintln(out, "retry:", outcome.Redirect)
			default:
				fmt.Fprintln(out, "failed:", outcome.Message)
			}
			if !outcome.Success {
				return fmt.Errorf("verification not completed")
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&order, "order", "", "order number, e.g. #1001")
	cmd.Flags().StringVar(&code, "code", "", "order confirmation code")
	cmd.Flags().StringVar(&token, "token", "", "widget token to post directly")
	return cmd
}
