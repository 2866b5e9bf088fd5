package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"

	"ageverif_gateway/internal/webhook"

	"github.com/spf13/cobra"
)

func newWebhookCmd(opts *globalOpts) *cobra.Command {
	var file, secret string
	var setMetafield bool

	cmd := &cobra.Command{
		Use:   "webhook [body]",
		Short: "Send a signed webhook body to the gateway",
		Long: `Send a JSON body to the webhook endpoint, signed with the shared secret.

The body comes from the argument, --file, or stdin. Without --secret the
request goes out unsigned and must carry an embedded verification token.
With --set-metafield the body is sent to the operator set-metafield endpoint
instead.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := readBody(cmd.InOrStdin(), args, file)
			if err != nil {
				return err
			}

			path := "/api/age-verif/webhook"
			if setMetafield {
				path = "/api/age-verif/set-metafield"
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()

			req, err := http.NewRequestWithContext(ctx, http.MethodPost, opts.url(path), bytes.NewReader(body))
			if err != nil {
				return fmt.Errorf("failed to build request: %w", err)
			}
			req.Header.Set("Content-Type", "application/json")
			if secret != "" {
				req.Header.Set(webhook.SignatureHeader, webhook.Sign(secret, body))
			}

			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return fmt.Errorf("webhook request failed: %w", err)
			}
			defer resp.Body.Close()

			return printResponse(cmd.OutOrStdout(), resp)
		},
	}

	cmd.Flags().StringVar(&file, "file", "", "read the body from this file")
	cmd.Flags().StringVar(&secret, "secret", os.Getenv("AGEVERIF_WEBHOOK_SECRET"), "webhook shared secret")
	cmd.Flags().BoolVar(&setMetafield, "set-metafield", false, "send to the set-metafield endpoint")
	return cmd
}

func readBody(stdin io.Reader, args []string, file string) ([]byte, error) {
	switch {
	case len(args) == 1:
		return []byte(args[0]), nil
	case file != "":
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read body file: %w", err)
		}
		return data, nil
	default:
		data, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("failed to read body from stdin: %w", err)
		}
		return data, nil
	}
}
