package main

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/spf13/cobra"
)

func newStatusCmd(opts *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "status <order>",
		Short: "Show the stored verification for an order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()

			q := url.Values{}
			q.Set("order", args[0])
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, opts.url("/api/age-verif/status?"+q.Encode()), nil)
			if err != nil {
				return fmt.Errorf("failed to build request: %w", err)
			}

			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return fmt.Errorf("status request failed: %w", err)
			}
			defer resp.Body.Close()

			return printResponse(cmd.OutOrStdout(), resp)
		},
	}
}
