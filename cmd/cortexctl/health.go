package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/spf13/cobra"

	cxhttp "github.com/fyrsmithlabs/cortexd/internal/http"
)

func newHealthCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check cortexd server health",
		Long: `Check the health of a running cortexd server and its dependencies.
Exits non-zero when the server reports a degraded component.

Examples:
  cortexctl health
  cortexctl health --server http://cortexd.internal:8088`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c := newClient(opts, 10*time.Second)
			health, err := fetchHealth(cmd.Context(), c)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Server Status: %s\n", health.Status)
			fmt.Fprintf(out, "Server URL: %s\n", c.baseURL)
			names := make([]string, 0, len(health.Components))
			for name := range health.Components {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				comp := health.Components[name]
				if comp.Detail != "" {
					fmt.Fprintf(out, "  %-13s %s (%s)\n", name, comp.Status, comp.Detail)
				} else {
					fmt.Fprintf(out, "  %-13s %s\n", name, comp.Status)
				}
			}
			if health.Status != "ok" {
				return fmt.Errorf("server is %s", health.Status)
			}
			return nil
		},
	}
}

// fetchHealth returns the health body for both 200 and 503 replies.
func fetchHealth(ctx context.Context, c *client) (*cxhttp.HealthResponse, error) {
	resp, err := c.send(ctx, http.MethodGet, "/health", nil)
	if err != nil {
		var apiErr *apiError
		if !errors.As(err, &apiErr) || apiErr.Status != http.StatusServiceUnavailable {
			return nil, err
		}
		// Degraded replies carry the component breakdown in the body.
		var h cxhttp.HealthResponse
		if jsonErr := json.Unmarshal([]byte(apiErr.Message), &h); jsonErr != nil || h.Status == "" {
			return nil, err
		}
		return &h, nil
	}
	defer resp.Body.Close()

	var h cxhttp.HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &h, nil
}
