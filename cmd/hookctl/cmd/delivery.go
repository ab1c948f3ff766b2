package cmd

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/austindbirch/harbor_relay/internal/ingest"
)

// deliveryCmd represents the delivery command
var deliveryCmd = &cobra.Command{
	Use:   "delivery",
	Short: "Inspect webhook deliveries",
	Long:  `Check delivery status and attempt history, and list recent deliveries for a subscription.`,
}

func getDeliveryStatus(ctx context.Context, c *apiClient, id string) (ingest.StatusResponse, error) {
	var resp ingest.StatusResponse
	err := c.do(ctx, http.MethodGet, "/api/delivery/"+url.PathEscape(id), nil, nil, &resp)
	return resp, err
}

func listDeliveries(ctx context.Context, c *apiClient, subscriptionID string, limit int) (ingest.ListResponse, error) {
	path := "/api/subscriptions/" + url.PathEscape(subscriptionID) + "/deliveries"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var resp ingest.ListResponse
	err := c.do(ctx, http.MethodGet, path, nil, nil, &resp)
	return resp, err
}

func printStatus(w io.Writer, resp ingest.StatusResponse) {
	d := resp.Delivery
	fmt.Fprintf(w, "Delivery %s\n", d.ID)
	fmt.Fprintf(w, "  Subscription: %s\n", d.SubscriptionID)
	if d.EventType != "" {
		fmt.Fprintf(w, "  Event type: %s\n", d.EventType)
	}
	fmt.Fprintf(w, "  Status: %s (%s)\n", d.Status, d.State)
	fmt.Fprintf(w, "  Created: %s\n", formatTime(&d.CreatedAt))
	if d.NextAttemptAt != nil {
		fmt.Fprintf(w, "  Next attempt: %s\n", formatTime(d.NextAttemptAt))
	}
	if d.CompletedAt != nil {
		fmt.Fprintf(w, "  Completed: %s\n", formatTime(d.CompletedAt))
	}

	if len(resp.Attempts) == 0 {
		fmt.Fprintln(w, "  No delivery attempts yet")
		return
	}
	for _, a := range resp.Attempts {
		fmt.Fprintf(w, "\n  Attempt %d:\n", a.AttemptNumber)
		fmt.Fprintf(w, "    Outcome: %s\n", a.Outcome)
		if a.StatusCode > 0 {
			fmt.Fprintf(w, "    HTTP Status: %d\n", a.StatusCode)
		}
		if a.Reason != "" {
			fmt.Fprintf(w, "    Reason: %s\n", a.Reason)
		}
		if a.ErrorDetail != "" {
			fmt.Fprintf(w, "    Error: %s\n", a.ErrorDetail)
		}
		fmt.Fprintf(w, "    Duration: %dms\n", a.DurationMS)
		fmt.Fprintf(w, "    At: %s\n", formatTime(&a.CreatedAt))
	}
}

// statusCmd represents the status command
var statusCmd = &cobra.Command{
	Use:   "status [delivery-id]",
	Short: "Get status and attempt history for a delivery",
	Long: `Get the status of a delivery and every attempt made so far, oldest first.

Example:
  hookctl delivery status 6f1c2b1e-...`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		resp, err := getDeliveryStatus(ctx, newAPIClient(), args[0])
		if err != nil {
			return fmt.Errorf("failed to get delivery status: %w", err)
		}
		if outputJSON {
			return printJSON(cmd.OutOrStdout(), resp)
		}
		printStatus(cmd.OutOrStdout(), resp)
		return nil
	},
}

// listCmd represents the list command
var listCmd = &cobra.Command{
	Use:   "list [subscription-id]",
	Short: "List recent deliveries for a subscription",
	Long: `List a subscription's deliveries, newest first.

Example:
  hookctl delivery list sub_123 --limit 50`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		resp, err := listDeliveries(ctx, newAPIClient(), args[0], limit)
		if err != nil {
			return fmt.Errorf("failed to list deliveries: %w", err)
		}

		out := cmd.OutOrStdout()
		if outputJSON {
			return printJSON(out, resp)
		}
		fmt.Fprintf(out, "Deliveries for subscription %s:\n", resp.SubscriptionID)
		if len(resp.Deliveries) == 0 {
			fmt.Fprintln(out, "  No deliveries found")
			return nil
		}
		for _, d := range resp.Deliveries {
			fmt.Fprintf(out, "  %s  %-9s %-16s %s\n", d.ID, d.Status, d.State, formatTime(&d.CreatedAt))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(deliveryCmd)
	deliveryCmd.AddCommand(statusCmd)
	deliveryCmd.AddCommand(listCmd)

	listCmd.Flags().Int("limit", 0, "maximum deliveries to return (server default 20, max 100)")
}
