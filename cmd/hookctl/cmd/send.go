package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/spf13/cobra"

	"github.com/austindbirch/harbor_relay/internal/ingest"
	"github.com/austindbirch/harbor_relay/internal/signing"
)

type sendResult struct {
	Status     string `json:"status"`
	Message    string `json:"message"`
	DeliveryID string `json:"delivery_id,omitempty"`
}

// readPayload takes the payload from --data, or from --file ("-" for stdin)
func readPayload(data, file string) ([]byte, error) {
	switch {
	case data != "" && file != "":
		return nil, errors.New("use only one of --data and --file")
	case data != "":
		return []byte(data), nil
	case file == "-":
		return readAll(os.Stdin)
	case file != "":
		return os.ReadFile(file)
	}
	return nil, errors.New("a payload is required (--data or --file)")
}

// sendEvent posts payload to the ingest route, signing it when secret is set. The bytes
// sent are exactly the bytes signed.
func sendEvent(ctx context.Context, c *apiClient, subscriptionID, eventType, secret string, payload []byte) (sendResult, error) {
	h := http.Header{}
	if eventType != "" {
		h.Set(ingest.HeaderEventType, eventType)
	}
	if secret != "" {
		h.Set(signing.Header, signing.HeaderValue(secret, payload))
	}
	var res sendResult
	err := c.do(ctx, http.MethodPost, "/api/ingest/"+subscriptionID, payload, h, &res)
	return res, err
}

var sendCmd = &cobra.Command{
	Use:   "send [subscription-id]",
	Short: "Send an event to a subscription",
	Long: `Send a JSON event to the relay's ingest route.

When --secret is given the payload is signed with HMAC-SHA256 and sent in the
X-Hub-Signature-256 header, as a signing producer would.

Examples:
  hookctl send sub_123 --data '{"order_id":42}' --event order.created
  hookctl send sub_123 --file event.json --secret whsec_abc`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, _ := cmd.Flags().GetString("data")
		file, _ := cmd.Flags().GetString("file")
		eventType, _ := cmd.Flags().GetString("event")
		secret, _ := cmd.Flags().GetString("secret")

		payload, err := readPayload(data, file)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()
		res, err := sendEvent(ctx, newAPIClient(), args[0], eventType, secret, payload)
		if err != nil {
			return fmt.Errorf("send failed: %w", err)
		}

		out := cmd.OutOrStdout()
		if outputJSON {
			return printJSON(out, res)
		}
		switch res.Status {
		case "accepted":
			fmt.Fprintf(out, "✓ Accepted, delivery %s\n", res.DeliveryID)
		default:
			fmt.Fprintf(out, "- %s: %s\n", res.Status, res.Message)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(sendCmd)
	sendCmd.Flags().StringP("data", "d", "", "JSON payload")
	sendCmd.Flags().StringP("file", "f", "", "read the payload from a file, - for stdin")
	sendCmd.Flags().StringP("event", "e", "", "event type")
	sendCmd.Flags().String("secret", "", "subscription secret used to sign the payload")
}
