package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/austindbirch/harbor_relay/internal/signing"
)

func readAll(r io.Reader) ([]byte, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read payload: %w", err)
	}
	return b, nil
}

var signCmd = &cobra.Command{
	Use:   "sign",
	Short: "Compute or verify a payload signature",
	Long: `Print the X-Hub-Signature-256 value for a payload, or check a received one.

Examples:
  hookctl sign --secret whsec_abc --data '{"a":1}'
  cat body.json | hookctl sign --secret whsec_abc --file - --verify sha256=5d41...`,
	RunE: func(cmd *cobra.Command, args []string) error {
		secret, _ := cmd.Flags().GetString("secret")
		data, _ := cmd.Flags().GetString("data")
		file, _ := cmd.Flags().GetString("file")
		verify, _ := cmd.Flags().GetString("verify")

		if secret == "" {
			return fmt.Errorf("--secret is required")
		}
		payload, err := readPayload(data, file)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if verify == "" {
			if outputJSON {
				return printJSON(out, map[string]string{
					"header": signing.Header,
					"value":  signing.HeaderValue(secret, payload),
				})
			}
			fmt.Fprintf(out, "%s: %s\n", signing.Header, signing.HeaderValue(secret, payload))
			return nil
		}

		ok := signing.Verify(secret, payload, verify)
		if outputJSON {
			if err := printJSON(out, map[string]bool{"valid": ok}); err != nil {
				return err
			}
		} else if ok {
			fmt.Fprintln(out, "✓ Signature is valid")
		} else {
			fmt.Fprintln(out, "✗ Signature does not match")
		}
		if !ok {
			return fmt.Errorf("signature mismatch")
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(signCmd)
	signCmd.Flags().String("secret", "", "subscription secret")
	signCmd.Flags().StringP("data", "d", "", "payload bytes")
	signCmd.Flags().StringP("file", "f", "", "read the payload from a file, - for stdin")
	signCmd.Flags().String("verify", "", "signature to check instead of printing one")
}
