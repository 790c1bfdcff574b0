package main

import (
	"bufio"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

func loginCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Save the server address and operator token",
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr, _ := cmd.Flags().GetString("address"); addr != "" {
				cfg.Address = addr
			}
			if ca, _ := cmd.Flags().GetString("ca-cert"); ca != "" {
				cfg.TLSCACert = ca
			}
			if f, _ := cmd.Flags().GetString("default-format"); f != "" {
				cfg.Format = f
			}
			token, _ := cmd.Flags().GetString("token")
			if token == "" {
				token = prompt("Operator token: ")
			}
			if token == "" {
				return fail(fmt.Errorf("a token is required"))
			}
			cfg.Token = token

			// Check the token before saving it.
			if _, err := newClient().get("/v1/secrets"); err != nil {
				return fail(err)
			}
			if err := saveConfig(); err != nil {
				return fail(err)
			}
			printSuccess("Success! Token saved to " + configPath())
			return nil
		},
	}
	cmd.Flags().String("address", "", "Server address")
	cmd.Flags().String("token", "", "Operator token (prompted when empty)")
	cmd.Flags().String("ca-cert", "", "CA certificate for TLS verification")
	cmd.Flags().String("default-format", "", "Output format to use when --format is not given")
	return cmd
}

func operatorCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "operator", Short: "Vault operator commands"}

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize the vault",
		RunE: func(cmd *cobra.Command, args []string) error {
			shares, _ := cmd.Flags().GetInt("shares")
			threshold, _ := cmd.Flags().GetInt("threshold")
			result, err := newClient().post("/v1/sys/init", map[string]any{
				"secret_shares":    shares,
				"secret_threshold": threshold,
			})
			if err != nil {
				return fail(err)
			}
			if outputFormat != "table" {
				printResult(result)
				return nil
			}
			keys, _ := result["keys"].([]any)
			for i, k := range keys {
				fmt.Fprintf(stdout, "Unseal Key %d: %v\n", i+1, k)
			}
			fmt.Fprintf(stdout, "\nVault initialized with %d key shares and a key threshold of %d.\n", len(keys), threshold)
			fmt.Fprintln(stdout, "These keys are shown once. Store them separately.")
			return nil
		},
	}
	initCmd.Flags().Int("shares", 5, "Number of key shares")
	initCmd.Flags().Int("threshold", 3, "Number of shares required to unseal")

	unsealCmd := &cobra.Command{
		Use:   "unseal [key]",
		Short: "Provide an unseal key share",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var key string
			if len(args) > 0 {
				key = args[0]
			} else {
				key = prompt("Unseal Key (base64): ")
			}
			reset, _ := cmd.Flags().GetBool("reset")
			result, err := newClient().post("/v1/sys/unseal", map[string]any{"key": key, "reset": reset})
			if err != nil {
				return fail(err)
			}
			printResult(result)
			return nil
		},
	}
	unsealCmd.Flags().Bool("reset", false, "Discard previously submitted shares")

	sealCmd := &cobra.Command{
		Use:   "seal",
		Short: "Seal the vault",
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := newClient().put("/v1/sys/seal", nil)
			if err != nil {
				return fail(err)
			}
			printResult(result)
			return nil
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show seal status",
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := newClient().get("/v1/sys/seal-status")
			if err != nil {
				return fail(err)
			}
			printResult(result)
			return nil
		},
	}

	tokenCmd := &cobra.Command{
		Use:   "token <name>",
		Short: "Generate an operator token and its server config entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			token := "lkr_" + rand.Text()
			sum := sha256.Sum256([]byte(token))
			fmt.Fprintf(stdout, "Token: %s\n\n", token)
			fmt.Fprintln(stdout, "Add to the server's operators list:")
			fmt.Fprintf(stdout, "  - name: %s\n    token_sha256: %s\n", args[0], hex.EncodeToString(sum[:]))
			return nil
		},
	}

	cmd.AddCommand(initCmd, unsealCmd, sealCmd, statusCmd, tokenCmd)
	return cmd
}

func prompt(label string) string {
	fmt.Fprint(os.Stderr, label)
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Scan()
	return strings.TrimSpace(scanner.Text())
}
