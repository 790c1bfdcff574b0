package main

import (
	"fmt"
	"net/url"
	"strconv"

	"github.com/org/lockr/internal/password"
	"github.com/spf13/cobra"
)

func secretPath(scope, principal string) string {
	return "/v1/secrets/" + url.PathEscape(scope) + "/" + url.PathEscape(principal)
}

// policyFromFlags returns nil when the server default policy applies.
func policyFromFlags(cmd *cobra.Command) *password.Policy {
	noSymbols, _ := cmd.Flags().GetBool("no-symbols")
	if !noSymbols {
		return nil
	}
	p := password.DefaultPolicy()
	kept := p.Classes[:0]
	for _, c := range p.Classes {
		if c.Chars != password.Symbols {
			kept = append(kept, c)
		}
	}
	p.Classes = kept
	return &p
}

func generateFlags(cmd *cobra.Command) {
	cmd.Flags().Int("length", 0, "Password length (server default when 0)")
	cmd.Flags().Bool("no-symbols", false, "Leave out the symbol class")
}

func generateBody(cmd *cobra.Command) map[string]any {
	length, _ := cmd.Flags().GetInt("length")
	body := map[string]any{"length": length}
	if p := policyFromFlags(cmd); p != nil {
		body["policy"] = p
	}
	return body
}

// printSecret prints a secret response; raw output defaults to the password.
func printSecret(result map[string]any) {
	data, _ := result["data"].(map[string]any)
	if data == nil {
		printResult(result)
		return
	}
	if outputFormat == "raw" && outputField == "" {
		fmt.Fprintln(stdout, data["password"])
		return
	}
	printResult(data)
}

func secretCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "secret", Short: "Mint, read and rotate credentials"}

	mintCmd := &cobra.Command{
		Use:   "mint <scope> <principal>",
		Short: "Generate and store a new credential",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := newClient().post(secretPath(args[0], args[1]), generateBody(cmd))
			if err != nil {
				return fail(err)
			}
			printSecret(result)
			return nil
		},
	}
	generateFlags(mintCmd)

	getCmd := &cobra.Command{
		Use:   "get <scope> <principal>",
		Short: "Read the current or a specific version",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := secretPath(args[0], args[1])
			if v, _ := cmd.Flags().GetInt("version"); v > 0 {
				path += "?version=" + strconv.Itoa(v)
			}
			result, err := newClient().get(path)
			if err != nil {
				return fail(err)
			}
			printSecret(result)
			return nil
		},
	}
	getCmd.Flags().Int("version", 0, "Version to read (default: current)")

	rotateCmd := &cobra.Command{
		Use:   "rotate <scope> <principal>",
		Short: "Replace an existing credential with a new version",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := newClient().post(secretPath(args[0], args[1])+"/rotate", generateBody(cmd))
			if err != nil {
				return fail(err)
			}
			printSecret(result)
			return nil
		},
	}
	generateFlags(rotateCmd)

	rollbackCmd := &cobra.Command{
		Use:   "rollback <scope> <principal> <version>",
		Short: "Make an earlier version current again",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			version, err := strconv.Atoi(args[2])
			if err != nil || version < 1 {
				return fail(fmt.Errorf("invalid version %q", args[2]))
			}
			result, err := newClient().post(secretPath(args[0], args[1])+"/rollback", map[string]any{"version": version})
			if err != nil {
				return fail(err)
			}
			if d, ok := result["data"].(map[string]any); ok {
				printResult(d)
				return nil
			}
			printResult(result)
			return nil
		},
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List stored credentials",
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := newClient().get("/v1/secrets")
			if err != nil {
				return fail(err)
			}
			rows, _ := result["data"].([]any)
			printRows(rows, "scope", "principal", "version_id", "last_updated")
			return nil
		},
	}

	historyCmd := &cobra.Command{
		Use:   "history <scope> <principal>",
		Short: "List the versions of a credential",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := newClient().get(secretPath(args[0], args[1]) + "/versions")
			if err != nil {
				return fail(err)
			}
			rows, _ := result["data"].([]any)
			printRows(rows, "version_id", "created_at", "algorithm", "current")
			return nil
		},
	}

	cmd.AddCommand(mintCmd, getCmd, rotateCmd, rollbackCmd, listCmd, historyCmd)
	return cmd
}

func passwdCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "passwd",
		Short: "Generate passwords locally without storing them",
		RunE: func(cmd *cobra.Command, args []string) error {
			length, _ := cmd.Flags().GetInt("length")
			if length == 0 {
				length = password.DefaultLength
			}
			count, _ := cmd.Flags().GetInt("count")
			policy := password.DefaultPolicy()
			if p := policyFromFlags(cmd); p != nil {
				policy = *p
			}
			gen := password.NewGenerator()
			for range count {
				pw, err := gen.Generate(length, policy)
				if err != nil {
					return fail(err)
				}
				fmt.Fprintln(stdout, string(pw))
			}
			return nil
		},
	}
	generateFlags(cmd)
	cmd.Flags().Int("count", 1, "Number of passwords to print")
	return cmd
}
