package main

import (
	"fmt"
	"net/url"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/org/lockr/internal/probe"
	"github.com/spf13/cobra"
)

var stages = []string{"reachability", "port", "authentication", "resources"}

// printHostResult renders one host check as a stage table followed by
// the remediation steps.
func printHostResult(res map[string]any) {
	if outputFormat != "table" {
		printResult(res)
		return
	}
	fmt.Fprintf(stdout, "Host:    %v\n", res["address"])
	fmt.Fprintf(stdout, "Overall: %s (%s)\n\n", formatValue(lookup(res, "overall.status")), formatValue(lookup(res, "overall.reason")))

	w := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STAGE\tSTATUS\tCODE\tDETAIL")
	for _, st := range stages {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", st,
			formatValue(lookup(res, st+".status")),
			formatValue(lookup(res, st+".code")),
			formatValue(lookup(res, st+".detail")))
	}
	w.Flush()

	if readings, ok := res["readings"].([]any); ok && len(readings) > 0 {
		fmt.Fprintln(stdout)
		printRows(readings, "name", "value", "threshold", "exceeded")
	}
	if rem, ok := res["remediation"].([]any); ok && len(rem) > 0 {
		fmt.Fprintln(stdout, "\nRemediation:")
		for _, r := range rem {
			fmt.Fprintf(stdout, "  - %v\n", r)
		}
	}
}

func probeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "probe <address>",
		Short: "Check a host's reachability, SSH access and resources",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient()
			var (
				result map[string]any
				err    error
			)
			if cached, _ := cmd.Flags().GetBool("cached"); cached {
				result, err = client.get("/v1/probe/" + url.PathEscape(args[0]))
			} else {
				port, _ := cmd.Flags().GetInt("port")
				name, _ := cmd.Flags().GetString("name")
				result, err = client.post("/v1/probe", map[string]any{
					"address": args[0],
					"port":    port,
					"name":    name,
				})
			}
			if err != nil {
				return fail(err)
			}
			data, _ := result["data"].(map[string]any)
			printHostResult(data)
			return nil
		},
	}
	cmd.Flags().Int("port", 0, "SSH port (server default when 0)")
	cmd.Flags().String("name", "", "Display name")
	cmd.Flags().Bool("cached", false, "Show the last stored result instead of probing")
	return cmd
}

// printPrincipalCheck renders whether a login exists on a host.
func printPrincipalCheck(res map[string]any) {
	if outputFormat != "table" {
		printResult(res)
		return
	}
	fmt.Fprintf(stdout, "Host:      %v\n", res["address"])
	fmt.Fprintf(stdout, "Principal: %v\n", res["principal"])
	fmt.Fprintf(stdout, "Status:    %s\n", formatValue(res["status"]))
	if id := formatValue(res["identity"]); id != "" {
		fmt.Fprintf(stdout, "Identity:  %s\n", id)
	}
	if d := formatValue(res["detail"]); d != "" {
		fmt.Fprintf(stdout, "Detail:    %s\n", d)
	}
	if rem, ok := lookup(res, "authentication.remediation").([]any); ok && len(rem) > 0 {
		fmt.Fprintln(stdout, "\nRemediation:")
		for _, r := range rem {
			fmt.Fprintf(stdout, "  - %v\n", r)
		}
	}
}

func checkUserCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check-user <address> <principal>",
		Short: "Check that a login exists on a host before storing its credential",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			port, _ := cmd.Flags().GetInt("port")
			result, err := newClient().post("/v1/probe/principal", map[string]any{
				"address":   args[0],
				"port":      port,
				"principal": args[1],
			})
			if err != nil {
				return fail(err)
			}
			data, _ := result["data"].(map[string]any)
			printPrincipalCheck(data)
			if data["status"] != "exists" {
				return errReported
			}
			return nil
		},
	}
	cmd.Flags().Int("port", 0, "SSH port (server default when 0)")
	return cmd
}

func sweepCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Probe every host in an inventory file",
		RunE: func(cmd *cobra.Command, args []string) error {
			file, _ := cmd.Flags().GetString("file")
			hosts, err := probe.LoadInventory(file)
			if err != nil {
				return fail(err)
			}
			if len(hosts) == 0 {
				return fail(fmt.Errorf("%s lists no hosts", file))
			}
			result, err := newClient().post("/v1/probe/sweep", map[string]any{"hosts": hosts})
			if err != nil {
				return fail(err)
			}
			rows, _ := result["data"].([]any)
			printRows(rows, "host.name", "address", "overall.status", "overall.reason")
			return nil
		},
	}
	cmd.Flags().StringP("file", "f", "hosts.yaml", "Inventory file")
	return cmd
}

func auditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Query the audit log",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			for _, f := range []string{"scope", "principal", "action"} {
				if v, _ := cmd.Flags().GetString(f); v != "" {
					q.Set(f, v)
				}
			}
			if since, _ := cmd.Flags().GetDuration("since"); since > 0 {
				q.Set("since", time.Now().Add(-since).UTC().Format(time.RFC3339))
			}
			if limit, _ := cmd.Flags().GetInt("limit"); limit > 0 {
				q.Set("limit", strconv.Itoa(limit))
			}
			path := "/v1/sys/audit-log"
			if len(q) > 0 {
				path += "?" + q.Encode()
			}
			result, err := newClient().get(path)
			if err != nil {
				return fail(err)
			}
			rows, _ := result["data"].([]any)
			printRows(rows, "seq", "timestamp", "actor", "action", "scope", "principal", "outcome", "code")
			return nil
		},
	}
	cmd.Flags().String("scope", "", "Only entries for this scope")
	cmd.Flags().String("principal", "", "Only entries for this principal")
	cmd.Flags().String("action", "", "Only this action (create, retrieve, rotate)")
	cmd.Flags().Duration("since", 0, "Only entries newer than this, e.g. 24h")
	cmd.Flags().Int("limit", 100, "Maximum entries")
	return cmd
}
