package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
)

var (
	outputFormat string // "table", "json", "raw"
	outputField  string // for --field=key
)

var stdout io.Writer = os.Stdout

// printResult outputs data in the chosen format.
func printResult(data map[string]any) {
	switch outputFormat {
	case "json":
		printJSON(data)
	case "raw":
		if outputField != "" {
			if v, ok := data[outputField]; ok {
				fmt.Fprintln(stdout, v)
			}
			return
		}
		for _, k := range sortedKeys(data) {
			fmt.Fprintf(stdout, "%s=%v\n", k, data[k])
		}
	default:
		printTable(data)
	}
}

// printRows outputs a list of objects, one row per object, with the given
// columns in table mode.
func printRows(rows []any, columns ...string) {
	switch outputFormat {
	case "json":
		printJSON(rows)
	case "raw":
		field := outputField
		if field == "" && len(columns) > 0 {
			field = columns[0]
		}
		for _, r := range rows {
			if m, ok := r.(map[string]any); ok {
				fmt.Fprintln(stdout, formatValue(m[field]))
			}
		}
	default:
		w := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
		header := make([]string, len(columns))
		for i, c := range columns {
			header[i] = strings.ToUpper(c)
		}
		fmt.Fprintln(w, strings.Join(header, "\t"))
		for _, r := range rows {
			m, _ := r.(map[string]any)
			cells := make([]string, len(columns))
			for i, c := range columns {
				cells[i] = formatValue(lookup(m, c))
			}
			fmt.Fprintln(w, strings.Join(cells, "\t"))
		}
		w.Flush()
	}
}

func printJSON(v any) {
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	enc.Encode(v) //nolint:errcheck
}

func printTable(data map[string]any) {
	w := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
	for _, k := range sortedKeys(data) {
		switch val := data[k].(type) {
		case map[string]any:
			fmt.Fprintf(w, "%s\t\n", strings.ToUpper(k))
			for _, kk := range sortedKeys(val) {
				fmt.Fprintf(w, "  %s\t%s\n", kk, formatValue(val[kk]))
			}
		default:
			fmt.Fprintf(w, "%s\t%s\n", k, formatValue(val))
		}
	}
	w.Flush()
}

// lookup resolves a dotted path such as "overall.status".
func lookup(m map[string]any, path string) any {
	var cur any = m
	for _, part := range strings.Split(path, ".") {
		mm, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = mm[part]
	}
	return cur
}

func formatValue(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case []any:
		parts := make([]string, len(val))
		for i, p := range val {
			parts[i] = formatValue(p)
		}
		return strings.Join(parts, ", ")
	case float64:
		// JSON numbers decode as float64; print integers without a fraction.
		if val == float64(int64(val)) {
			return fmt.Sprintf("%d", int64(val))
		}
		return fmt.Sprintf("%.2f", val)
	default:
		return fmt.Sprintf("%v", val)
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func printError(err error) {
	fmt.Fprintf(os.Stderr, "Error: %s\n", err)
}

func printSuccess(msg string) {
	fmt.Fprintln(stdout, msg)
}
