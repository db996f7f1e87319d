package export

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"gopkg.in/yaml.v3"

	"github.com/mailgrid/mailgrid/pkg/engine"
)

// Format is a failure export format.
type Format string

const (
	FormatJSON  Format = "json"
	FormatYAML  Format = "yaml"
	FormatTable Format = "table"
)

// Formats lists the supported formats.
func Formats() []Format {
	return []Format{FormatJSON, FormatYAML, FormatTable}
}

// ParseFormat parses a format name. The empty string is JSON.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case "":
		return FormatJSON, nil
	case FormatJSON, FormatYAML, FormatTable:
		return f, nil
	case "yml":
		return FormatYAML, nil
	default:
		return "", fmt.Errorf("unknown format %q (want json, yaml or table)", s)
	}
}

// WriteFailures writes the failure reports in the given format. An empty
// report list is written as an empty document, never as null.
func WriteFailures(w io.Writer, reports []engine.FailureReport, format Format) error {
	if reports == nil {
		reports = []engine.FailureReport{}
	}
	for i := range reports {
		if reports[i].ErrorHistory == nil {
			reports[i].ErrorHistory = []engine.ErrorEntry{}
		}
	}

	switch format {
	case FormatJSON, "":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(reports); err != nil {
			return fmt.Errorf("failed to encode failures: %w", err)
		}
		return nil

	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(reports); err != nil {
			return fmt.Errorf("failed to encode failures: %w", err)
		}
		return enc.Close()

	case FormatTable:
		_, err := io.WriteString(w, failureTable(reports)+"\n")
		return err

	default:
		return fmt.Errorf("unknown format %q", format)
	}
}

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
)

func styleCell(row, _ int) lipgloss.Style {
	if row == table.HeaderRow {
		return headerStyle
	}
	return cellStyle
}

// failureTable renders one row per domain with its most recent error.
func failureTable(reports []engine.FailureReport) string {
	rows := make([][]string, 0, len(reports))
	for _, r := range reports {
		row := []string{r.Domain, string(r.LastState), strconv.Itoa(r.Attempts), strconv.Itoa(len(r.ErrorHistory)), "", "", ""}
		if n := len(r.ErrorHistory); n > 0 {
			last := r.ErrorHistory[n-1]
			row[4] = string(last.Stage)
			row[5] = strings.TrimSpace(string(last.Kind) + " " + last.Code)
			row[6] = last.Message
		}
		rows = append(rows, row)
	}

	t := table.New().
		Border(lipgloss.NormalBorder()).
		StyleFunc(styleCell).
		Headers("DOMAIN", "LAST STATE", "ATTEMPTS", "ERRORS", "STAGE", "KIND", "LAST ERROR").
		Rows(rows...)
	return t.Render()
}

// WriteSummary renders the per-state domain counts in pipeline order.
func WriteSummary(w io.Writer, counts map[engine.DomainState]int) error {
	total := 0
	rows := make([][]string, 0, len(counts)+1)
	for _, state := range engine.AllStates() {
		n := counts[state]
		total += n
		rows = append(rows, []string{string(state), strconv.Itoa(n)})
	}
	rows = append(rows, []string{"total", strconv.Itoa(total)})

	t := table.New().
		Border(lipgloss.NormalBorder()).
		StyleFunc(styleCell).
		Headers("STATE", "DOMAINS").
		Rows(rows...)
	_, err := io.WriteString(w, t.Render()+"\n")
	return err
}

// WriteEvents renders a timeline, one row per event.
func WriteEvents(w io.Writer, events []*engine.Event) error {
	rows := make([][]string, 0, len(events))
	for _, e := range events {
		transition := ""
		if e.From != "" || e.To != "" {
			transition = string(e.From) + " -> " + string(e.To)
		}
		rows = append(rows, []string{
			e.Timestamp.UTC().Format(time.RFC3339),
			e.Level,
			string(e.Type),
			e.Domain,
			string(e.Stage),
			transition,
			e.Message,
		})
	}

	t := table.New().
		Border(lipgloss.NormalBorder()).
		StyleFunc(styleCell).
		Headers("TIME", "LEVEL", "TYPE", "DOMAIN", "STAGE", "TRANSITION", "MESSAGE").
		Rows(rows...)
	_, err := io.WriteString(w, t.Render()+"\n")
	return err
}

// Addresses returns every created alias of the records as sorted,
// de-duplicated local@domain strings.
func Addresses(records []*engine.DomainRecord) []string {
	seen := make(map[string]bool)
	var out []string
	for _, rec := range records {
		for _, addr := range rec.Addresses() {
			if !seen[addr] {
				seen[addr] = true
				out = append(out, addr)
			}
		}
	}
	sort.Strings(out)
	return out
}

// WriteAliases writes one local@domain line per created alias.
func WriteAliases(w io.Writer, records []*engine.DomainRecord) error {
	for _, addr := range Addresses(records) {
		if _, err := fmt.Fprintln(w, addr); err != nil {
			return err
		}
	}
	return nil
}
