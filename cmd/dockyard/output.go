package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/artpar/dockyard/internal/core/lifecycle"
	"github.com/artpar/dockyard/internal/shell/orchestrator"
	"github.com/artpar/dockyard/internal/shell/store"
	"github.com/olekukonko/tablewriter"
)

// newTable returns a borderless, left-aligned table in the style of docker ps.
func newTable(w io.Writer, headers ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetHeader(headers)
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetTablePadding("\t")
	table.SetNoWhiteSpace(true)
	return table
}

// printBatch writes one row per service outcome.
func printBatch(w io.Writer, result lifecycle.BatchResult) error {
	table := newTable(w, "SERVICE", "RESULT", "BUILD", "STATE", "IMAGE")
	for _, o := range result.Outcomes {
		table.Append([]string{
			o.Service,
			string(o.Kind),
			dash(string(o.Build)),
			string(o.State),
			dash(shortImage(o.ImageID)),
		})
	}
	table.Render()
	return nil
}

// printFailures writes one line per failed service.
func printFailures(w io.Writer, result lifecycle.BatchResult) {
	for _, o := range result.Failures() {
		fmt.Fprintf(w, "%s failed: %s\n", o.Service, o.Reason())
	}
}

// printStatus writes one row per service.
func printStatus(w io.Writer, statuses []orchestrator.ServiceStatus) error {
	table := newTable(w, "SERVICE", "STATE", "STATUS", "CONTAINER", "PORTS", "NETWORKS")
	for _, s := range statuses {
		published := make([]string, 0, len(s.Ports))
		for _, p := range s.Ports {
			published = append(published, fmt.Sprintf("%d->%d/%s", p.HostPort, p.ContainerPort, p.Protocol))
		}
		table.Append([]string{
			s.Service,
			string(s.State),
			dash(string(s.Runtime)),
			dash(shortImage(s.ContainerID)),
			dash(strings.Join(published, ",")),
			dash(strings.Join(s.Networks, ",")),
		})
	}
	table.Render()
	return nil
}

// printEvents writes one row per recorded batch, newest first.
func printEvents(w io.Writer, events []store.BatchEvent) error {
	table := newTable(w, "BATCH", "OPERATION", "RESULT", "STARTED", "DURATION", "FAILED")
	for _, e := range events {
		result := "ok"
		var failed []string
		for _, o := range e.Outcomes {
			if o.Kind == lifecycle.OutcomeFailed {
				failed = append(failed, o.Service)
			}
		}
		if !e.Success {
			result = "failed"
		}
		table.Append([]string{
			shortBatchID(e.ID),
			string(e.Operation),
			result,
			e.StartedAt.Local().Format(time.DateTime),
			e.FinishedAt.Sub(e.StartedAt).Round(time.Millisecond).String(),
			dash(strings.Join(failed, ",")),
		})
	}
	table.Render()
	return nil
}

// shortBatchID keeps the first group of a UUID.
func shortBatchID(id string) string {
	if i := strings.IndexByte(id, '-'); i > 0 {
		return id[:i]
	}
	return id
}

// shortImage trims digests and container IDs to 12 hex characters.
func shortImage(id string) string {
	trimmed := strings.TrimPrefix(id, "sha256:")
	if trimmed != id || isHex(trimmed) {
		if len(trimmed) > 12 {
			return trimmed[:12]
		}
	}
	return trimmed
}

func isHex(s string) bool {
	if len(s) < 12 {
		return false
	}
	for _, r := range s {
		if !strings.ContainsRune("0123456789abcdef", r) {
			return false
		}
	}
	return true
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
