// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/invowk/devup/internal/runner"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

// stageReporter prints runner progress, one line per stage transition.
type stageReporter struct {
	mu sync.Mutex
	w  io.Writer
}

func newStageReporter(w io.Writer) *stageReporter {
	return &stageReporter{w: w}
}

func (r *stageReporter) StageStarted(s runner.Stage) {
	r.printf("%s %s\n", CmdStyle.Render("▸"), s)
}

func (r *stageReporter) StageDone(s runner.Stage, detail string) {
	line := SuccessStyle.Render("✓") + " " + string(s)
	if detail != "" {
		line += " " + VerboseStyle.Render(detail)
	}
	r.printf("%s\n", line)
}

func (r *stageReporter) StageFailed(s runner.Stage, _ error) {
	r.printf("%s %s\n", ErrorStyle.Render("✗"), s)
}

func (r *stageReporter) Ready(snap runner.Snapshot) {
	r.printf("\n%s\n%s\n%s\n",
		TitleStyle.Render("Environment ready")+" "+SubtitleStyle.Render("session "+snap.Session),
		renderSnapshot(snap),
		SubtitleStyle.Render("Press Ctrl-C to stop."),
	)
}

func (r *stageReporter) printf(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintf(r.w, format, args...)
}

// renderSnapshot lays out ports, services and processes as tables.
func renderSnapshot(snap runner.Snapshot) string {
	var sections []string

	if len(snap.Ports) > 0 {
		rows := make([][]string, 0, len(snap.Ports))
		for _, as := range snap.Ports {
			port := strconv.Itoa(int(as.Resolved))
			switch {
			case as.Reclaimed:
				port += " (reclaimed)"
			case as.Resolved != as.Requested:
				port += fmt.Sprintf(" (shifted from %d)", as.Requested)
			}
			rows = append(rows, []string{as.Service, port})
		}
		sections = append(sections, newTable([]string{"PORT OWNER", "HOST PORT"}, rows))
	}

	if len(snap.Services) > 0 {
		rows := make([][]string, 0, len(snap.Services))
		for _, st := range snap.Services {
			rows = append(rows, []string{st.Service, st.Container, st.State, string(st.Health)})
		}
		sections = append(sections, newTable([]string{"SERVICE", "CONTAINER", "STATE", "HEALTH"}, rows))
	}

	if len(snap.Processes) > 0 {
		healthy := make(map[string]string, len(snap.Health))
		for _, h := range snap.Health {
			healthy[h.Process] = healthLabel(h.Healthy, h.ConsecutiveFailures)
		}
		rows := make([][]string, 0, len(snap.Processes))
		for _, p := range snap.Processes {
			h, ok := healthy[p.Name]
			if !ok {
				h = "-"
			}
			rows = append(rows, []string{
				p.Name,
				strconv.Itoa(p.PID),
				p.State.String(),
				string(p.ReadyBy),
				p.Uptime.Truncate(time.Second).String(),
				h,
			})
		}
		sections = append(sections, newTable([]string{"PROCESS", "PID", "STATE", "READY BY", "UPTIME", "HEALTH"}, rows))
	}

	return strings.Join(sections, "\n")
}

func healthLabel(ok bool, failures int) string {
	if ok {
		return "healthy"
	}
	if failures == 0 {
		return "pending"
	}
	return fmt.Sprintf("failing (%d)", failures)
}

func newTable(headers []string, rows [][]string) string {
	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(ColorMuted)).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return tableHeaderStyle
			}
			return tableCellStyle
		}).
		String()
}
