package main

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/rickgao/statusfeed/internal/model"
	"github.com/rickgao/statusfeed/internal/projection"
)

// generationRenderer prints the status line and only the log entries not
// printed before.
type generationRenderer struct {
	printedLogs int
}

func (r *generationRenderer) render(snap projection.GenerationSnapshot) string {
	var b strings.Builder
	for _, entry := range snap.Logs[min(r.printedLogs, len(snap.Logs)):] {
		b.WriteString(formatLogEntry(entry))
		b.WriteByte('\n')
	}
	r.printedLogs = len(snap.Logs)

	fmt.Fprintf(&b, "[%s] %s %3.0f%%", snap.JobID, statusOrPending(snap.Status), snap.Progress)
	if snap.CourseID != "" {
		fmt.Fprintf(&b, " course=%s", snap.CourseID)
	}
	b.WriteByte('\n')
	return b.String()
}

func formatLogEntry(e projection.LogEntry) string {
	ts := e.Timestamp.Format("15:04:05")
	if e.Stage != "" {
		return fmt.Sprintf("  %s %s: %s", ts, e.Stage, e.Message)
	}
	return fmt.Sprintf("  %s %s", ts, e.Message)
}

func formatDocument(snap projection.DocumentSnapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", snap.DocumentID, statusOrPending(snap.Status))
	for _, k := range slices.Sorted(maps.Keys(snap.Result)) {
		if k == "document_id" || k == "status" {
			continue
		}
		fmt.Fprintf(&b, " %s=%v", k, snap.Result[k])
	}
	return b.String()
}

func formatNotification(n model.Notification) string {
	level := n.Level
	if level == "" {
		level = "info"
	}
	if n.Title != "" {
		return fmt.Sprintf("[%s] %s: %s", level, n.Title, n.Message)
	}
	return fmt.Sprintf("[%s] %s", level, n.Message)
}

func statusOrPending(status string) string {
	if status == "" {
		return "pending"
	}
	return status
}
