package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"tarun-kavipurapu/swarmlink/pkg/swarm"
)

// ANSI color codes for terminal output
const (
	Reset  = "\033[0m"
	Red    = "\033[31m"
	Green  = "\033[32m"
	Yellow = "\033[33m"
	Blue   = "\033[34m"
	Cyan   = "\033[36m"
	Bold   = "\033[1m"
)

// ProgressRenderer redraws one status line for a download until the job ends.
type ProgressRenderer struct {
	job         *swarm.Job
	out         io.Writer
	refreshRate time.Duration
	useColors   bool
	width       int
}

func NewProgressRenderer(job *swarm.Job, out io.Writer, useColors bool) *ProgressRenderer {
	return &ProgressRenderer{
		job:         job,
		out:         out,
		refreshRate: 200 * time.Millisecond,
		useColors:   useColors,
		width:       40, // Progress bar width
	}
}

// Run renders until the job is done, then prints the final line.
func (pr *ProgressRenderer) Run() {
	tracker := pr.job.Tracker()
	pr.Render(tracker.Snapshot())

	ticker := time.NewTicker(pr.refreshRate)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			tracker.UpdateSpeed()
			pr.Render(tracker.Snapshot())
		case <-pr.job.Done():
			snap := tracker.Snapshot()
			if pr.job.Err() == nil {
				pr.RenderFinal(snap)
			} else {
				pr.RenderError(snap, pr.job.Err())
			}
			return
		}
	}
}

func (pr *ProgressRenderer) paint(color, s string) string {
	if !pr.useColors {
		return s
	}
	return color + s + Reset
}

func (pr *ProgressRenderer) bar(percent float64) string {
	filled := int(float64(pr.width) * percent / 100)
	if filled > pr.width {
		filled = pr.width
	}
	return strings.Repeat("█", filled) + strings.Repeat("░", pr.width-filled)
}

func (pr *ProgressRenderer) Render(s swarm.Snapshot) {
	line := fmt.Sprintf("\r%s [%s] %s (%d/%d pieces) | %s/s | %d peers | ETA: %s",
		pr.paint(Cyan, "["+s.FileName+"]"),
		pr.paint(Green, pr.bar(s.Percent())),
		pr.paint(Yellow, fmt.Sprintf("%.1f%%", s.Percent())),
		s.Completed, s.TotalPieces,
		pr.paint(Blue, formatBytes(s.Speed)),
		s.ActivePeers, formatETA(s.ETA()),
	)
	if s.Retries > 0 {
		line += fmt.Sprintf(" | %d retries", s.Retries)
	}
	if s.Failed > 0 {
		line += pr.paint(Red, fmt.Sprintf(" | %d failed", s.Failed))
	}
	fmt.Fprint(pr.out, line)
}

func (pr *ProgressRenderer) RenderFinal(s swarm.Snapshot) {
	fmt.Fprint(pr.out, "\r\033[K")
	fmt.Fprintf(pr.out, "%s [%s] %s (%d/%d pieces) | Completed in %s\n",
		pr.paint(Cyan, "["+s.FileName+"]"),
		pr.paint(Green, pr.bar(100)),
		pr.paint(Green, "100%"),
		s.TotalPieces, s.TotalPieces,
		formatDuration(s.Elapsed),
	)
}

func (pr *ProgressRenderer) RenderError(s swarm.Snapshot, err error) {
	fmt.Fprint(pr.out, "\r\033[K")
	fmt.Fprintf(pr.out, "%s [%s] %.1f%% | %s: %d/%d completed, %d failed\n  %v\n",
		pr.paint(Cyan, "["+s.FileName+"]"),
		pr.paint(Red, "✗"),
		s.Percent(),
		pr.paint(Red+Bold, "Download failed"),
		s.Completed, s.TotalPieces, s.Failed,
		err,
	)
}

// formatBytes formats a byte count into a human-readable string
func formatBytes(bytes float64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%.1f B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", bytes/float64(div), "KMGTPE"[exp])
}

func formatETA(eta time.Duration) string {
	if eta <= 0 {
		return "∞"
	}
	return formatDuration(eta)
}

func formatDuration(d time.Duration) string {
	switch {
	case d < time.Second:
		return "<1s"
	case d < time.Minute:
		return fmt.Sprintf("%ds", d/time.Second)
	case d < time.Hour:
		return fmt.Sprintf("%dm%ds", d/time.Minute, (d%time.Minute)/time.Second)
	default:
		return fmt.Sprintf("%dh%dm", d/time.Hour, (d%time.Hour)/time.Minute)
	}
}
