// Package ui renders command results for the terminal.
package ui

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"golang.org/x/term"

	"github.com/schaermu/claude-sync/internal/git"
	claudesync "github.com/schaermu/claude-sync/internal/sync"
)

const (
	dateLayout    = "2006-01-02 15:04"
	maxListedFile = 3
)

// Printer writes styled output. Colors are only emitted when the writer is
// a terminal that supports them.
type Printer struct {
	out   io.Writer
	quiet bool

	pass   lipgloss.Style
	warn   lipgloss.Style
	fail   lipgloss.Style
	accent lipgloss.Style
	muted  lipgloss.Style
	header lipgloss.Style
	border lipgloss.Style
}

// New creates a printer for out. When quiet is set only warnings and
// errors are written.
func New(out io.Writer, quiet bool) *Printer {
	r := lipgloss.NewRenderer(out)
	return &Printer{
		out:    out,
		quiet:  quiet,
		pass:   r.NewStyle().Foreground(lipgloss.Color("2")).Bold(true),
		warn:   r.NewStyle().Foreground(lipgloss.Color("3")).Bold(true),
		fail:   r.NewStyle().Foreground(lipgloss.Color("1")).Bold(true),
		accent: r.NewStyle().Foreground(lipgloss.Color("6")),
		muted:  r.NewStyle().Foreground(lipgloss.Color("8")),
		header: r.NewStyle().Bold(true).Padding(0, 1),
		border: r.NewStyle().Foreground(lipgloss.Color("8")),
	}
}

// IsTerminal reports whether f is attached to a terminal
func IsTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

func (p *Printer) println(s string) {
	_, _ = fmt.Fprintln(p.out, s)
}

// Success prints a confirmation line
func (p *Printer) Success(msg string) {
	if p.quiet {
		return
	}
	p.println(p.pass.Render("✓") + " " + msg)
}

// Info prints a plain line
func (p *Printer) Info(msg string) {
	if p.quiet {
		return
	}
	p.println(msg)
}

// Warn prints a warning line, even in quiet mode
func (p *Printer) Warn(msg string) {
	p.println(p.warn.Render("!") + " " + msg)
}

// Error prints a failure line, even in quiet mode
func (p *Printer) Error(msg string) {
	p.println(p.fail.Render("✗") + " " + msg)
}

// PushResult prints the outcome of a push. Secret findings are always shown.
func (p *Printer) PushResult(r *claudesync.Result) {
	if r.SecretsFound {
		p.Error(r.Message)
		for _, d := range r.SecretDetails {
			p.println("  " + p.accent.Render(d))
		}
		return
	}
	p.Success(r.Message)
}

// Status prints the changed files, or a single line when in sync.
func (p *Printer) Status(s *claudesync.Status) {
	if p.quiet {
		return
	}
	if s.InSync {
		p.Success("Everything is in sync.")
	} else {
		p.println(fmt.Sprintf("%d changed file(s):", len(s.ChangedFiles)))
		for _, f := range s.ChangedFiles {
			p.println("  " + p.warn.Render("M") + " " + f)
		}
	}
	if s.LastSync != nil {
		last := *s.LastSync
		p.println(p.muted.Render(fmt.Sprintf("Last sync: %s (%s)", last.Local().Format(dateLayout), Since(last, time.Now()))))
	} else {
		p.println(p.muted.Render("Last sync: never"))
	}
}

// History prints entries as a table.
func (p *Printer) History(entries []git.LogEntry) {
	if p.quiet {
		return
	}
	if len(entries) == 0 {
		p.println("No sync history yet.")
		return
	}
	p.println(p.HistoryTable(entries))
}

// HistoryTable renders entries with one row per commit.
func (p *Printer) HistoryTable(entries []git.LogEntry) string {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(p.border).
		Headers("ID", "MESSAGE", "DATE", "FILES").
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return p.header
			}
			if col == 0 {
				return p.accent.Padding(0, 1)
			}
			return lipgloss.NewStyle().Padding(0, 1)
		})

	for _, e := range entries {
		t.Row(e.ShortID(), firstLine(e.Message), e.Time.Local().Format(dateLayout), FormatFiles(e.Files))
	}
	return t.String()
}

// FormatFiles lists the first few files, with "..." when there are more.
func FormatFiles(files []string) string {
	if len(files) <= maxListedFile {
		return strings.Join(files, ", ")
	}
	return strings.Join(files[:maxListedFile], ", ") + ", ..."
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// RestoreResult prints what a restore did.
func (p *Printer) RestoreResult(r *claudesync.RestoreResult) {
	if r.BackupCommitted {
		p.Info(p.muted.Render("Uncommitted mirror changes were saved in a backup commit."))
	}
	p.Success(fmt.Sprintf("Restored to %s. %s", git.ShortID(r.Commit), r.Pull.Message))
}

// Since renders a coarse relative time.
func Since(t, now time.Time) string {
	d := now.Sub(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}
