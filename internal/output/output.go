// Package output provides styled terminal output helpers (success, error,
// task and conflict formatting) using lipgloss.
package output

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/marcus/tasksync/internal/models"
)

var (
	// Styles
	titleStyle   = lipgloss.NewStyle().Bold(true)
	subtleStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	warningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	doneStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("242")).Strikethrough(true)
	statusStyles = map[models.SyncStatus]lipgloss.Style{
		models.StatusPending:          lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		models.StatusSyncing:          lipgloss.NewStyle().Foreground(lipgloss.Color("45")),
		models.StatusSynced:           lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		models.StatusConflict:         lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		models.StatusError:            lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		models.StatusPermissionDenied: lipgloss.NewStyle().Foreground(lipgloss.Color("141")),
	}
)

// Success prints a success message
func Success(format string, args ...interface{}) {
	fmt.Println(successStyle.Render(fmt.Sprintf(format, args...)))
}

// Error prints an error message
func Error(format string, args ...interface{}) {
	fmt.Println(errorStyle.Render("ERROR: " + fmt.Sprintf(format, args...)))
}

// Warning prints a warning message
func Warning(format string, args ...interface{}) {
	fmt.Println(warningStyle.Render("Warning: " + fmt.Sprintf(format, args...)))
}

// Info prints an info message
func Info(format string, args ...interface{}) {
	fmt.Println(fmt.Sprintf(format, args...))
}

// JSON outputs data as JSON
func JSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

// ShortID shortens an entity id for display.
func ShortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// StatusBadge returns a sync status indicator with symbol,
// e.g. "● pending", "↻ syncing", "✓ synced", "✗ conflict".
func StatusBadge(status models.SyncStatus) string {
	symbols := map[models.SyncStatus]string{
		models.StatusPending:          "●",
		models.StatusSyncing:          "↻",
		models.StatusSynced:           "✓",
		models.StatusConflict:         "✗",
		models.StatusError:            "!",
		models.StatusPermissionDenied: "⊘",
	}
	symbol, ok := symbols[status]
	if !ok {
		symbol = "?"
	}
	style, hasStyle := statusStyles[status]
	if hasStyle {
		return style.Render(fmt.Sprintf("%s %s", symbol, status))
	}
	return fmt.Sprintf("%s %s", symbol, status)
}

// FormatTaskShort formats a task on one line.
func FormatTaskShort(task *models.Task) string {
	var parts []string
	parts = append(parts, titleStyle.Render(ShortID(task.ID)))
	if task.Done {
		parts = append(parts, doneStyle.Render(task.Title))
	} else {
		parts = append(parts, task.Title)
	}
	parts = append(parts, StatusBadge(task.SyncStatus))
	return strings.Join(parts, "  ")
}

// FormatTaskLong formats a task with its comments.
func FormatTaskLong(task *models.Task, comments []models.Comment) string {
	var sb strings.Builder

	sb.WriteString(titleStyle.Render(fmt.Sprintf("%s: %s", ShortID(task.ID), task.Title)))
	sb.WriteString("\n")
	sb.WriteString(fmt.Sprintf("Status: %s\n", StatusBadge(task.SyncStatus)))
	done := "no"
	if task.Done {
		done = "yes"
	}
	sb.WriteString(fmt.Sprintf("Done: %s | Version: %d | Updated: %s\n", done, task.Version, FormatTimeAgo(task.UpdatedAt)))

	if task.Description != "" {
		sb.WriteString("\n")
		sb.WriteString(subtleStyle.Render("Description:"))
		sb.WriteString("\n")
		sb.WriteString(task.Description)
		sb.WriteString("\n")
	}

	if len(comments) > 0 {
		sb.WriteString("\nCOMMENTS:\n")
		for _, c := range comments {
			author := c.Author
			if author == "" {
				author = "anon"
			}
			sb.WriteString(fmt.Sprintf("  [%s] %s (%s)  %s\n",
				ShortID(c.ID), c.Body, author, subtleStyle.Render(FormatTimeAgo(c.CreatedAt))))
		}
	}
	return sb.String()
}

// FormatConflict formats one stored conflict for the conflicts listing.
func FormatConflict(rec *models.ConflictRecord) string {
	var sb strings.Builder
	sb.WriteString(titleStyle.Render(fmt.Sprintf("#%d %s %s", rec.ID, rec.EntityType, ShortID(rec.EntityID))))
	sb.WriteString(fmt.Sprintf("  %s  %s\n", errorStyle.Render("["+rec.Reason+"]"), subtleStyle.Render(FormatTimeAgo(rec.DetectedAt))))

	local := summariseEntity(rec.EntityType, rec.LocalData)
	server := summariseEntity(rec.EntityType, rec.ServerData)
	sb.WriteString(fmt.Sprintf("  local:  %s\n", local))
	sb.WriteString(fmt.Sprintf("  server: %s\n", server))
	return sb.String()
}

func summariseEntity(entityType models.EntityType, data []byte) string {
	if entityType == models.EntityComment {
		var c models.Comment
		if err := json.Unmarshal(data, &c); err != nil {
			return "(unreadable)"
		}
		return fmt.Sprintf("%q v%d", c.Body, c.Version)
	}
	var t models.Task
	if err := json.Unmarshal(data, &t); err != nil {
		return "(unreadable)"
	}
	done := ""
	if t.Done {
		done = " (done)"
	}
	return fmt.Sprintf("%q%s v%d", t.Title, done, t.Version)
}

// FormatTimeAgo formats a time as a human-readable "ago" string
func FormatTimeAgo(t time.Time) string {
	diff := time.Since(t)

	switch {
	case diff < time.Minute:
		return "just now"
	case diff < time.Hour:
		mins := int(diff.Minutes())
		if mins == 1 {
			return "1m ago"
		}
		return fmt.Sprintf("%dm ago", mins)
	case diff < 24*time.Hour:
		hours := int(diff.Hours())
		if hours == 1 {
			return "1h ago"
		}
		return fmt.Sprintf("%dh ago", hours)
	case diff < 7*24*time.Hour:
		days := int(diff.Hours() / 24)
		if days == 1 {
			return "1d ago"
		}
		return fmt.Sprintf("%dd ago", days)
	default:
		return t.Format("2006-01-02")
	}
}

// SectionHeader returns a formatted section header for CLI output,
// e.g. "\nCONFLICTS:\n".
func SectionHeader(title string) string {
	return fmt.Sprintf("\n%s:\n", strings.ToUpper(title))
}
