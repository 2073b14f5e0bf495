// Package dashboard projects the live control-plane state into a Markdown
// file written atomically alongside the workspace.
package dashboard

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"
	"time"

	"github.com/c360studio/autopilot/logging"
)

// TaskStats summarises the task queue.
type TaskStats struct {
	Pending        int `json:"pending"`
	InProgress     int `json:"inProgress"`
	CompletedToday int `json:"completedToday"`
	FailedToday    int `json:"failedToday"`
}

// AgentHealthEntry is one row of the agent table.
type AgentHealthEntry struct {
	Name           string `json:"name"`
	Status         string `json:"status"` // healthy, unhealthy, unknown
	LastActivity   string `json:"lastActivity"`
	TasksCompleted int    `json:"tasksCompleted"`
}

// ActivityEntry is one line of the recent-activity feed.
type ActivityEntry struct {
	Timestamp string `json:"timestamp"`
	Source    string `json:"source"`
	Action    string `json:"action"`
	Result    string `json:"result"` // success, failure, pending, or an approval status
	Details   string `json:"details,omitempty"`
}

// ApprovalSummary is one pending approval shown on the dashboard.
type ApprovalSummary struct {
	ID          string `json:"id"`
	ActionType  string `json:"actionType"`
	RequestedAt string `json:"requestedAt"`
	UserID      string `json:"userId"`
	Summary     string `json:"summary"`
}

// State is the flat projection rendered to Markdown and published on
// dashboard:update.
type State struct {
	LoopStatus       string
	ActiveAgents     int
	TotalAgents      int
	CycleNumber      int
	PendingApprovals []ApprovalSummary
	RecentActivity   []ActivityEntry
	TaskStats        TaskStats
	AgentHealth      []AgentHealthEntry
	LastUpdated      time.Time
}

// ToMap renders the state as an event payload.
func (s *State) ToMap() map[string]any {
	approvals := make([]map[string]any, len(s.PendingApprovals))
	for i, a := range s.PendingApprovals {
		approvals[i] = map[string]any{
			"id":          a.ID,
			"actionType":  a.ActionType,
			"requestedAt": a.RequestedAt,
			"userId":      a.UserID,
			"summary":     a.Summary,
		}
	}
	activity := make([]map[string]any, len(s.RecentActivity))
	for i, a := range s.RecentActivity {
		activity[i] = map[string]any{
			"timestamp": a.Timestamp,
			"source":    a.Source,
			"action":    a.Action,
			"result":    a.Result,
			"details":   a.Details,
		}
	}
	health := make([]map[string]any, len(s.AgentHealth))
	for i, a := range s.AgentHealth {
		health[i] = map[string]any{
			"name":           a.Name,
			"status":         a.Status,
			"lastActivity":   a.LastActivity,
			"tasksCompleted": a.TasksCompleted,
		}
	}
	return map[string]any{
		"loopStatus":       s.LoopStatus,
		"activeAgents":     s.ActiveAgents,
		"totalAgents":      s.TotalAgents,
		"cycleNumber":      s.CycleNumber,
		"pendingApprovals": approvals,
		"recentActivity":   activity,
		"taskStats": map[string]any{
			"pending":        s.TaskStats.Pending,
			"inProgress":     s.TaskStats.InProgress,
			"completedToday": s.TaskStats.CompletedToday,
			"failedToday":    s.TaskStats.FailedToday,
		},
		"agentHealth": health,
		"lastUpdated": s.LastUpdated.Format(time.RFC3339Nano),
	}
}

const markdownTemplate = `# Autopilot Dashboard
> Auto-generated at {{ .Timestamp }}

## System Status
- **Loop**: {{ .LoopStatus }}
- **Active Agents**: {{ .State.ActiveAgents }}/{{ .State.TotalAgents }}
- **Current Cycle**: #{{ .State.CycleNumber }}

## Agent Health
| Agent | Status | Last Activity | Tasks Completed |
|-------|--------|---------------|-----------------|
{{- range .State.AgentHealth }}
| {{ .Name }} | {{ .Status }} | {{ .LastActivity }} | {{ .TasksCompleted }} |
{{- end }}

## Pending Approvals ({{ len .State.PendingApprovals }})
{{- if .State.PendingApprovals }}
{{- range .State.PendingApprovals }}

### {{ .ActionType }}
- **ID**: ` + "`{{ .ID }}`" + `
- **Requested**: {{ .RequestedAt }}
- **User**: {{ .UserID }}
- **Details**: {{ .Summary }}
{{- end }}
{{- else }}
*No pending approvals*
{{- end }}

## Recent Activity
{{- if .State.RecentActivity }}
{{- range .State.RecentActivity }}
- [{{ .Timestamp }}] **{{ .Source }}**: {{ .Action }} - {{ .Result }}{{ if .Details }} ({{ .Details }}){{ end }}
{{- end }}
{{- else }}
*No recent activity*
{{- end }}

## Task Queue
- **Pending**: {{ .State.TaskStats.Pending }}
- **In Progress**: {{ .State.TaskStats.InProgress }}
- **Completed Today**: {{ .State.TaskStats.CompletedToday }}
- **Failed Today**: {{ .State.TaskStats.FailedToday }}

---
*Last updated: {{ .Timestamp }}*
`

// Writer renders dashboard states and writes them atomically.
type Writer struct {
	path   string
	logger *logging.Logger
	tmpl   *template.Template
}

// NewWriter creates a writer targeting the given Markdown path.
func NewWriter(path, logRoot string) *Writer {
	return &Writer{
		path:   path,
		logger: logging.New("dashboard:writer", logRoot),
		tmpl:   template.Must(template.New("dashboard").Parse(markdownTemplate)),
	}
}

// Path returns the dashboard file path.
func (w *Writer) Path() string {
	return w.path
}

// Render produces the Markdown for a state.
func (w *Writer) Render(state *State) (string, error) {
	var sb strings.Builder
	err := w.tmpl.Execute(&sb, struct {
		State      *State
		Timestamp  string
		LoopStatus string
	}{
		State:      state,
		Timestamp:  state.LastUpdated.Format("2006-01-02 15:04:05"),
		LoopStatus: strings.ToUpper(state.LoopStatus),
	})
	if err != nil {
		return "", fmt.Errorf("render dashboard: %w", err)
	}
	return sb.String(), nil
}

// Write renders and writes the dashboard via temp file and rename.
func (w *Writer) Write(state *State) error {
	if state.LastUpdated.IsZero() {
		state.LastUpdated = time.Now()
	}

	content, err := w.Render(state)
	if err != nil {
		return err
	}

	dir := filepath.Dir(w.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create dashboard directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".dashboard-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp dashboard: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp dashboard: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp dashboard: %w", err)
	}
	if err := os.Rename(tmpName, w.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename dashboard: %w", err)
	}
	return nil
}
