package tools

import (
	"fmt"
	"strings"

	"todo-chat-agent/internal/domain"
)

var cannedReplies = map[string]string{
	AddTask:      "Your task has been added successfully.",
	ListTasks:    "Here are your tasks.",
	UpdateTask:   "Your task has been updated successfully.",
	CompleteTask: "Your task status has been updated.",
	DeleteTask:   "Your task has been deleted successfully.",
}

// CannedReply is the fixed text used when the model ran a tool but said nothing.
func CannedReply(name string) string {
	if s, ok := cannedReplies[name]; ok {
		return s
	}
	return "Done."
}

// FormatResultAsMessage renders a tool result as a short reply to the user.
func FormatResultAsMessage(name string, result domain.ToolResult) string {
	if !result.Success {
		return failureMessage(name, result.Error)
	}
	r := result.Result
	switch name {
	case AddTask:
		t := asMap(r["task"])
		return fmt.Sprintf("I've added %q to your tasks%s.", str(t, "title"), taskDetails(t))
	case ListTasks:
		return formatList(str(r, "status"), asList(r["tasks"]))
	case UpdateTask:
		t := asMap(r["task"])
		return fmt.Sprintf("I've updated %q%s.", str(t, "title"), taskDetails(t))
	case CompleteTask:
		t := asMap(r["task"])
		if str(t, "status") == domain.TaskStatusCompleted {
			return fmt.Sprintf("Nice work! %q is marked as complete.", str(t, "title"))
		}
		return fmt.Sprintf("%q is marked as pending again.", str(t, "title"))
	case DeleteTask:
		return fmt.Sprintf("I've deleted %q.", str(r, "title"))
	}
	return CannedReply(name)
}

func failureMessage(name, code string) string {
	switch code {
	case ErrorNotFound, ErrorForbidden:
		return "I couldn't find that task in your list. Ask me to list your tasks to check the ID."
	}
	action := map[string]string{
		AddTask:      "add that task",
		ListTasks:    "load your tasks",
		UpdateTask:   "update that task",
		CompleteTask: "update that task",
		DeleteTask:   "delete that task",
	}[name]
	if action == "" {
		action = "do that"
	}
	return fmt.Sprintf("Sorry, I couldn't %s right now. Please try again in a moment.", action)
}

func formatList(status string, tasks []map[string]any) string {
	label := "tasks"
	if status == domain.TaskStatusPending || status == domain.TaskStatusCompleted {
		label = status + " tasks"
	}
	if len(tasks) == 0 {
		return fmt.Sprintf("You don't have any %s.", label)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Here are your %s:", label)
	for i, t := range tasks {
		box := "[ ]"
		if str(t, "status") == domain.TaskStatusCompleted {
			box = "[x]"
		}
		fmt.Fprintf(&b, "\n%d. %s %s (id: %s", i+1, box, str(t, "title"), str(t, "id"))
		if p := str(t, "priority"); p != "" {
			b.WriteString(", priority: " + p)
		}
		if d := str(t, "due_date"); d != "" {
			b.WriteString(", due: " + d)
		}
		b.WriteString(")")
	}
	return b.String()
}

func taskDetails(t map[string]any) string {
	var parts []string
	if id := str(t, "id"); id != "" {
		parts = append(parts, "id: "+id)
	}
	if p := str(t, "priority"); p != "" {
		parts = append(parts, "priority: "+p)
	}
	if d := str(t, "due_date"); d != "" {
		parts = append(parts, "due: "+d)
	}
	if len(parts) == 0 {
		return ""
	}
	return " (" + strings.Join(parts, ", ") + ")"
}

func asMap(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

// asList accepts the in-memory shape and the shape after a JSON round trip.
func asList(v any) []map[string]any {
	switch l := v.(type) {
	case []map[string]any:
		return l
	case []any:
		out := make([]map[string]any, 0, len(l))
		for _, e := range l {
			if m, ok := e.(map[string]any); ok {
				out = append(out, m)
			}
		}
		return out
	}
	return nil
}

func str(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}
