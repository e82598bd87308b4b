package tools

import "todo-chat-agent/internal/domain"

// Tool names.
const (
	AddTask      = "add_task"
	ListTasks    = "list_tasks"
	UpdateTask   = "update_task"
	CompleteTask = "complete_task"
	DeleteTask   = "delete_task"
)

// ToolForMode returns the tool an FSM mode executes once confirmed.
func ToolForMode(mode domain.IntentMode) (string, bool) {
	switch mode {
	case domain.IntentAddTask:
		return AddTask, true
	case domain.IntentUpdateTask:
		return UpdateTask, true
	case domain.IntentDeleteTask:
		return DeleteTask, true
	case domain.IntentCompleteTask:
		return CompleteTask, true
	}
	return "", false
}

// ParamsFromPayload turns collected FSM fields into tool parameters.
func ParamsFromPayload(payload map[string]string) map[string]any {
	params := make(map[string]any, len(payload))
	for k, v := range payload {
		params[k] = v
	}
	return params
}

var (
	userIDProp = map[string]any{
		"type":        "string",
		"description": "Optional. Ignored unless it matches the signed-in user.",
	}
	taskIDProp = map[string]any{
		"type":        "string",
		"description": "The task id as shown by list_tasks.",
	}
	priorityProp = map[string]any{
		"type": "string",
		"enum": []string{"high", "medium", "low"},
	}
	dueDateProp = map[string]any{
		"type":        "string",
		"description": "Due date as YYYY-MM-DD.",
	}
)

func object(props map[string]any, required ...string) map[string]any {
	props["user_id"] = userIDProp
	schema := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// Catalog returns the tool definitions offered to the model.
func Catalog() []domain.ToolDefinition {
	return []domain.ToolDefinition{
		{
			Name:        AddTask,
			Description: "Create a new task for the user.",
			Parameters: object(map[string]any{
				"title":       map[string]any{"type": "string"},
				"description": map[string]any{"type": "string"},
				"priority":    priorityProp,
				"due_date":    dueDateProp,
			}, "title"),
		},
		{
			Name:        ListTasks,
			Description: "List the user's tasks, optionally filtered by status.",
			Parameters: object(map[string]any{
				"status": map[string]any{
					"type": "string",
					"enum": []string{statusAll, domain.TaskStatusPending, domain.TaskStatusCompleted},
				},
			}),
		},
		{
			Name:        UpdateTask,
			Description: "Change the title, description, priority or due date of a task.",
			Parameters: object(map[string]any{
				"task_id":     taskIDProp,
				"title":       map[string]any{"type": "string"},
				"description": map[string]any{"type": "string"},
				"priority":    priorityProp,
				"due_date":    dueDateProp,
			}, "task_id"),
		},
		{
			Name:        CompleteTask,
			Description: "Toggle a task between completed and pending.",
			Parameters:  object(map[string]any{"task_id": taskIDProp}, "task_id"),
		},
		{
			Name:        DeleteTask,
			Description: "Permanently delete a task.",
			Parameters:  object(map[string]any{"task_id": taskIDProp}, "task_id"),
		},
	}
}
