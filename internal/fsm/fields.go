package fsm

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"todo-chat-agent/internal/domain"
)

// Payload keys. They double as the tool parameter names.
const (
	KeyTitle       = "title"
	KeyDescription = "description"
	KeyPriority    = "priority"
	KeyDueDate     = "due_date"
	KeyTaskID      = "task_id"
)

const (
	maxTitleLen       = 200
	maxDescriptionLen = 1000
	maxTaskIDLen      = 64
	dateLayout        = "2006-01-02"
)

type field struct {
	step     domain.IntentStep
	key      string
	optional bool
}

var (
	titleField       = field{step: domain.StepTitle, key: KeyTitle}
	descriptionField = field{step: domain.StepDescription, key: KeyDescription, optional: true}
	priorityField    = field{step: domain.StepPriority, key: KeyPriority, optional: true}
	dueDateField     = field{step: domain.StepDueDate, key: KeyDueDate, optional: true}
	taskIDField      = field{step: domain.StepTaskID, key: KeyTaskID}
	confirmField     = field{step: domain.StepConfirm}
)

// flows lists, per mode, the fields collected in order. CONFIRM is always last.
var flows = map[domain.IntentMode][]field{
	domain.IntentAddTask: {
		titleField, descriptionField, priorityField, dueDateField, confirmField,
	},
	domain.IntentUpdateTask: {
		taskIDField,
		{step: domain.StepTitle, key: KeyTitle, optional: true},
		descriptionField, priorityField, dueDateField, confirmField,
	},
	domain.IntentDeleteTask:   {taskIDField, confirmField},
	domain.IntentCompleteTask: {taskIDField, confirmField},
}

// updateKeys are the fields of which UPDATE_TASK needs at least one.
var updateKeys = []string{KeyTitle, KeyDescription, KeyPriority, KeyDueDate}

func fieldIndex(mode domain.IntentMode, step domain.IntentStep) int {
	for i, f := range flows[mode] {
		if f.step == step {
			return i
		}
	}
	return -1
}

var (
	skipWords    = wordSet("", "none", "skip", "no", "n/a", "na", "-", "nothing", "nope")
	cancelWords  = wordSet("cancel", "stop", "nevermind", "never mind", "abort", "quit")
	affirmWords  = wordSet("yes", "y", "yeah", "yep", "sure", "ok", "okay", "confirm", "do it", "go ahead")
	negateWords  = wordSet("no", "n", "nope", "nah", "don't", "dont")
	priorityMap  = map[string]string{"high": "high", "medium": "medium", "med": "medium", "low": "low"}
	trimPunctSet = ".!?,;:"
)

func wordSet(words ...string) map[string]struct{} {
	out := make(map[string]struct{}, len(words))
	for _, w := range words {
		out[w] = struct{}{}
	}
	return out
}

func answer(value string) string {
	return strings.Trim(strings.ToLower(strings.Join(strings.Fields(value), " ")), trimPunctSet)
}

func isOneOf(set map[string]struct{}, value string) bool {
	_, ok := set[answer(value)]
	return ok
}

// IsCancel reports whether value asks to abandon the current flow.
func IsCancel(value string) bool {
	return isOneOf(cancelWords, value)
}

// validate returns the normalized value for f. skipped is true when an
// optional field was explicitly left out.
func validate(f field, value string, today time.Time) (normalized string, skipped bool, problem string) {
	trimmed := strings.TrimSpace(value)
	if f.optional && isOneOf(skipWords, trimmed) {
		return "", true, ""
	}

	switch f.step {
	case domain.StepTitle:
		if trimmed == "" {
			return "", false, "The title can't be empty. What should I call the task?"
		}
		if utf8.RuneCountInString(trimmed) > maxTitleLen {
			return "", false, fmt.Sprintf("That title is too long (max %d characters). Please try a shorter one.", maxTitleLen)
		}
		return trimmed, false, ""

	case domain.StepDescription:
		if utf8.RuneCountInString(trimmed) > maxDescriptionLen {
			return "", false, fmt.Sprintf("That description is too long (max %d characters). Please shorten it or say \"skip\".", maxDescriptionLen)
		}
		return trimmed, false, ""

	case domain.StepPriority:
		if p, ok := priorityMap[answer(trimmed)]; ok {
			return p, false, ""
		}
		return "", false, "Priority must be high, medium, or low (or say \"skip\")."

	case domain.StepDueDate:
		if d, ok := parseDueDate(trimmed, today); ok {
			return d, false, ""
		}
		return "", false, "I couldn't read that date. Please use YYYY-MM-DD, \"today\", or \"tomorrow\" (or say \"skip\")."

	case domain.StepTaskID:
		id := strings.TrimPrefix(answer(trimmed), "task ")
		id = strings.TrimSpace(strings.TrimPrefix(id, "#"))
		if id == "" || strings.ContainsAny(id, " \t") {
			return "", false, "Please give me just the task ID (you can ask me to list your tasks to find it)."
		}
		if len(id) > maxTaskIDLen {
			return "", false, "That doesn't look like a task ID. Please check it and try again."
		}
		return id, false, ""
	}
	return "", false, "I didn't understand that."
}

func parseDueDate(value string, today time.Time) (string, bool) {
	switch answer(value) {
	case "today":
		return today.Format(dateLayout), true
	case "tomorrow":
		return today.AddDate(0, 0, 1).Format(dateLayout), true
	}
	for _, layout := range []string{dateLayout, "01/02/2006", "2006/01/02"} {
		if t, err := time.Parse(layout, strings.TrimSpace(value)); err == nil {
			return t.Format(dateLayout), true
		}
	}
	return "", false
}

// Prompt returns the question to ask for the state's current step.
func Prompt(state domain.FSMState) string {
	if state.Step == nil {
		return ""
	}
	switch *state.Step {
	case domain.StepTitle:
		if state.Mode == domain.IntentUpdateTask {
			return "What should the new title be? (or say \"skip\" to keep it)"
		}
		return "What's the title of the task?"
	case domain.StepDescription:
		return "Add a description, or say \"skip\"."
	case domain.StepPriority:
		return "What priority should it have? (high, medium, low, or \"skip\")"
	case domain.StepDueDate:
		return "When is it due? Use YYYY-MM-DD, \"today\", \"tomorrow\", or say \"skip\"."
	case domain.StepTaskID:
		return fmt.Sprintf("Which task do you want to %s? Please give me the task ID.", verb(state.Mode))
	case domain.StepConfirm:
		return confirmPrompt(state)
	}
	return ""
}

func verb(mode domain.IntentMode) string {
	switch mode {
	case domain.IntentUpdateTask:
		return "update"
	case domain.IntentDeleteTask:
		return "delete"
	case domain.IntentCompleteTask:
		return "mark as complete"
	default:
		return "change"
	}
}

func confirmPrompt(state domain.FSMState) string {
	p := state.Payload
	var b strings.Builder
	switch state.Mode {
	case domain.IntentAddTask:
		fmt.Fprintf(&b, "Create task %q", p[KeyTitle])
	case domain.IntentUpdateTask:
		fmt.Fprintf(&b, "Update task %s", p[KeyTaskID])
		if v, ok := p[KeyTitle]; ok {
			fmt.Fprintf(&b, " with title %q", v)
		}
	case domain.IntentDeleteTask:
		fmt.Fprintf(&b, "Delete task %s", p[KeyTaskID])
	case domain.IntentCompleteTask:
		fmt.Fprintf(&b, "Mark task %s as complete", p[KeyTaskID])
	}
	var details []string
	if v, ok := p[KeyDescription]; ok {
		details = append(details, "description: "+v)
	}
	if v, ok := p[KeyPriority]; ok {
		details = append(details, "priority: "+v)
	}
	if v, ok := p[KeyDueDate]; ok {
		details = append(details, "due: "+v)
	}
	if len(details) > 0 {
		b.WriteString(" (" + strings.Join(details, ", ") + ")")
	}
	b.WriteString("? (yes/no)")
	return b.String()
}
