// Package intent maps a free-form message to a structured task intent using a
// fixed keyword table. It has no state and no I/O so it can be swapped for a
// model-backed classifier without touching the FSM or the orchestrator.
package intent

import (
	"strings"

	"todo-chat-agent/internal/domain"
)

// Classifier decides which structured flow, if any, a message starts.
// It returns domain.IntentIdle for general chat and read-only queries.
type Classifier interface {
	Classify(message string) domain.IntentMode
}

// ClassifierFunc adapts a plain function to Classifier.
type ClassifierFunc func(message string) domain.IntentMode

func (f ClassifierFunc) Classify(message string) domain.IntentMode { return f(message) }

// Keywords is the default keyword classifier.
var Keywords Classifier = ClassifierFunc(Classify)

type rule struct {
	mode    domain.IntentMode
	phrases []string
}

// Order matters: more specific verbs are checked before "add" so that
// "update the task I added" is an update, not a create.
var rules = []rule{
	{mode: domain.IntentDeleteTask, phrases: []string{"delete task", "delete a task", "delete the task", "delete my task", "remove task", "remove a task", "remove the task", "remove my task"}},
	{mode: domain.IntentCompleteTask, phrases: []string{"complete task", "complete a task", "complete the task", "complete my task", "mark task", "mark a task", "mark the task", "finish task", "finish the task", "finished task"}},
	{mode: domain.IntentUpdateTask, phrases: []string{"update task", "update a task", "update the task", "update my task", "edit task", "edit a task", "edit the task", "change task", "change the task", "modify task", "modify the task", "rename task", "rename the task"}},
	{mode: domain.IntentAddTask, phrases: []string{"add task", "add a task", "add a new task", "add new task", "create task", "create a task", "create a new task", "new task", "new todo", "add todo", "add a todo", "remind me to"}},
}

// Classify returns the structured intent named by message, or IntentIdle.
// Listing is read-only and is left to the model, so IntentListTasks is never returned.
func Classify(message string) domain.IntentMode {
	text := normalize(message)
	if text == "" {
		return domain.IntentIdle
	}
	for _, r := range rules {
		for _, p := range r.phrases {
			if containsPhrase(text, p) {
				return r.mode
			}
		}
	}
	return domain.IntentIdle
}

// normalize lowercases, strips punctuation and collapses whitespace.
func normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '\'':
			b.WriteRune(r)
		default:
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// containsPhrase matches p on word boundaries.
func containsPhrase(text, p string) bool {
	return strings.Contains(" "+text+" ", " "+p+" ")
}
