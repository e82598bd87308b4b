package intent

import (
	"testing"

	"github.com/stretchr/testify/require"

	"todo-chat-agent/internal/domain"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		in   string
		want domain.IntentMode
	}{
		{"add a task", domain.IntentAddTask},
		{"Add a task!", domain.IntentAddTask},
		{"please create a new task for tomorrow", domain.IntentAddTask},
		{"remind me to call mom", domain.IntentAddTask},
		{"delete the task", domain.IntentDeleteTask},
		{"remove my task please", domain.IntentDeleteTask},
		{"mark the task as done", domain.IntentCompleteTask},
		{"complete task 3", domain.IntentCompleteTask},
		{"update the task I added yesterday", domain.IntentUpdateTask},
		{"rename task", domain.IntentUpdateTask},
		{"hello", domain.IntentIdle},
		{"show me my tasks", domain.IntentIdle},
		{"list tasks", domain.IntentIdle},
		{"", domain.IntentIdle},
		{"   ", domain.IntentIdle},
		{"tasks added this week?", domain.IntentIdle},
		{"badd task", domain.IntentIdle},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			require.Equal(t, tc.want, Classify(tc.in))
		})
	}
}

func TestKeywords_ImplementsClassifier(t *testing.T) {
	require.Equal(t, domain.IntentAddTask, Keywords.Classify("new todo"))
}
