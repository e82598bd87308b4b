package domain

import "time"

// IntentMode is the structured operation a conversation is collecting fields for.
type IntentMode string

const (
	IntentIdle         IntentMode = "IDLE"
	IntentAddTask      IntentMode = "ADD_TASK"
	IntentUpdateTask   IntentMode = "UPDATE_TASK"
	IntentDeleteTask   IntentMode = "DELETE_TASK"
	IntentCompleteTask IntentMode = "COMPLETE_TASK"
	IntentListTasks    IntentMode = "LIST_TASKS"
)

// IntentStep is the field currently being collected.
type IntentStep string

const (
	StepTitle       IntentStep = "TITLE"
	StepDescription IntentStep = "DESCRIPTION"
	StepPriority    IntentStep = "PRIORITY"
	StepDueDate     IntentStep = "DUE_DATE"
	StepTaskID      IntentStep = "TASK_ID"
	StepConfirm     IntentStep = "CONFIRM"
)

// FSMState is the per-conversation intent collection record.
// Step is nil exactly when Mode is IntentIdle, and an idle state has an empty payload.
type FSMState struct {
	ConversationID string
	Mode           IntentMode
	Step           *IntentStep
	Payload        map[string]string
	Version        int64
	UpdatedAt      time.Time
}

// NewIdleState returns a fresh idle record for a conversation.
func NewIdleState(conversationID string) FSMState {
	return FSMState{
		ConversationID: conversationID,
		Mode:           IntentIdle,
		Payload:        map[string]string{},
	}
}
