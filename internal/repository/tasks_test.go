package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/require"

	"todo-chat-agent/internal/domain"
)

func mustNewTaskClient(t *testing.T, db *fakeDynamo) *TaskClient {
	t.Helper()
	c, err := NewTaskClient(db, "tasks", "")
	require.NoError(t, err)
	return c
}

func fixedTaskIDs(t *testing.T, ids ...string) {
	t.Helper()
	prev := newTaskID
	newTaskID = func() string {
		id := ids[0]
		if len(ids) > 1 {
			ids = ids[1:]
		}
		return id
	}
	t.Cleanup(func() { newTaskID = prev })
}

func storedTask(userID string) domain.Task {
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	return domain.Task{
		ID: "t1", UserID: userID, Title: "Buy milk", Priority: "high",
		Status: domain.TaskStatusPending, CreatedAt: ts, UpdatedAt: ts,
	}
}

func TestCreateTask_DefaultsAndCondition(t *testing.T) {
	fixedTaskIDs(t, "abc12345")
	db := &fakeDynamo{}
	c := mustNewTaskClient(t, db)

	task, err := c.CreateTask(context.Background(), "u1", domain.NewTask{Title: "Buy milk"})
	require.NoError(t, err)
	require.Equal(t, "abc12345", task.ID)
	require.Equal(t, "medium", task.Priority)
	require.Equal(t, domain.TaskStatusPending, task.Status)
	require.Equal(t, "TASK#abc12345", sAttr(t, db.lastPutInput.Item, "PK"))
	require.Equal(t, "USER#u1", sAttr(t, db.lastPutInput.Item, "ownerKey"))
	require.Equal(t, "attribute_not_exists(PK)", *db.lastPutInput.ConditionExpression)
}

func TestCreateTask_RetriesOnIDCollision(t *testing.T) {
	fixedTaskIDs(t, "dup00000", "fresh000")
	db := &fakeDynamo{putErrs: []error{&types.ConditionalCheckFailedException{}}}
	c := mustNewTaskClient(t, db)

	task, err := c.CreateTask(context.Background(), "u1", domain.NewTask{Title: "x"})
	require.NoError(t, err)
	require.Equal(t, "fresh000", task.ID)
	require.Equal(t, 2, db.putCalls)
}

func TestCreateTask_OtherErrorsAreNotRetried(t *testing.T) {
	db := &fakeDynamo{putErr: errors.New("boom")}
	c := mustNewTaskClient(t, db)
	_, err := c.CreateTask(context.Background(), "u1", domain.NewTask{Title: "x"})
	require.ErrorContains(t, err, "CreateTask")
	require.Equal(t, 1, db.putCalls)
}

func TestListTasks_FiltersByStatusAndPages(t *testing.T) {
	db := &fakeDynamo{queryOuts: []*dynamodb.QueryOutput{
		{Items: []map[string]types.AttributeValue{taskItem(storedTask("u1"))}, LastEvaluatedKey: map[string]types.AttributeValue{"PK": &types.AttributeValueMemberS{Value: "x"}}},
		{Items: []map[string]types.AttributeValue{taskItem(storedTask("u1"))}},
	}}
	c := mustNewTaskClient(t, db)

	tasks, err := c.ListTasks(context.Background(), "u1", domain.TaskStatusPending)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	require.Len(t, db.queryInputs, 2)
	require.Equal(t, "#status = :status", *db.queryInputs[0].FilterExpression)
	require.Nil(t, db.queryInputs[0].ExclusiveStartKey)
	require.NotNil(t, db.queryInputs[1].ExclusiveStartKey)
}

func TestListTasks_NoFilterWhenStatusEmpty(t *testing.T) {
	db := &fakeDynamo{queryOut: &dynamodb.QueryOutput{}}
	c := mustNewTaskClient(t, db)
	_, err := c.ListTasks(context.Background(), "u1", "")
	require.NoError(t, err)
	require.Nil(t, db.lastQueryIn.FilterExpression)
}

func TestUpdateTask_Ownership(t *testing.T) {
	title := "Buy oat milk"

	t.Run("owner", func(t *testing.T) {
		db := &fakeDynamo{getOut: &dynamodb.GetItemOutput{Item: taskItem(storedTask("u1"))}}
		c := mustNewTaskClient(t, db)
		task, err := c.UpdateTask(context.Background(), "u1", "t1", domain.TaskUpdate{Title: &title})
		require.NoError(t, err)
		require.Equal(t, title, task.Title)
		require.Equal(t, "high", task.Priority)
		require.Equal(t, "attribute_exists(PK) AND userId = :uid", *db.lastPutInput.ConditionExpression)
	})
	t.Run("other user", func(t *testing.T) {
		db := &fakeDynamo{getOut: &dynamodb.GetItemOutput{Item: taskItem(storedTask("u2"))}}
		c := mustNewTaskClient(t, db)
		_, err := c.UpdateTask(context.Background(), "u1", "t1", domain.TaskUpdate{Title: &title})
		require.ErrorIs(t, err, ErrForbidden)
		require.Nil(t, db.lastPutInput)
	})
	t.Run("missing", func(t *testing.T) {
		db := &fakeDynamo{getOut: &dynamodb.GetItemOutput{}}
		c := mustNewTaskClient(t, db)
		_, err := c.UpdateTask(context.Background(), "u1", "t1", domain.TaskUpdate{Title: &title})
		require.ErrorIs(t, err, ErrNotFound)
	})
}

func TestToggleComplete_FlipsStatus(t *testing.T) {
	db := &fakeDynamo{getOut: &dynamodb.GetItemOutput{Item: taskItem(storedTask("u1"))}}
	c := mustNewTaskClient(t, db)
	task, err := c.ToggleComplete(context.Background(), "u1", "t1")
	require.NoError(t, err)
	require.True(t, task.Completed())

	done := storedTask("u1")
	done.Status = domain.TaskStatusCompleted
	db = &fakeDynamo{getOut: &dynamodb.GetItemOutput{Item: taskItem(done)}}
	c = mustNewTaskClient(t, db)
	task, err = c.ToggleComplete(context.Background(), "u1", "t1")
	require.NoError(t, err)
	require.False(t, task.Completed())
}

func TestDeleteTask(t *testing.T) {
	db := &fakeDynamo{getOut: &dynamodb.GetItemOutput{Item: taskItem(storedTask("u1"))}}
	c := mustNewTaskClient(t, db)
	task, err := c.DeleteTask(context.Background(), "u1", "t1")
	require.NoError(t, err)
	require.Equal(t, "Buy milk", task.Title)
	require.Equal(t, "userId = :uid", *db.lastDelInput.ConditionExpression)

	db = &fakeDynamo{getOut: &dynamodb.GetItemOutput{Item: taskItem(storedTask("u2"))}}
	c = mustNewTaskClient(t, db)
	_, err = c.DeleteTask(context.Background(), "u1", "t1")
	require.ErrorIs(t, err, ErrForbidden)
	require.Nil(t, db.lastDelInput)
}
