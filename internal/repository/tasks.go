package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"

	"todo-chat-agent/internal/domain"
)

const (
	skTask            = "TASK#"
	maxTaskIDAttempts = 3
)

// TaskClient stores tasks in their own table, one item per task, with the
// owner's key projected into the owner GSI for listing.
type TaskClient struct {
	api        dynamodbAPI
	tableName  string
	ownerIndex string
}

// NewTaskClient creates a task store over the given table.
func NewTaskClient(api dynamodbAPI, tableName, ownerIndex string) (*TaskClient, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: tasks table name must not be empty")
	}
	if strings.TrimSpace(ownerIndex) == "" {
		ownerIndex = defaultOwnerIndex
	}
	return &TaskClient{api: api, tableName: tableName, ownerIndex: ownerIndex}, nil
}

func taskPK(taskID string) string {
	return "TASK#" + taskID
}

// newTaskID returns a short id a user can type back in chat.
var newTaskID = func() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// CreateTask inserts a pending task for userID.
func (c *TaskClient) CreateTask(ctx context.Context, userID string, in domain.NewTask) (domain.Task, error) {
	ts := now()
	task := domain.Task{
		UserID:      userID,
		Title:       in.Title,
		Description: in.Description,
		Priority:    in.Priority,
		DueDate:     in.DueDate,
		Status:      domain.TaskStatusPending,
		CreatedAt:   ts,
		UpdatedAt:   ts,
	}
	if task.Priority == "" {
		task.Priority = "medium"
	}

	for attempt := 0; attempt < maxTaskIDAttempts; attempt++ {
		task.ID = newTaskID()
		_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
			TableName:           aws.String(c.tableName),
			Item:                taskItem(task),
			ConditionExpression: aws.String("attribute_not_exists(PK)"),
		})
		if err == nil {
			return task, nil
		}
		var ccf *types.ConditionalCheckFailedException
		if !errors.As(err, &ccf) {
			return domain.Task{}, fmt.Errorf("repository: CreateTask: %w", err)
		}
	}
	return domain.Task{}, errors.New("repository: CreateTask: could not allocate a unique task id")
}

// ListTasks returns the user's tasks, oldest first. An empty status lists all.
func (c *TaskClient) ListTasks(ctx context.Context, userID, status string) ([]domain.Task, error) {
	values := map[string]types.AttributeValue{
		":owner": &types.AttributeValueMemberS{Value: ownerKey(userID)},
	}
	in := &dynamodb.QueryInput{
		TableName:                 aws.String(c.tableName),
		IndexName:                 aws.String(c.ownerIndex),
		KeyConditionExpression:    aws.String("ownerKey = :owner"),
		ExpressionAttributeValues: values,
		ScanIndexForward:          aws.Bool(true),
	}
	if status != "" {
		in.FilterExpression = aws.String("#status = :status")
		in.ExpressionAttributeNames = map[string]string{"#status": "status"}
		values[":status"] = &types.AttributeValueMemberS{Value: status}
	}

	var tasks []domain.Task
	for {
		out, err := c.api.Query(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("repository: ListTasks query: %w", err)
		}
		for _, item := range out.Items {
			task, err := itemToTask(item)
			if err != nil {
				return nil, fmt.Errorf("repository: ListTasks unmarshal: %w", err)
			}
			tasks = append(tasks, task)
		}
		if len(out.LastEvaluatedKey) == 0 {
			return tasks, nil
		}
		in.ExclusiveStartKey = out.LastEvaluatedKey
	}
}

// UpdateTask applies the non-nil fields of upd to a task the user owns.
func (c *TaskClient) UpdateTask(ctx context.Context, userID, taskID string, upd domain.TaskUpdate) (domain.Task, error) {
	task, err := c.getOwned(ctx, userID, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	if upd.Title != nil {
		task.Title = *upd.Title
	}
	if upd.Description != nil {
		task.Description = *upd.Description
	}
	if upd.Priority != nil {
		task.Priority = *upd.Priority
	}
	if upd.DueDate != nil {
		task.DueDate = *upd.DueDate
	}
	if err := c.replaceOwned(ctx, task); err != nil {
		return domain.Task{}, fmt.Errorf("repository: UpdateTask: %w", err)
	}
	return task, nil
}

// ToggleComplete flips a task between pending and completed.
func (c *TaskClient) ToggleComplete(ctx context.Context, userID, taskID string) (domain.Task, error) {
	task, err := c.getOwned(ctx, userID, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	if task.Completed() {
		task.Status = domain.TaskStatusPending
	} else {
		task.Status = domain.TaskStatusCompleted
	}
	if err := c.replaceOwned(ctx, task); err != nil {
		return domain.Task{}, fmt.Errorf("repository: ToggleComplete: %w", err)
	}
	return task, nil
}

// DeleteTask removes a task the user owns and returns what was deleted.
func (c *TaskClient) DeleteTask(ctx context.Context, userID, taskID string) (domain.Task, error) {
	task, err := c.getOwned(ctx, userID, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	_, err = c.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:           aws.String(c.tableName),
		Key:                 itemKey(taskPK(taskID), skTask),
		ConditionExpression: aws.String("userId = :uid"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":uid": &types.AttributeValueMemberS{Value: userID},
		},
	})
	if err != nil {
		return domain.Task{}, fmt.Errorf("repository: DeleteTask: %w", err)
	}
	return task, nil
}

func (c *TaskClient) getOwned(ctx context.Context, userID, taskID string) (domain.Task, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.tableName),
		Key:            itemKey(taskPK(taskID), skTask),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.Task{}, fmt.Errorf("repository: get task: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.Task{}, ErrNotFound
	}
	task, err := itemToTask(out.Item)
	if err != nil {
		return domain.Task{}, fmt.Errorf("repository: decode task: %w", err)
	}
	if task.UserID != userID {
		return domain.Task{}, ErrForbidden
	}
	return task, nil
}

func (c *TaskClient) replaceOwned(ctx context.Context, task domain.Task) error {
	task.UpdatedAt = now()
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.tableName),
		Item:                taskItem(task),
		ConditionExpression: aws.String("attribute_exists(PK) AND userId = :uid"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":uid": &types.AttributeValueMemberS{Value: task.UserID},
		},
	})
	return err
}

func taskItem(task domain.Task) map[string]types.AttributeValue {
	item := itemKey(taskPK(task.ID), skTask)
	item["taskId"] = &types.AttributeValueMemberS{Value: task.ID}
	item["userId"] = &types.AttributeValueMemberS{Value: task.UserID}
	item["ownerKey"] = &types.AttributeValueMemberS{Value: ownerKey(task.UserID)}
	item["title"] = &types.AttributeValueMemberS{Value: task.Title}
	item["description"] = &types.AttributeValueMemberS{Value: task.Description}
	item["priority"] = &types.AttributeValueMemberS{Value: task.Priority}
	item["dueDate"] = &types.AttributeValueMemberS{Value: task.DueDate}
	item["status"] = &types.AttributeValueMemberS{Value: task.Status}
	item["createdAt"] = &types.AttributeValueMemberS{Value: formatTime(task.CreatedAt)}
	item["updatedAt"] = &types.AttributeValueMemberS{Value: formatTime(task.UpdatedAt)}
	return item
}

func itemToTask(item map[string]types.AttributeValue) (domain.Task, error) {
	id, err := strAttr(item, "taskId")
	if err != nil {
		return domain.Task{}, err
	}
	userID, err := strAttr(item, "userId")
	if err != nil {
		return domain.Task{}, err
	}
	title, err := strAttr(item, "title")
	if err != nil {
		return domain.Task{}, err
	}
	task := domain.Task{ID: id, UserID: userID, Title: title}
	task.Description, _ = strAttr(item, "description")
	task.Priority, _ = strAttr(item, "priority")
	task.DueDate, _ = strAttr(item, "dueDate")
	task.Status, _ = strAttr(item, "status")
	if task.Status == "" {
		task.Status = domain.TaskStatusPending
	}
	task.CreatedAt, _ = timeAttr(item, "createdAt")
	task.UpdatedAt, _ = timeAttr(item, "updatedAt")
	return task, nil
}
