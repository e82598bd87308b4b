package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"todo-chat-agent/internal/domain"
)

const (
	skPrefixMsg = "MSG#"
	skMeta      = "META#"
	skFSM       = "FSM#"
	ttlDuration = 30 * 24 * time.Hour // tombstoned items are purged after 30 days

	// DynamoDB caps a transaction at 100 items.
	maxTransactItems = 100

	defaultOwnerIndex = "OwnerIndex"

	// Fixed-width so sort keys order lexically by time.
	sortableTime = "2006-01-02T15:04:05.000000000Z07:00"
)

var (
	// ErrNotFound is returned when a conversation or task does not exist (or is soft-deleted).
	ErrNotFound = errors.New("repository: not found")
	// ErrForbidden is returned when a task exists but belongs to another user.
	ErrForbidden = errors.New("repository: forbidden")
	// ErrStateConflict is returned when the FSM record changed since it was read.
	ErrStateConflict = errors.New("repository: fsm state version conflict")
)

// dynamodbAPI is the minimal DynamoDB interface required by the repository clients.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// Client wraps the conversation state table: conversation metadata, messages
// and the FSM sidecar all live under the conversation partition.
type Client struct {
	api        dynamodbAPI
	tableName  string
	ownerIndex string
}

// New creates a new repository Client. ownerIndex names the GSI keyed by
// ownerKey/updatedAt; empty selects the default.
func New(api dynamodbAPI, tableName, ownerIndex string) (*Client, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	if strings.TrimSpace(ownerIndex) == "" {
		ownerIndex = defaultOwnerIndex
	}
	return &Client{api: api, tableName: tableName, ownerIndex: ownerIndex}, nil
}

var now = func() time.Time { return time.Now().UTC() }

// convPK returns the DynamoDB partition key for a conversation.
func convPK(conversationID string) string {
	return "CONV#" + conversationID
}

func ownerKey(userID string) string {
	return "USER#" + userID
}

// msgSK orders messages by creation time; the id suffix keeps keys unique.
func msgSK(ts time.Time, messageID string) string {
	return skPrefixMsg + ts.UTC().Format(sortableTime) + "#" + messageID
}

// ttlValue returns a Unix timestamp 30 days in the future.
func ttlValue() int64 {
	return now().Add(ttlDuration).Unix()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(sortableTime)
}

// CreateConversation writes a new conversation metadata record.
func (c *Client) CreateConversation(ctx context.Context, conv domain.Conversation) error {
	if conv.ID == "" || conv.UserID == "" {
		return errors.New("repository: CreateConversation: id and user id are required")
	}
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.tableName),
		Item:                conversationItem(conv),
		ConditionExpression: aws.String("attribute_not_exists(PK)"),
	})
	if err != nil {
		return fmt.Errorf("repository: CreateConversation: %w", err)
	}
	return nil
}

// GetConversation fetches a conversation regardless of owner. Soft-deleted
// conversations are reported as ErrNotFound.
func (c *Client) GetConversation(ctx context.Context, conversationID string) (domain.Conversation, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.tableName),
		Key:       itemKey(convPK(conversationID), skMeta),
	})
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("repository: GetConversation get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.Conversation{}, ErrNotFound
	}
	conv, err := itemToConversation(out.Item)
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("repository: GetConversation decode: %w", err)
	}
	if conv.Deleted() {
		return domain.Conversation{}, ErrNotFound
	}
	return conv, nil
}

// ListConversations returns the user's live conversations, most recently updated first.
func (c *Client) ListConversations(ctx context.Context, userID string, limit int) ([]domain.Conversation, error) {
	in := &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		IndexName:              aws.String(c.ownerIndex),
		KeyConditionExpression: aws.String("ownerKey = :owner"),
		FilterExpression:       aws.String("attribute_not_exists(deletedAt)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":owner": &types.AttributeValueMemberS{Value: ownerKey(userID)},
		},
		ScanIndexForward: aws.Bool(false),
	}
	if limit > 0 {
		in.Limit = aws.Int32(int32(limit))
	}

	out, err := c.api.Query(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("repository: ListConversations query: %w", err)
	}
	convs := make([]domain.Conversation, 0, len(out.Items))
	for _, item := range out.Items {
		conv, err := itemToConversation(item)
		if err != nil {
			return nil, fmt.Errorf("repository: ListConversations unmarshal: %w", err)
		}
		convs = append(convs, conv)
	}
	return convs, nil
}

// AppendMessage writes a new message and bumps the conversation's updatedAt
// in one transaction.
func (c *Client) AppendMessage(ctx context.Context, msg domain.Message) error {
	if msg.ID == "" || msg.ConversationID == "" {
		return errors.New("repository: AppendMessage: id and conversation id are required")
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now()
	}
	if msg.UpdatedAt.IsZero() {
		msg.UpdatedAt = msg.CreatedAt
	}
	item, err := messageItem(msg)
	if err != nil {
		return fmt.Errorf("repository: AppendMessage: %w", err)
	}

	_, err = c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Put: &types.Put{
					TableName:           aws.String(c.tableName),
					Item:                item,
					ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
				},
			},
			{
				Update: &types.Update{
					TableName:           aws.String(c.tableName),
					Key:                 itemKey(convPK(msg.ConversationID), skMeta),
					UpdateExpression:    aws.String("SET updatedAt = :ts"),
					ConditionExpression: aws.String("attribute_exists(PK)"),
					ExpressionAttributeValues: map[string]types.AttributeValue{
						":ts": &types.AttributeValueMemberS{Value: formatTime(msg.CreatedAt)},
					},
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("repository: AppendMessage: %w", err)
	}
	return nil
}

// GetHistory returns up to limit of the newest live messages in chronological order.
func (c *Client) GetHistory(ctx context.Context, conversationID string, limit int) ([]domain.Message, error) {
	in := &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		FilterExpression:       aws.String("attribute_not_exists(deletedAt)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: convPK(conversationID)},
			":prefix": &types.AttributeValueMemberS{Value: skPrefixMsg},
		},
		// Read newest first so LIMIT favors the most recent context.
		ScanIndexForward: aws.Bool(false),
	}
	if limit > 0 {
		in.Limit = aws.Int32(int32(limit))
	}

	out, err := c.api.Query(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("repository: GetHistory query: %w", err)
	}

	msgs := make([]domain.Message, 0, len(out.Items))
	for _, item := range out.Items {
		msg, err := itemToMessage(item)
		if err != nil {
			return nil, fmt.Errorf("repository: GetHistory unmarshal: %w", err)
		}
		msgs = append(msgs, msg)
	}
	// Reverse to chronological order before returning to prompt assembly.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// DeleteConversation tombstones the conversation and every message in it and
// removes the FSM sidecar. Message tombstones are written before the
// conversation's so a partial failure leaves the conversation visible and retryable.
func (c *Client) DeleteConversation(ctx context.Context, conversationID string) error {
	ts := formatTime(now())
	ttl := strconv.FormatInt(ttlValue(), 10)
	tombstone := func(sk string) types.TransactWriteItem {
		return types.TransactWriteItem{
			Update: &types.Update{
				TableName:        aws.String(c.tableName),
				Key:              itemKey(convPK(conversationID), sk),
				UpdateExpression: aws.String("SET deletedAt = :ts, updatedAt = :ts, #ttl = :ttl"),
				ExpressionAttributeNames: map[string]string{
					"#ttl": "ttl",
				},
				ExpressionAttributeValues: map[string]types.AttributeValue{
					":ts":  &types.AttributeValueMemberS{Value: ts},
					":ttl": &types.AttributeValueMemberN{Value: ttl},
				},
			},
		}
	}

	keys, err := c.messageKeys(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("repository: DeleteConversation: %w", err)
	}
	for start := 0; start < len(keys); start += maxTransactItems {
		end := min(start+maxTransactItems, len(keys))
		batch := make([]types.TransactWriteItem, 0, end-start)
		for _, sk := range keys[start:end] {
			batch = append(batch, tombstone(sk))
		}
		if _, err := c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: batch}); err != nil {
			return fmt.Errorf("repository: DeleteConversation messages: %w", err)
		}
	}

	_, err = c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			tombstone(skMeta),
			{
				Delete: &types.Delete{
					TableName: aws.String(c.tableName),
					Key:       itemKey(convPK(conversationID), skFSM),
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("repository: DeleteConversation meta: %w", err)
	}
	return nil
}

// messageKeys pages through every message sort key in a conversation.
func (c *Client) messageKeys(ctx context.Context, conversationID string) ([]string, error) {
	var (
		keys  []string
		start map[string]types.AttributeValue
	)
	for {
		out, err := c.api.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(c.tableName),
			KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pk":     &types.AttributeValueMemberS{Value: convPK(conversationID)},
				":prefix": &types.AttributeValueMemberS{Value: skPrefixMsg},
			},
			ProjectionExpression: aws.String("SK"),
			ExclusiveStartKey:    start,
		})
		if err != nil {
			return nil, fmt.Errorf("query message keys: %w", err)
		}
		for _, item := range out.Items {
			sk, err := strAttr(item, "SK")
			if err != nil {
				return nil, err
			}
			keys = append(keys, sk)
		}
		if len(out.LastEvaluatedKey) == 0 {
			return keys, nil
		}
		start = out.LastEvaluatedKey
	}
}

// GetFSMState loads the FSM sidecar. The boolean is false when no record exists yet.
func (c *Client) GetFSMState(ctx context.Context, conversationID string) (domain.FSMState, bool, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.tableName),
		Key:            itemKey(convPK(conversationID), skFSM),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.FSMState{}, false, fmt.Errorf("repository: GetFSMState get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.FSMState{}, false, nil
	}
	state, err := itemToFSMState(conversationID, out.Item)
	if err != nil {
		return domain.FSMState{}, false, fmt.Errorf("repository: GetFSMState decode: %w", err)
	}
	return state, true, nil
}

// PutFSMState writes state with version expectedVersion+1, provided the stored
// record is still at expectedVersion (or absent when expectedVersion is 0).
func (c *Client) PutFSMState(ctx context.Context, state domain.FSMState, expectedVersion int64) error {
	state.Version = expectedVersion + 1
	state.UpdatedAt = now()

	condition := "attribute_not_exists(PK) OR version = :expected"
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.tableName),
		Item:                fsmItem(state),
		ConditionExpression: aws.String(condition),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":expected": &types.AttributeValueMemberN{Value: strconv.FormatInt(expectedVersion, 10)},
		},
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return ErrStateConflict
		}
		return fmt.Errorf("repository: PutFSMState: %w", err)
	}
	return nil
}

func itemKey(pk, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: pk},
		"SK": &types.AttributeValueMemberS{Value: sk},
	}
}

func conversationItem(conv domain.Conversation) map[string]types.AttributeValue {
	item := itemKey(convPK(conv.ID), skMeta)
	item["conversationId"] = &types.AttributeValueMemberS{Value: conv.ID}
	item["userId"] = &types.AttributeValueMemberS{Value: conv.UserID}
	item["ownerKey"] = &types.AttributeValueMemberS{Value: ownerKey(conv.UserID)}
	item["title"] = &types.AttributeValueMemberS{Value: conv.Title}
	item["createdAt"] = &types.AttributeValueMemberS{Value: formatTime(conv.CreatedAt)}
	item["updatedAt"] = &types.AttributeValueMemberS{Value: formatTime(conv.UpdatedAt)}
	if conv.DeletedAt != nil {
		item["deletedAt"] = &types.AttributeValueMemberS{Value: formatTime(*conv.DeletedAt)}
	}
	return item
}

func itemToConversation(item map[string]types.AttributeValue) (domain.Conversation, error) {
	id, err := strAttr(item, "conversationId")
	if err != nil {
		return domain.Conversation{}, err
	}
	userID, err := strAttr(item, "userId")
	if err != nil {
		return domain.Conversation{}, err
	}
	title, _ := strAttr(item, "title") // allow empty
	conv := domain.Conversation{ID: id, UserID: userID, Title: title}
	if conv.CreatedAt, err = timeAttr(item, "createdAt"); err != nil {
		return domain.Conversation{}, err
	}
	if conv.UpdatedAt, err = timeAttr(item, "updatedAt"); err != nil {
		return domain.Conversation{}, err
	}
	if conv.DeletedAt, err = optTimeAttr(item, "deletedAt"); err != nil {
		return domain.Conversation{}, err
	}
	return conv, nil
}

func messageItem(msg domain.Message) (map[string]types.AttributeValue, error) {
	item := itemKey(convPK(msg.ConversationID), msgSK(msg.CreatedAt, msg.ID))
	item["messageId"] = &types.AttributeValueMemberS{Value: msg.ID}
	item["conversationId"] = &types.AttributeValueMemberS{Value: msg.ConversationID}
	item["userId"] = &types.AttributeValueMemberS{Value: msg.UserID}
	item["role"] = &types.AttributeValueMemberS{Value: msg.Role}
	item["content"] = &types.AttributeValueMemberS{Value: msg.Content}
	item["createdAt"] = &types.AttributeValueMemberS{Value: formatTime(msg.CreatedAt)}
	item["updatedAt"] = &types.AttributeValueMemberS{Value: formatTime(msg.UpdatedAt)}
	if len(msg.ToolCalls) > 0 {
		item["toolCalls"] = &types.AttributeValueMemberS{Value: string(msg.ToolCalls)}
	}
	if len(msg.ToolResults) > 0 {
		item["toolResults"] = &types.AttributeValueMemberS{Value: string(msg.ToolResults)}
	}
	if len(msg.Metadata) > 0 {
		raw, err := json.Marshal(msg.Metadata)
		if err != nil {
			return nil, fmt.Errorf("marshal metadata: %w", err)
		}
		item["metadata"] = &types.AttributeValueMemberS{Value: string(raw)}
	}
	return item, nil
}

// itemToMessage converts a DynamoDB attribute map to a Message.
func itemToMessage(item map[string]types.AttributeValue) (domain.Message, error) {
	id, err := strAttr(item, "messageId")
	if err != nil {
		return domain.Message{}, err
	}
	role, err := strAttr(item, "role")
	if err != nil {
		return domain.Message{}, err
	}
	conversationID, _ := strAttr(item, "conversationId")
	userID, _ := strAttr(item, "userId")
	content, _ := strAttr(item, "content") // allow empty

	msg := domain.Message{
		ID:             id,
		ConversationID: conversationID,
		UserID:         userID,
		Role:           role,
		Content:        content,
	}
	// Tool descriptors stay raw; the context window decides whether they decode.
	if raw, err := strAttr(item, "toolCalls"); err == nil && raw != "" {
		msg.ToolCalls = json.RawMessage(raw)
	}
	if raw, err := strAttr(item, "toolResults"); err == nil && raw != "" {
		msg.ToolResults = json.RawMessage(raw)
	}
	if raw, err := strAttr(item, "metadata"); err == nil && raw != "" {
		if err := json.Unmarshal([]byte(raw), &msg.Metadata); err != nil {
			return domain.Message{}, fmt.Errorf("repository: decode metadata: %w", err)
		}
	}
	if msg.CreatedAt, err = timeAttr(item, "createdAt"); err != nil {
		return domain.Message{}, err
	}
	msg.UpdatedAt, _ = timeAttr(item, "updatedAt")
	if msg.DeletedAt, err = optTimeAttr(item, "deletedAt"); err != nil {
		return domain.Message{}, err
	}
	return msg, nil
}

func fsmItem(state domain.FSMState) map[string]types.AttributeValue {
	item := itemKey(convPK(state.ConversationID), skFSM)
	item["intentMode"] = &types.AttributeValueMemberS{Value: string(state.Mode)}
	item["version"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(state.Version, 10)}
	item["updatedAt"] = &types.AttributeValueMemberS{Value: formatTime(state.UpdatedAt)}
	if state.Step != nil {
		item["intentStep"] = &types.AttributeValueMemberS{Value: string(*state.Step)}
	}
	payload := make(map[string]types.AttributeValue, len(state.Payload))
	for k, v := range state.Payload {
		payload[k] = &types.AttributeValueMemberS{Value: v}
	}
	item["intentPayload"] = &types.AttributeValueMemberM{Value: payload}
	return item
}

func itemToFSMState(conversationID string, item map[string]types.AttributeValue) (domain.FSMState, error) {
	mode, err := strAttr(item, "intentMode")
	if err != nil {
		return domain.FSMState{}, err
	}
	version, err := int64Attr(item, "version")
	if err != nil {
		return domain.FSMState{}, err
	}
	state := domain.FSMState{
		ConversationID: conversationID,
		Mode:           domain.IntentMode(mode),
		Version:        version,
		Payload:        map[string]string{},
	}
	if step, err := strAttr(item, "intentStep"); err == nil && step != "" {
		s := domain.IntentStep(step)
		state.Step = &s
	}
	if v, ok := item["intentPayload"].(*types.AttributeValueMemberM); ok {
		for k, av := range v.Value {
			s, ok := av.(*types.AttributeValueMemberS)
			if !ok {
				return domain.FSMState{}, fmt.Errorf("repository: payload field %q is not a string", k)
			}
			state.Payload[k] = s.Value
		}
	}
	state.UpdatedAt, _ = timeAttr(item, "updatedAt")
	return state, nil
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("repository: missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("repository: attribute %q is not a string", key)
	}
	return s.Value, nil
}

func int64Attr(item map[string]types.AttributeValue, key string) (int64, error) {
	v, ok := item[key]
	if !ok {
		return 0, fmt.Errorf("repository: missing attribute %q", key)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("repository: attribute %q is not a number", key)
	}
	parsed, err := strconv.ParseInt(n.Value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return parsed, nil
}

func timeAttr(item map[string]types.AttributeValue, key string) (time.Time, error) {
	s, err := strAttr(item, key)
	if err != nil {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return t, nil
}

func optTimeAttr(item map[string]types.AttributeValue, key string) (*time.Time, error) {
	if _, ok := item[key]; !ok {
		return nil, nil
	}
	t, err := timeAttr(item, key)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
