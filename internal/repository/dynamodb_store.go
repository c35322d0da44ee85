package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"kb-chat/internal/domain"
)

const (
	skPrefixMsg       = "MSG#"
	skMeta            = "META#"
	DefaultOwnerIndex = "employeeId-updatedAt-index"

	maxAppendAttempts = 3
	batchWriteLimit   = 25
	maxBatchRetries   = 5
)

// dynamodbAPI is the minimal DynamoDB interface required by DynamoStore.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
	BatchWriteItem(ctx context.Context, in *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
}

// DynamoStore keeps conversations in a single DynamoDB table. Each
// conversation is one partition: a META# item holding the bookkeeping and one
// MSG#<seq> item per message. A sparse GSI on employeeId/updatedAt serves
// the owner listing.
type DynamoStore struct {
	api        dynamodbAPI
	tableName  string
	ownerIndex string
	now        func() time.Time
}

type DynamoOption func(*DynamoStore)

func WithOwnerIndex(name string) DynamoOption {
	return func(s *DynamoStore) {
		if name = strings.TrimSpace(name); name != "" {
			s.ownerIndex = name
		}
	}
}

// NewDynamoStore creates a DynamoDB backed conversation store.
func NewDynamoStore(api dynamodbAPI, tableName string, opts ...DynamoOption) (*DynamoStore, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	s := &DynamoStore{
		api:        api,
		tableName:  tableName,
		ownerIndex: DefaultOwnerIndex,
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// convPK returns the DynamoDB partition key for a conversation.
func convPK(conversationID string) string {
	return "CONV#" + conversationID
}

// msgSK returns the sort key for the message with the given sequence number.
// Zero padding keeps lexical and numeric order aligned.
func msgSK(seq int64) string {
	return fmt.Sprintf("%s%020d", skPrefixMsg, seq)
}

func metaKey(conversationID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: convPK(conversationID)},
		"SK": &types.AttributeValueMemberS{Value: skMeta},
	}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func isConditionFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}

func isTransactionCanceled(err error) bool {
	var tce *types.TransactionCanceledException
	return errors.As(err, &tce)
}

func (s *DynamoStore) CreateConversation(ctx context.Context, conv domain.Conversation) error {
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = s.now()
	}
	if conv.UpdatedAt.IsZero() {
		conv.UpdatedAt = conv.CreatedAt
	}
	_, err := s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tableName),
		Item:                metaItem(conv, 0),
		ConditionExpression: aws.String("attribute_not_exists(PK)"),
	})
	if isConditionFailed(err) {
		return fmt.Errorf("repository: CreateConversation: %w", domain.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("repository: CreateConversation: %w", err)
	}
	return nil
}

func (s *DynamoStore) GetConversation(ctx context.Context, id string) (domain.Conversation, error) {
	conv, _, err := s.getMeta(ctx, id)
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("repository: GetConversation: %w", err)
	}
	return conv, nil
}

func (s *DynamoStore) getMeta(ctx context.Context, id string) (domain.Conversation, int64, error) {
	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tableName),
		Key:            metaKey(id),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.Conversation{}, 0, err
	}
	if out == nil || len(out.Item) == 0 {
		return domain.Conversation{}, 0, domain.ErrNotFound
	}
	return itemToConversation(out.Item)
}

// ListConversations reads the owner index newest first and slices the
// requested page.
func (s *DynamoStore) ListConversations(ctx context.Context, employeeID string, offset, limit int) ([]domain.Conversation, int, error) {
	in := &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		IndexName:              aws.String(s.ownerIndex),
		KeyConditionExpression: aws.String("employeeId = :e"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":e": &types.AttributeValueMemberS{Value: employeeID},
		},
		ScanIndexForward: aws.Bool(false),
	}
	items, err := s.queryAll(ctx, in)
	if err != nil {
		return nil, 0, fmt.Errorf("repository: ListConversations query: %w", err)
	}

	total := len(items)
	if offset >= total {
		return []domain.Conversation{}, total, nil
	}
	end := total
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	out := make([]domain.Conversation, 0, end-offset)
	for _, item := range items[offset:end] {
		conv, _, err := itemToConversation(item)
		if err != nil {
			return nil, 0, fmt.Errorf("repository: ListConversations unmarshal: %w", err)
		}
		out = append(out, conv)
	}
	return out, total, nil
}

// ListMessages returns all MSG# items of a conversation in sequence order.
func (s *DynamoStore) ListMessages(ctx context.Context, conversationID string) ([]domain.Message, error) {
	items, err := s.queryAll(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: convPK(conversationID)},
			":prefix": &types.AttributeValueMemberS{Value: skPrefixMsg},
		},
		ScanIndexForward: aws.Bool(true),
		ConsistentRead:   aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("repository: ListMessages query: %w", err)
	}
	msgs := make([]domain.Message, 0, len(items))
	for _, item := range items {
		msg, err := itemToMessage(item)
		if err != nil {
			return nil, fmt.Errorf("repository: ListMessages unmarshal: %w", err)
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

func (s *DynamoStore) queryAll(ctx context.Context, in *dynamodb.QueryInput) ([]map[string]types.AttributeValue, error) {
	var items []map[string]types.AttributeValue
	for {
		out, err := s.api.Query(ctx, in)
		if err != nil {
			return nil, err
		}
		if out == nil {
			return items, nil
		}
		items = append(items, out.Items...)
		if len(out.LastEvaluatedKey) == 0 {
			return items, nil
		}
		in.ExclusiveStartKey = out.LastEvaluatedKey
	}
}

// AppendMessage writes the message and the bumped META# item in one
// transaction. The META# update is conditioned on the sequence read, so a
// concurrent append cancels the transaction and the write is retried.
func (s *DynamoStore) AppendMessage(ctx context.Context, msg domain.Message) (domain.Message, error) {
	for attempt := 0; attempt < maxAppendAttempts; attempt++ {
		_, lastSeq, err := s.getMeta(ctx, msg.ConversationID)
		if err != nil {
			return domain.Message{}, fmt.Errorf("repository: AppendMessage read meta: %w", err)
		}

		now := s.now()
		next := msg
		next.ID = lastSeq + 1
		next.CreatedAt = now
		item, err := messageItem(next)
		if err != nil {
			return domain.Message{}, fmt.Errorf("repository: AppendMessage: %w", err)
		}

		_, err = s.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
			TransactItems: []types.TransactWriteItem{
				{
					Put: &types.Put{
						TableName:           aws.String(s.tableName),
						Item:                item,
						ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
					},
				},
				{
					Update: &types.Update{
						TableName:           aws.String(s.tableName),
						Key:                 metaKey(msg.ConversationID),
						UpdateExpression:    aws.String("SET messageCount = messageCount + :one, lastSeq = :next, updatedAt = :now"),
						ConditionExpression: aws.String("lastSeq = :last"),
						ExpressionAttributeValues: map[string]types.AttributeValue{
							":one":  &types.AttributeValueMemberN{Value: "1"},
							":next": numAttr(next.ID),
							":last": numAttr(lastSeq),
							":now":  &types.AttributeValueMemberS{Value: formatTime(now)},
						},
					},
				},
			},
		})
		if isTransactionCanceled(err) {
			continue
		}
		if err != nil {
			return domain.Message{}, fmt.Errorf("repository: AppendMessage: %w", err)
		}
		return next, nil
	}
	return domain.Message{}, fmt.Errorf("repository: AppendMessage: %w", domain.ErrConflict)
}

// RemoveLastMessage deletes the newest message with the given role and
// decrements messageCount, never below zero.
func (s *DynamoStore) RemoveLastMessage(ctx context.Context, conversationID string, role domain.Role) (bool, error) {
	in := &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		FilterExpression:       aws.String("#role = :role"),
		ExpressionAttributeNames: map[string]string{
			"#role": "role",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: convPK(conversationID)},
			":prefix": &types.AttributeValueMemberS{Value: skPrefixMsg},
			":role":   &types.AttributeValueMemberS{Value: string(role)},
		},
		ScanIndexForward: aws.Bool(false),
		ConsistentRead:   aws.Bool(true),
	}

	var target map[string]types.AttributeValue
	for target == nil {
		out, err := s.api.Query(ctx, in)
		if err != nil {
			return false, fmt.Errorf("repository: RemoveLastMessage query: %w", err)
		}
		if out == nil {
			break
		}
		if len(out.Items) > 0 {
			target = out.Items[0]
			break
		}
		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		in.ExclusiveStartKey = out.LastEvaluatedKey
	}
	if target == nil {
		return false, nil
	}

	conv, _, err := s.getMeta(ctx, conversationID)
	if err != nil {
		return false, fmt.Errorf("repository: RemoveLastMessage read meta: %w", err)
	}

	now := formatTime(s.now())
	update := &types.Update{
		TableName:        aws.String(s.tableName),
		Key:              metaKey(conversationID),
		UpdateExpression: aws.String("SET updatedAt = :now"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":now": &types.AttributeValueMemberS{Value: now},
		},
	}
	if conv.MessageCount > 0 {
		update.UpdateExpression = aws.String("SET messageCount = messageCount - :one, updatedAt = :now")
		update.ConditionExpression = aws.String("messageCount > :zero")
		update.ExpressionAttributeValues[":one"] = &types.AttributeValueMemberN{Value: "1"}
		update.ExpressionAttributeValues[":zero"] = &types.AttributeValueMemberN{Value: "0"}
	}

	_, err = s.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Delete: &types.Delete{
					TableName: aws.String(s.tableName),
					Key: map[string]types.AttributeValue{
						"PK": target["PK"],
						"SK": target["SK"],
					},
					ConditionExpression: aws.String("attribute_exists(SK)"),
				},
			},
			{Update: update},
		},
	})
	if err != nil {
		return false, fmt.Errorf("repository: RemoveLastMessage: %w", err)
	}
	return true, nil
}

func (s *DynamoStore) UpdateTitle(ctx context.Context, id, title string) error {
	_, err := s.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(s.tableName),
		Key:                 metaKey(id),
		UpdateExpression:    aws.String("SET title = :t, updatedAt = :now"),
		ConditionExpression: aws.String("attribute_exists(PK)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":t":   &types.AttributeValueMemberS{Value: title},
			":now": &types.AttributeValueMemberS{Value: formatTime(s.now())},
		},
	})
	if isConditionFailed(err) {
		return fmt.Errorf("repository: UpdateTitle: %w", domain.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("repository: UpdateTitle: %w", err)
	}
	return nil
}

// DeleteConversation removes every item in the conversation's partition.
func (s *DynamoStore) DeleteConversation(ctx context.Context, id string) error {
	items, err := s.queryAll(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		KeyConditionExpression: aws.String("PK = :pk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: convPK(id)},
		},
		ProjectionExpression: aws.String("PK, SK"),
		ConsistentRead:       aws.Bool(true),
	})
	if err != nil {
		return fmt.Errorf("repository: DeleteConversation query: %w", err)
	}
	if len(items) == 0 {
		return fmt.Errorf("repository: DeleteConversation: %w", domain.ErrNotFound)
	}

	// Messages first so a partial failure never leaves orphans without a META#.
	sort.SliceStable(items, func(i, j int) bool {
		return skOf(items[i]) != skMeta && skOf(items[j]) == skMeta
	})
	for start := 0; start < len(items); start += batchWriteLimit {
		end := start + batchWriteLimit
		if end > len(items) {
			end = len(items)
		}
		reqs := make([]types.WriteRequest, 0, end-start)
		for _, item := range items[start:end] {
			reqs = append(reqs, types.WriteRequest{
				DeleteRequest: &types.DeleteRequest{Key: map[string]types.AttributeValue{"PK": item["PK"], "SK": item["SK"]}},
			})
		}
		if err := s.batchDelete(ctx, reqs); err != nil {
			return fmt.Errorf("repository: DeleteConversation: %w", err)
		}
	}
	return nil
}

func (s *DynamoStore) batchDelete(ctx context.Context, reqs []types.WriteRequest) error {
	pending := map[string][]types.WriteRequest{s.tableName: reqs}
	for attempt := 0; attempt < maxBatchRetries && len(pending[s.tableName]) > 0; attempt++ {
		out, err := s.api.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{RequestItems: pending})
		if err != nil {
			return err
		}
		if out == nil {
			return nil
		}
		pending = out.UnprocessedItems
	}
	if len(pending[s.tableName]) > 0 {
		return fmt.Errorf("%d delete requests left unprocessed", len(pending[s.tableName]))
	}
	return nil
}

func skOf(item map[string]types.AttributeValue) string {
	sk, _ := strAttr(item, "SK")
	return sk
}

func metaItem(conv domain.Conversation, lastSeq int64) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":             &types.AttributeValueMemberS{Value: convPK(conv.ID)},
		"SK":             &types.AttributeValueMemberS{Value: skMeta},
		"conversationId": &types.AttributeValueMemberS{Value: conv.ID},
		"corpId":         &types.AttributeValueMemberS{Value: conv.CorpID},
		"employeeId":     &types.AttributeValueMemberS{Value: conv.EmployeeID},
		"userName":       &types.AttributeValueMemberS{Value: conv.UserName},
		"department":     &types.AttributeValueMemberS{Value: conv.Department},
		"title":          &types.AttributeValueMemberS{Value: conv.Title},
		"messageCount":   numAttr(int64(conv.MessageCount)),
		"lastSeq":        numAttr(lastSeq),
		"createdAt":      &types.AttributeValueMemberS{Value: formatTime(conv.CreatedAt)},
		"updatedAt":      &types.AttributeValueMemberS{Value: formatTime(conv.UpdatedAt)},
	}
}

func itemToConversation(item map[string]types.AttributeValue) (domain.Conversation, int64, error) {
	id, err := strAttr(item, "conversationId")
	if err != nil {
		return domain.Conversation{}, 0, err
	}
	employeeID, err := strAttr(item, "employeeId")
	if err != nil {
		return domain.Conversation{}, 0, err
	}
	count, err := intAttr(item, "messageCount")
	if err != nil {
		return domain.Conversation{}, 0, err
	}
	lastSeq, err := intAttr(item, "lastSeq")
	if err != nil {
		return domain.Conversation{}, 0, err
	}
	createdAt, err := timeAttr(item, "createdAt")
	if err != nil {
		return domain.Conversation{}, 0, err
	}
	updatedAt, err := timeAttr(item, "updatedAt")
	if err != nil {
		return domain.Conversation{}, 0, err
	}
	corpID, _ := strAttr(item, "corpId")
	userName, _ := strAttr(item, "userName")
	department, _ := strAttr(item, "department")
	title, _ := strAttr(item, "title")

	return domain.Conversation{
		ID:           id,
		CorpID:       corpID,
		EmployeeID:   employeeID,
		UserName:     userName,
		Department:   department,
		Title:        title,
		MessageCount: int(count),
		CreatedAt:    createdAt,
		UpdatedAt:    updatedAt,
	}, lastSeq, nil
}

func messageItem(msg domain.Message) (map[string]types.AttributeValue, error) {
	item := map[string]types.AttributeValue{
		"PK":             &types.AttributeValueMemberS{Value: convPK(msg.ConversationID)},
		"SK":             &types.AttributeValueMemberS{Value: msgSK(msg.ID)},
		"messageId":      numAttr(msg.ID),
		"conversationId": &types.AttributeValueMemberS{Value: msg.ConversationID},
		"role":           &types.AttributeValueMemberS{Value: string(msg.Role)},
		"content":        &types.AttributeValueMemberS{Value: msg.Content},
		"createdAt":      &types.AttributeValueMemberS{Value: formatTime(msg.CreatedAt)},
	}
	meta, err := encodeMetadata(msg.Metadata)
	if err != nil {
		return nil, err
	}
	if meta != nil {
		item["metadata"] = &types.AttributeValueMemberS{Value: string(meta)}
	}
	return item, nil
}

// itemToMessage converts a DynamoDB attribute map to a Message.
func itemToMessage(item map[string]types.AttributeValue) (domain.Message, error) {
	id, err := intAttr(item, "messageId")
	if err != nil {
		return domain.Message{}, err
	}
	conversationID, err := strAttr(item, "conversationId")
	if err != nil {
		return domain.Message{}, err
	}
	role, err := strAttr(item, "role")
	if err != nil {
		return domain.Message{}, err
	}
	content, _ := strAttr(item, "content") // allow empty
	createdAt, err := timeAttr(item, "createdAt")
	if err != nil {
		return domain.Message{}, err
	}

	var meta *domain.MessageMetadata
	if raw, err := strAttr(item, "metadata"); err == nil {
		if meta, err = decodeMetadata([]byte(raw)); err != nil {
			return domain.Message{}, err
		}
	}

	return domain.Message{
		ID:             id,
		ConversationID: conversationID,
		Role:           domain.Role(role),
		Content:        content,
		Metadata:       meta,
		CreatedAt:      createdAt,
	}, nil
}

func numAttr(n int64) *types.AttributeValueMemberN {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(n, 10)}
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

func intAttr(item map[string]types.AttributeValue, key string) (int64, error) {
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
