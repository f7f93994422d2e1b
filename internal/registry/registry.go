package registry

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"agent-relay/internal/domain"
)

const (
	skSession = "SESSION#"
	skDedup   = "DEDUP#"

	defaultRecordTTL = 7 * 24 * time.Hour
	defaultLockTTL   = 15 * time.Minute
	defaultDedupTTL  = 10 * time.Minute
)

var (
	// ErrNotFound is returned when no live session record exists for a
	// conversation identity. Records past their TTL read as absent even if
	// DynamoDB has not reclaimed them yet.
	ErrNotFound = errors.New("registry: session record not found")

	// ErrLockHeld is returned when another worker holds an unexpired lock on
	// the record. Contention, not failure: the caller defers via redelivery.
	ErrLockHeld = errors.New("registry: session lock held")
)

// dynamodbAPI is the minimal DynamoDB interface required by Client.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
}

// Client wraps a DynamoDB table holding session records, their advisory
// locks, and webhook deduplication markers.
type Client struct {
	api       dynamodbAPI
	tableName string
	recordTTL time.Duration
	dedupTTL  time.Duration

	now func() time.Time
}

type Option func(*Client)

// WithRecordTTL overrides the session record time-to-live. It must stay
// strictly shorter than the blob bundle retention window.
func WithRecordTTL(d time.Duration) Option {
	return func(c *Client) {
		c.recordTTL = d
	}
}

// WithDedupTTL overrides the webhook dedup marker time-to-live.
func WithDedupTTL(d time.Duration) Option {
	return func(c *Client) {
		c.dedupTTL = d
	}
}

// New creates a registry Client.
func New(api dynamodbAPI, tableName string, opts ...Option) (*Client, error) {
	if api == nil {
		return nil, errors.New("registry: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("registry: table name must not be empty")
	}
	c := &Client{
		api:       api,
		tableName: tableName,
		recordTTL: defaultRecordTTL,
		dedupTTL:  defaultDedupTTL,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// convPK returns the partition key for a conversation identity.
func convPK(id domain.ConversationIdentity) string {
	return "CONV#" + id.Key()
}

func sessionKey(id domain.ConversationIdentity) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: convPK(id)},
		"SK": &types.AttributeValueMemberS{Value: skSession},
	}
}

// Get reads the session record for a conversation identity with a consistent
// read. Expired records are reported as ErrNotFound so a stale entry never
// resumes a dead session.
func (c *Client) Get(ctx context.Context, id domain.ConversationIdentity) (domain.SessionRecord, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.tableName),
		Key:            sessionKey(id),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.SessionRecord{}, fmt.Errorf("registry: Get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.SessionRecord{}, ErrNotFound
	}

	rec, err := itemToRecord(id, out.Item)
	if err != nil {
		return domain.SessionRecord{}, fmt.Errorf("registry: Get decode: %w", err)
	}
	if rec.ExpiresAt != 0 && rec.ExpiresAt <= c.now().Unix() {
		return domain.SessionRecord{}, ErrNotFound
	}
	if rec.SessionID == "" {
		// Lock-only record left by an attempt that never completed.
		return domain.SessionRecord{}, ErrNotFound
	}
	return rec, nil
}

// AcquireLock sets the lock token and expiry on the record in a single
// conditional write: it succeeds only when no unexpired lock is present.
// The item is created if it does not exist yet. This is the pipeline's sole
// cross-process exclusion primitive; it is never implemented as a read
// followed by a write.
func (c *Client) AcquireLock(ctx context.Context, id domain.ConversationIdentity, token string, lockTTL time.Duration) error {
	if strings.TrimSpace(token) == "" {
		return errors.New("registry: lock token must not be empty")
	}
	if lockTTL <= 0 {
		lockTTL = defaultLockTTL
	}
	now := c.now()

	_, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(c.tableName),
		Key:                 sessionKey(id),
		UpdateExpression:    aws.String("SET lockToken = :token, lockExpiresAt = :exp"),
		ConditionExpression: aws.String("attribute_not_exists(lockToken) OR lockExpiresAt < :now"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":token": &types.AttributeValueMemberS{Value: token},
			":exp":   numberAttr(now.Add(lockTTL).Unix()),
			":now":   numberAttr(now.Unix()),
		},
	})
	if err != nil {
		if isConditionalCheckFailed(err) {
			return ErrLockHeld
		}
		return fmt.Errorf("registry: AcquireLock: %w", err)
	}
	return nil
}

// ReleaseLock clears the lock fields if the caller still owns the lock. A
// stale token (lock expired and taken over by another worker) is not an
// error; the later owner's lock must not be disturbed.
func (c *Client) ReleaseLock(ctx context.Context, id domain.ConversationIdentity, token string) error {
	_, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(c.tableName),
		Key:                 sessionKey(id),
		UpdateExpression:    aws.String("REMOVE lockToken, lockExpiresAt"),
		ConditionExpression: aws.String("lockToken = :token"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":token": &types.AttributeValueMemberS{Value: token},
		},
	})
	if err != nil {
		if isConditionalCheckFailed(err) {
			return nil
		}
		return fmt.Errorf("registry: ReleaseLock: %w", err)
	}
	return nil
}

// SaveSession writes the session mapping and refreshes the record TTL after
// a successful processing attempt.
func (c *Client) SaveSession(ctx context.Context, id domain.ConversationIdentity, sessionID string) error {
	if strings.TrimSpace(sessionID) == "" {
		return errors.New("registry: session ID must not be empty")
	}
	now := c.now()

	_, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(c.tableName),
		Key:              sessionKey(id),
		UpdateExpression: aws.String("SET sessionId = :sid, lastActiveAt = :active, expiresAt = :ttl"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":sid":    &types.AttributeValueMemberS{Value: sessionID},
			":active": &types.AttributeValueMemberS{Value: now.UTC().Format(time.RFC3339)},
			":ttl":    numberAttr(now.Add(c.recordTTL).Unix()),
		},
	})
	if err != nil {
		return fmt.Errorf("registry: SaveSession: %w", err)
	}
	return nil
}

// CheckDuplicate records a webhook delivery marker and reports whether the
// same chat/message pair was already seen. A store error fails open: better
// to risk one duplicate turn than to drop a message.
func (c *Client) CheckDuplicate(ctx context.Context, chatID, messageID int64) (bool, error) {
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.tableName),
		Item: map[string]types.AttributeValue{
			"PK":        &types.AttributeValueMemberS{Value: fmt.Sprintf("MSG#%d:%d", chatID, messageID)},
			"SK":        &types.AttributeValueMemberS{Value: skDedup},
			"expiresAt": numberAttr(c.now().Add(c.dedupTTL).Unix()),
		},
		ConditionExpression: aws.String("attribute_not_exists(PK)"),
	})
	if err != nil {
		if isConditionalCheckFailed(err) {
			return true, nil
		}
		return false, fmt.Errorf("registry: CheckDuplicate: %w", err)
	}
	return false, nil
}

func isConditionalCheckFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}

func numberAttr(n int64) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(n, 10)}
}

func itemToRecord(id domain.ConversationIdentity, item map[string]types.AttributeValue) (domain.SessionRecord, error) {
	rec := domain.SessionRecord{Identity: id}

	if v, ok := item["sessionId"].(*types.AttributeValueMemberS); ok {
		rec.SessionID = v.Value
	}
	if v, ok := item["lockToken"].(*types.AttributeValueMemberS); ok {
		rec.LockToken = v.Value
	}
	if v, ok := item["lastActiveAt"].(*types.AttributeValueMemberS); ok {
		t, err := time.Parse(time.RFC3339, v.Value)
		if err != nil {
			return domain.SessionRecord{}, fmt.Errorf("parse lastActiveAt: %w", err)
		}
		rec.LastActiveAt = t
	}

	var err error
	if rec.ExpiresAt, err = optionalNumber(item, "expiresAt"); err != nil {
		return domain.SessionRecord{}, err
	}
	if rec.LockExpiresAt, err = optionalNumber(item, "lockExpiresAt"); err != nil {
		return domain.SessionRecord{}, err
	}
	return rec, nil
}

func optionalNumber(item map[string]types.AttributeValue, key string) (int64, error) {
	v, ok := item[key]
	if !ok {
		return 0, nil
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("attribute %q is not a number", key)
	}
	parsed, err := strconv.ParseInt(n.Value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse attribute %q: %w", key, err)
	}
	return parsed, nil
}
