// Package dynamostore implements storage.Port on a DynamoDB table keyed by
// the string attribute "id". Deleted pastes keep their item with a
// retired_at attribute so the id is never handed out again.
package dynamostore

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"pastebin/internal/expiry"
	"pastebin/internal/storage"
)

// MaxPayload keeps an item under DynamoDB's 400 KB item limit.
const MaxPayload = 350 * 1024

// Options configures Open.
type Options struct {
	Table    string
	Region   string
	Endpoint string
	// CreateTable creates the table on Open when it does not exist.
	CreateTable bool
}

// Store implements storage.Port backed by DynamoDB.
type Store struct {
	client *dynamodb.Client
	table  string
}

var (
	_ storage.Port           = (*Store)(nil)
	_ storage.PayloadLimiter = (*Store)(nil)
)

// Open loads the default AWS configuration and returns a Store for opts.Table.
func Open(ctx context.Context, opts Options) (*Store, error) {
	var loaders []func(*config.LoadOptions) error
	if opts.Region != "" {
		loaders = append(loaders, config.WithRegion(opts.Region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, loaders...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
	})

	store := &Store{client: client, table: opts.Table}
	if opts.CreateTable {
		if err := store.ensureTable(ctx); err != nil {
			return nil, err
		}
	}
	return store, nil
}

func (s *Store) ensureTable(ctx context.Context) error {
	_, err := s.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(s.table)})
	if err == nil {
		return nil
	}
	var notFound *types.ResourceNotFoundException
	if !errors.As(err, &notFound) {
		return fmt.Errorf("describe table: %w", err)
	}

	_, err = s.client.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName: aws.String(s.table),
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String("id"), AttributeType: types.ScalarAttributeTypeS},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String("id"), KeyType: types.KeyTypeHash},
		},
		BillingMode: types.BillingModePayPerRequest,
	})
	if err != nil {
		return fmt.Errorf("create table: %w", err)
	}
	waiter := dynamodb.NewTableExistsWaiter(s.client)
	if err := waiter.Wait(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(s.table)}, time.Minute); err != nil {
		return fmt.Errorf("wait for table: %w", err)
	}
	return nil
}

// MaxPayloadBytes reports the largest payload an item can carry.
func (s *Store) MaxPayloadBytes() int64 { return MaxPayload }

// InsertIfAbsent puts the item only when no item with the id exists.
func (s *Store) InsertIfAbsent(ctx context.Context, id string, meta storage.Metadata, payload []byte) error {
	if payload == nil {
		payload = []byte{}
	}
	item := map[string]types.AttributeValue{
		"id":           &types.AttributeValueMemberS{Value: id},
		"payload":      &types.AttributeValueMemberB{Value: payload},
		"content_type": &types.AttributeValueMemberS{Value: meta.ContentType},
		"created_at":   numberAttr(meta.CreatedAt.UTC().UnixMilli()),
	}
	if meta.FileName != "" {
		item["file_name"] = &types.AttributeValueMemberS{Value: meta.FileName}
	}
	if at, ok := meta.ExpiresAt.Time(); ok {
		item["expires_at"] = numberAttr(at.UnixMilli())
	}

	_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.table),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(id)"),
	})
	if err != nil {
		if isConditionFailed(err) {
			return storage.ErrConflict
		}
		return fmt.Errorf("put paste: %w", err)
	}
	return nil
}

// Get reads a live item with a strongly consistent read.
func (s *Store) Get(ctx context.Context, id string) (*storage.Record, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            keyOf(id),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get paste: %w", err)
	}
	if out.Item == nil {
		return nil, storage.ErrNotFound
	}
	if _, retired := out.Item["retired_at"]; retired {
		return nil, storage.ErrNotFound
	}
	return itemToRecord(id, out.Item)
}

// Delete retires a live item, dropping its payload and expiry.
func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(s.table),
		Key:                 keyOf(id),
		ConditionExpression: aws.String("attribute_exists(id) AND attribute_not_exists(retired_at)"),
		UpdateExpression:    aws.String("SET retired_at = :now REMOVE payload, expires_at"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":now": numberAttr(time.Now().UTC().UnixMilli()),
		},
	})
	if err != nil {
		if isConditionFailed(err) {
			return false, nil
		}
		return false, fmt.Errorf("retire paste: %w", err)
	}
	return true, nil
}

// ScanExpired runs a filtered table scan one page at a time.
func (s *Store) ScanExpired(ctx context.Context, now time.Time) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		paginator := dynamodb.NewScanPaginator(s.client, &dynamodb.ScanInput{
			TableName:            aws.String(s.table),
			ConsistentRead:       aws.Bool(true),
			ProjectionExpression: aws.String("id"),
			FilterExpression:     aws.String("attribute_not_exists(retired_at) AND expires_at <= :cutoff"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":cutoff": numberAttr(now.UTC().UnixMilli()),
			},
		})
		for paginator.HasMorePages() {
			page, err := paginator.NextPage(ctx)
			if err != nil {
				yield("", fmt.Errorf("scan expired: %w", err))
				return
			}
			for _, item := range page.Items {
				attr, ok := item["id"].(*types.AttributeValueMemberS)
				if !ok {
					continue
				}
				if !yield(attr.Value, nil) {
					return
				}
			}
		}
	}
}

// Close is a no-op; the SDK client holds no resources that need releasing.
func (s *Store) Close() error {
	return nil
}

func itemToRecord(id string, item map[string]types.AttributeValue) (*storage.Record, error) {
	rec := &storage.Record{
		ID:       id,
		Metadata: storage.Metadata{ExpiresAt: expiry.Never()},
		Payload:  []byte{},
	}
	if v, ok := item["payload"].(*types.AttributeValueMemberB); ok && v.Value != nil {
		rec.Payload = v.Value
	}
	if v, ok := item["content_type"].(*types.AttributeValueMemberS); ok {
		rec.ContentType = v.Value
	}
	if v, ok := item["file_name"].(*types.AttributeValueMemberS); ok {
		rec.FileName = v.Value
	}
	created, err := numberValue(item, "created_at")
	if err != nil {
		return nil, err
	}
	rec.CreatedAt = time.UnixMilli(created).UTC()
	if _, ok := item["expires_at"]; ok {
		ms, err := numberValue(item, "expires_at")
		if err != nil {
			return nil, err
		}
		rec.ExpiresAt = expiry.At(time.UnixMilli(ms))
	}
	return rec, nil
}

func numberValue(item map[string]types.AttributeValue, name string) (int64, error) {
	v, ok := item[name].(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("attribute %s missing or not a number", name)
	}
	n, err := strconv.ParseInt(v.Value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", name, err)
	}
	return n, nil
}

func numberAttr(n int64) *types.AttributeValueMemberN {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(n, 10)}
}

func keyOf(id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"id": &types.AttributeValueMemberS{Value: id},
	}
}

func isConditionFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}
