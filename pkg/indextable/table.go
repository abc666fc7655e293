// Package indextable stores the video index in DynamoDB. Items are keyed by
// camera_id (partition) and start_ts (sort).
package indextable

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"go.uber.org/zap"

	"github.com/aura-nvr/backend/internal/apperr"
	"github.com/aura-nvr/backend/internal/models"
	"github.com/aura-nvr/backend/pkg/awsclient"
)

const (
	attrCamera  = "camera_id"
	attrSortKey = "start_ts"
)

// item is the DynamoDB item layout.
type item struct {
	CameraID    string `dynamodbav:"camera_id"`
	StartTS     string `dynamodbav:"start_ts"`
	SiteID      string `dynamodbav:"site_id"`
	Sequence    int    `dynamodbav:"sequence"`
	S3Key       string `dynamodbav:"s3_key"`
	FileSize    int64  `dynamodbav:"file_size"`
	DurationSec *int   `dynamodbav:"duration_sec,omitempty"`
	CreatedAt   string `dynamodbav:"created_at"`
}

func toItem(e models.IndexEntry) item {
	return item{
		CameraID:    e.CameraID,
		StartTS:     e.SortKey,
		SiteID:      e.SiteID,
		Sequence:    e.Sequence,
		S3Key:       e.S3Key,
		FileSize:    e.FileSize,
		DurationSec: e.DurationSec,
		CreatedAt:   e.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func (it item) entry() (models.IndexEntry, error) {
	start, err := StartFromSortKey(it.StartTS)
	if err != nil {
		return models.IndexEntry{}, fmt.Errorf("bad sort key %q: %w", it.StartTS, err)
	}
	created, _ := time.Parse(time.RFC3339, it.CreatedAt)
	return models.IndexEntry{
		CameraID:    it.CameraID,
		SortKey:     it.StartTS,
		Start:       start,
		SiteID:      it.SiteID,
		Sequence:    it.Sequence,
		S3Key:       it.S3Key,
		FileSize:    it.FileSize,
		DurationSec: it.DurationSec,
		CreatedAt:   created,
	}, nil
}

// Table is the DynamoDB-backed index.
type Table struct {
	client *dynamodb.Client
	name   string
	logger *zap.Logger
}

// New creates the index table client.
func New(cfg aws.Config, name string, logger *zap.Logger) *Table {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Table{client: dynamodb.NewFromConfig(cfg), name: name, logger: logger}
}

// PutIfAbsent inserts e unless an item with the same primary key exists, in
// which case it returns apperr.ErrConditionFailed.
func (t *Table) PutIfAbsent(ctx context.Context, e models.IndexEntry) error {
	av, err := attributevalue.MarshalMap(toItem(e))
	if err != nil {
		return fmt.Errorf("marshal item: %w", err)
	}
	_, err = t.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(t.name),
		Item:                av,
		ConditionExpression: aws.String("attribute_not_exists(" + attrCamera + ")"),
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return fmt.Errorf("put %s/%s: %w", e.CameraID, e.SortKey, apperr.ErrConditionFailed)
		}
		return fmt.Errorf("put item: %w", awsclient.Classify(err))
	}
	return nil
}

// Get reads one entry with strong consistency.
func (t *Table) Get(ctx context.Context, cameraID, sortKey string) (*models.IndexEntry, error) {
	out, err := t.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(t.name),
		Key:            key(cameraID, sortKey),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get item: %w", awsclient.Classify(err))
	}
	if out.Item == nil {
		return nil, fmt.Errorf("entry %s/%s: %w", cameraID, sortKey, apperr.ErrNotFound)
	}
	var it item
	if err := attributevalue.UnmarshalMap(out.Item, &it); err != nil {
		return nil, fmt.Errorf("unmarshal item: %w", err)
	}
	e, err := it.entry()
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// Query returns up to r.Limit entries of one camera in ascending sort key order.
func (t *Table) Query(ctx context.Context, r Range) ([]models.IndexEntry, error) {
	lo, hi := r.Bounds()
	if r.After > hi {
		return nil, nil
	}
	input := &dynamodb.QueryInput{
		TableName:              aws.String(t.name),
		KeyConditionExpression: aws.String("#c = :c AND #s BETWEEN :lo AND :hi"),
		ExpressionAttributeNames: map[string]string{
			"#c": attrCamera,
			"#s": attrSortKey,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":c":  &types.AttributeValueMemberS{Value: r.CameraID},
			":lo": &types.AttributeValueMemberS{Value: lo},
			":hi": &types.AttributeValueMemberS{Value: hi},
		},
		ScanIndexForward: aws.Bool(true),
	}
	if r.After != "" && r.After >= lo {
		input.ExclusiveStartKey = key(r.CameraID, r.After)
	}

	var out []models.IndexEntry
	for {
		if r.Limit > 0 {
			input.Limit = aws.Int32(int32(r.Limit - len(out)))
		}
		page, err := t.client.Query(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("query %s: %w", r.CameraID, awsclient.Classify(err))
		}
		var items []item
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &items); err != nil {
			return nil, fmt.Errorf("unmarshal items: %w", err)
		}
		for _, it := range items {
			e, err := it.entry()
			if err != nil {
				t.logger.Warn("skipping malformed index item", zap.String("camera_id", it.CameraID), zap.Error(err))
				continue
			}
			out = append(out, e)
		}
		if page.LastEvaluatedKey == nil || (r.Limit > 0 && len(out) >= r.Limit) {
			return out, nil
		}
		input.ExclusiveStartKey = page.LastEvaluatedKey
	}
}

// Ping describes the table without reading items.
func (t *Table) Ping(ctx context.Context) error {
	out, err := t.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(t.name)})
	if err != nil {
		return fmt.Errorf("describe table: %w", awsclient.Classify(err))
	}
	if out.Table != nil && out.Table.TableStatus != types.TableStatusActive && out.Table.TableStatus != types.TableStatusUpdating {
		return fmt.Errorf("table %s is %s", t.name, out.Table.TableStatus)
	}
	return nil
}

// ItemCount returns the item count DynamoDB reports for the table. The value
// is refreshed by DynamoDB about every six hours.
func (t *Table) ItemCount(ctx context.Context) (int64, error) {
	out, err := t.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(t.name)})
	if err != nil {
		return 0, fmt.Errorf("describe table: %w", awsclient.Classify(err))
	}
	if out.Table == nil {
		return 0, nil
	}
	return aws.ToInt64(out.Table.ItemCount), nil
}

// EnsureTable creates the table with on-demand billing when it does not exist.
// Used against local emulators.
func (t *Table) EnsureTable(ctx context.Context) error {
	_, err := t.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(t.name)})
	if err == nil {
		return nil
	}
	if !errors.Is(awsclient.Classify(err), apperr.ErrNotFound) {
		return fmt.Errorf("describe table: %w", awsclient.Classify(err))
	}
	_, err = t.client.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName: aws.String(t.name),
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String(attrCamera), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String(attrSortKey), AttributeType: types.ScalarAttributeTypeS},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String(attrCamera), KeyType: types.KeyTypeHash},
			{AttributeName: aws.String(attrSortKey), KeyType: types.KeyTypeRange},
		},
		BillingMode: types.BillingModePayPerRequest,
	})
	if err != nil {
		return fmt.Errorf("create table: %w", awsclient.Classify(err))
	}
	t.logger.Info("created index table", zap.String("table", t.name))
	return nil
}

func key(cameraID, sortKey string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		attrCamera:  &types.AttributeValueMemberS{Value: cameraID},
		attrSortKey: &types.AttributeValueMemberS{Value: sortKey},
	}
}
