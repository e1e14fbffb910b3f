package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/ignite/audience-dispatch/internal/config"
	"github.com/ignite/audience-dispatch/internal/domain"
)

// S3API is the part of the S3 client the audit store uses.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// DynamoAPI is the part of the DynamoDB client the audit store uses.
type DynamoAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// AWSAuditStore stores the full report body in S3 and an index item in
// DynamoDB keyed by campaign.
type AWSAuditStore struct {
	s3        S3API
	dynamoDB  DynamoAPI
	bucket    string
	tableName string
	retention time.Duration
}

// repairItem is the DynamoDB index entry for one repair.
type repairItem struct {
	PK     string `dynamodbav:"PK"`
	SK     string `dynamodbav:"SK"`
	S3Key  string `dynamodbav:"S3Key"`
	Data   string `dynamodbav:"Data"`
	Reason string `dynamodbav:"Reason"`
	TTL    int64  `dynamodbav:"TTL,omitempty"`
}

// NewAWSAuditStore loads the default AWS config for cfg.Region, using the
// shared profile when one applies.
func NewAWSAuditStore(ctx context.Context, cfg config.AuditConfig) (*AWSAuditStore, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if profile := cfg.GetAWSProfile(); profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(profile))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	return NewAWSAuditStoreWithClients(s3.NewFromConfig(awsCfg), dynamodb.NewFromConfig(awsCfg), cfg), nil
}

// NewAWSAuditStoreWithClients wraps existing clients.
func NewAWSAuditStoreWithClients(s3Client S3API, dynamo DynamoAPI, cfg config.AuditConfig) *AWSAuditStore {
	return &AWSAuditStore{
		s3:        s3Client,
		dynamoDB:  dynamo,
		bucket:    cfg.S3Bucket,
		tableName: cfg.DynamoDBTable,
		retention: time.Duration(cfg.RetentionDays) * 24 * time.Hour,
	}
}

func campaignPK(campaignID string) string { return "CAMPAIGN#" + campaignID }

// RecordRepair uploads the report and indexes it.
func (s *AWSAuditStore) RecordRepair(ctx context.Context, r *domain.RepairReport) error {
	prepare(r)
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshaling repair report: %w", err)
	}

	key := fmt.Sprintf("repairs/%s/%s/%s.json", r.CheckedAt.UTC().Format("2006/01/02"), r.CampaignID, r.ID)
	if s.bucket != "" {
		_, err = s.s3.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(s.bucket),
			Key:         aws.String(key),
			Body:        bytes.NewReader(data),
			ContentType: aws.String("application/json"),
		})
		if err != nil {
			return fmt.Errorf("putting repair report to S3: %w", err)
		}
	} else {
		key = ""
	}

	item := repairItem{
		PK:     campaignPK(r.CampaignID),
		SK:     r.CheckedAt.UTC().Format(time.RFC3339Nano) + "#" + r.ID,
		S3Key:  key,
		Data:   string(data),
		Reason: r.Reason,
	}
	if s.retention > 0 {
		item.TTL = r.CheckedAt.Add(s.retention).Unix()
	}
	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return fmt.Errorf("marshaling repair item: %w", err)
	}
	_, err = s.dynamoDB.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item:      av,
	})
	if err != nil {
		return fmt.Errorf("saving repair item to DynamoDB: %w", err)
	}
	return nil
}

// ListRepairs queries the campaign's partition, newest first.
func (s *AWSAuditStore) ListRepairs(ctx context.Context, campaignID string) ([]domain.RepairReport, error) {
	result, err := s.dynamoDB.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		KeyConditionExpression: aws.String("PK = :pk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: campaignPK(campaignID)},
		},
		ScanIndexForward: aws.Bool(false),
	})
	if err != nil {
		return nil, fmt.Errorf("querying repairs from DynamoDB: %w", err)
	}

	reports := make([]domain.RepairReport, 0, len(result.Items))
	for _, av := range result.Items {
		var item repairItem
		if err := attributevalue.UnmarshalMap(av, &item); err != nil {
			continue
		}
		var r domain.RepairReport
		if err := json.Unmarshal([]byte(item.Data), &r); err != nil {
			continue
		}
		reports = append(reports, r)
	}
	sortNewestFirst(reports)
	return reports, nil
}
