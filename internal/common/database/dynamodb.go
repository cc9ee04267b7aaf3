// internal/common/database/dynamodb.go
package database

import (
	"context"
	"fmt"

	"experiment-oracle/internal/common/config"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
)

// DynamoDBClient wraps the DynamoDB client together with the table it serves.
type DynamoDBClient struct {
	Client *dynamodb.Client
	Table  string
}

// NewDynamoDB loads the default AWS credential chain and creates a client.
func NewDynamoDB(ctx context.Context, cfg config.DynamoDBConfig) (*DynamoDBClient, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	return &DynamoDBClient{Client: dynamodb.NewFromConfig(awsCfg), Table: cfg.Table}, nil
}

// Ping checks that the table exists and is reachable.
func (c *DynamoDBClient) Ping(ctx context.Context) error {
	_, err := c.Client.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(c.Table)})
	if err != nil {
		return fmt.Errorf("dynamodb describe table %s: %w", c.Table, err)
	}
	return nil
}
