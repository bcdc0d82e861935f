// Package dynamo implements the repository ports on DynamoDB. Each entity
// gets its own table named <prefix>-<collection> with the entity id as the
// partition key. Filters translate to server-side filter expressions; results
// are walked with the scan paginator, then ordered and paged client side
// because the tables carry no range key.
package dynamo

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
)

// API is the subset of the DynamoDB client the stores call. Tests substitute
// a fake; production wires *dynamodb.Client.
type API interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	BatchWriteItem(ctx context.Context, params *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
}

// DefaultTablePrefix is used when the storage config does not set one.
const DefaultTablePrefix = "hostbroker"

const (
	requestsTable  = "requests"
	machinesTable  = "machines"
	templatesTable = "templates"
)

// tableName joins the configured prefix with the collection suffix.
func tableName(prefix, suffix string) string {
	if prefix == "" {
		prefix = DefaultTablePrefix
	}
	return prefix + "-" + suffix
}
