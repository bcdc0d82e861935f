package dynamo

import (
	"context"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"go.uber.org/zap"

	"hostbroker/internal/domain/machine"
	"hostbroker/internal/domain/request"
	"hostbroker/internal/domain/shared"
	"hostbroker/internal/domain/template"
	"hostbroker/internal/errors"
	"hostbroker/internal/repository"
)

func storageError(err error, table, operation string) error {
	return errors.Internal(errors.CodeRepositoryError, "dynamodb operation failed").
		WithOperation(operation).
		WithResource(table).
		WithCause(err).
		Build()
}

func keyOf(id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"entity_id": &types.AttributeValueMemberS{Value: id},
	}
}

// conditionSet accumulates optional filter conditions into one AND chain.
type conditionSet struct {
	cond expression.ConditionBuilder
	has  bool
}

func (c *conditionSet) add(cond expression.ConditionBuilder) {
	if c.has {
		c.cond = c.cond.And(cond)
	} else {
		c.cond = cond
		c.has = true
	}
}

// build produces the filter expression, or ok=false when no condition was
// added and the scan should run unfiltered.
func (c *conditionSet) build(table string) (expression.Expression, bool, error) {
	if !c.has {
		return expression.Expression{}, false, nil
	}
	expr, err := expression.NewBuilder().WithFilter(c.cond).Build()
	if err != nil {
		return expression.Expression{}, false, storageError(err, table, "build_filter")
	}
	return expr, true, nil
}

// scanAll walks every page of a filtered scan through the paginator.
func scanAll(ctx context.Context, client API, table string, expr expression.Expression, filtered bool) ([]map[string]types.AttributeValue, error) {
	input := &dynamodb.ScanInput{TableName: aws.String(table)}
	if filtered {
		input.FilterExpression = expr.Filter()
		input.ExpressionAttributeNames = expr.Names()
		input.ExpressionAttributeValues = expr.Values()
	}

	var items []map[string]types.AttributeValue
	paginator := dynamodb.NewScanPaginator(client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, storageError(err, table, "scan")
		}
		items = append(items, page.Items...)
	}
	return items, nil
}

// batchWrite pushes put requests in chunks of 25, retrying unprocessed items
// with a short backoff.
func batchWrite(ctx context.Context, client API, table string, requests []types.WriteRequest) error {
	const chunkSize = 25
	const maxRetries = 3

	for i := 0; i < len(requests); i += chunkSize {
		end := i + chunkSize
		if end > len(requests) {
			end = len(requests)
		}

		pending := requests[i:end]
		for attempt := 0; len(pending) > 0; attempt++ {
			if attempt >= maxRetries {
				return errors.Internal(errors.CodeRepositoryError, "batch write left unprocessed items").
					WithResource(table).
					WithDetailsf("%d items after %d attempts", len(pending), maxRetries).
					Build()
			}

			out, err := client.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{
				RequestItems: map[string][]types.WriteRequest{table: pending},
			})
			if err != nil {
				return storageError(err, table, "batch_write")
			}

			pending = out.UnprocessedItems[table]
			if len(pending) == 0 {
				break
			}
			backoff := time.Duration(attempt*attempt+1) * 100 * time.Millisecond
			select {
			case <-ctx.Done():
				return errors.FromContext(ctx.Err())
			case <-time.After(backoff):
			}
		}
	}
	return nil
}

// RequestStore is a DynamoDB-backed RequestRepository.
type RequestStore struct {
	client API
	table  string
	logger *zap.Logger
}

// NewRequestStore creates a request store on the <prefix>-requests table.
func NewRequestStore(client API, tablePrefix string, logger *zap.Logger) *RequestStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RequestStore{client: client, table: tableName(tablePrefix, requestsTable), logger: logger}
}

// Save upserts the request snapshot.
func (s *RequestStore) Save(ctx context.Context, req *request.Request) error {
	item, err := attributevalue.MarshalMap(requestItemFrom(req.Snapshot()))
	if err != nil {
		return errors.Internal(errors.CodeSerializationFailed, "failed to marshal request item").
			WithResource(req.RequestID().String()).
			WithCause(err).
			Build()
	}
	if _, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item:      item,
	}); err != nil {
		return storageError(err, s.table, "put_request")
	}
	s.logger.Debug("request saved",
		zap.String("request_id", req.RequestID().String()),
		zap.String("status", string(req.Status())))
	return nil
}

// GetByID returns the request, or nil when the id is unknown.
func (s *RequestStore) GetByID(ctx context.Context, id shared.RequestID) (*request.Request, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.table),
		Key:       keyOf(id.String()),
	})
	if err != nil {
		return nil, storageError(err, s.table, "get_request")
	}
	if len(out.Item) == 0 {
		return nil, nil
	}

	var it requestItem
	if err := attributevalue.UnmarshalMap(out.Item, &it); err != nil {
		return nil, errors.Internal(errors.CodeSerializationFailed, "failed to unmarshal request item").
			WithResource(s.table).
			WithCause(err).
			Build()
	}
	snap, err := it.snapshot(s.table)
	if err != nil {
		return nil, err
	}
	return request.FromSnapshot(snap)
}

func requestFilterExpr(f repository.RequestFilter, table string) (expression.Expression, bool, error) {
	var set conditionSet
	if f.Status != "" {
		set.add(expression.Name("status").Equal(expression.Value(string(f.Status))))
	}
	if f.RequestType != "" {
		set.add(expression.Name("request_type").Equal(expression.Value(string(f.RequestType))))
	}
	if f.ActiveOnly {
		set.add(expression.Name("status").In(
			expression.Value(string(request.StatusPending)),
			expression.Value(string(request.StatusInProgress)),
		))
	}
	return set.build(table)
}

// GetAll lists requests matching the filter. The filter runs server side; the
// creation-time ordering and the offset page are applied after the scan.
func (s *RequestStore) GetAll(ctx context.Context, filter repository.RequestFilter, page repository.Page) ([]*request.Request, error) {
	expr, filtered, err := requestFilterExpr(filter, s.table)
	if err != nil {
		return nil, err
	}
	items, err := scanAll(ctx, s.client, s.table, expr, filtered)
	if err != nil {
		return nil, err
	}

	snaps := make([]request.Snapshot, 0, len(items))
	for _, item := range items {
		var it requestItem
		if err := attributevalue.UnmarshalMap(item, &it); err != nil {
			return nil, errors.Internal(errors.CodeSerializationFailed, "failed to unmarshal request item").
				WithResource(s.table).
				WithCause(err).
				Build()
		}
		snap, err := it.snapshot(s.table)
		if err != nil {
			return nil, err
		}
		snaps = append(snaps, snap)
	}

	sort.Slice(snaps, func(i, j int) bool {
		if !snaps[i].CreatedAt.Equal(snaps[j].CreatedAt) {
			return snaps[i].CreatedAt.Before(snaps[j].CreatedAt)
		}
		return snaps[i].RequestID < snaps[j].RequestID
	})

	start, end := page.Bounds(len(snaps))
	out := make([]*request.Request, 0, end-start)
	for _, snap := range snaps[start:end] {
		req, err := request.FromSnapshot(snap)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, nil
}

// Delete removes the request; false when the id was not present.
func (s *RequestStore) Delete(ctx context.Context, id shared.RequestID) (bool, error) {
	out, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:    aws.String(s.table),
		Key:          keyOf(id.String()),
		ReturnValues: types.ReturnValueAllOld,
	})
	if err != nil {
		return false, storageError(err, s.table, "delete_request")
	}
	return len(out.Attributes) > 0, nil
}

// Exists reports whether the id is present.
func (s *RequestStore) Exists(ctx context.Context, id shared.RequestID) (bool, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:            aws.String(s.table),
		Key:                  keyOf(id.String()),
		ProjectionExpression: aws.String("entity_id"),
	})
	if err != nil {
		return false, storageError(err, s.table, "get_request")
	}
	return len(out.Item) > 0, nil
}

// FindByStatus lists requests in the given status.
func (s *RequestStore) FindByStatus(ctx context.Context, status request.Status) ([]*request.Request, error) {
	return s.GetAll(ctx, repository.RequestFilter{Status: status}, repository.Page{})
}

// FindActive lists requests that have not reached a terminal state.
func (s *RequestStore) FindActive(ctx context.Context) ([]*request.Request, error) {
	return s.GetAll(ctx, repository.RequestFilter{ActiveOnly: true}, repository.Page{})
}

// MachineStore is a DynamoDB-backed MachineRepository.
type MachineStore struct {
	client API
	table  string
	logger *zap.Logger
}

// NewMachineStore creates a machine store on the <prefix>-machines table.
func NewMachineStore(client API, tablePrefix string, logger *zap.Logger) *MachineStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MachineStore{client: client, table: tableName(tablePrefix, machinesTable), logger: logger}
}

// Save upserts the machine snapshot.
func (s *MachineStore) Save(ctx context.Context, m *machine.Machine) error {
	item, err := attributevalue.MarshalMap(machineItemFrom(m.Snapshot()))
	if err != nil {
		return errors.Internal(errors.CodeSerializationFailed, "failed to marshal machine item").
			WithResource(m.MachineID().String()).
			WithCause(err).
			Build()
	}
	if _, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item:      item,
	}); err != nil {
		return storageError(err, s.table, "put_machine")
	}
	s.logger.Debug("machine saved",
		zap.String("machine_id", m.MachineID().String()),
		zap.String("status", string(m.Status())))
	return nil
}

// SaveAll upserts machines through batched writes.
func (s *MachineStore) SaveAll(ctx context.Context, machines []*machine.Machine) error {
	if len(machines) == 0 {
		return nil
	}
	requests := make([]types.WriteRequest, 0, len(machines))
	for _, m := range machines {
		item, err := attributevalue.MarshalMap(machineItemFrom(m.Snapshot()))
		if err != nil {
			return errors.Internal(errors.CodeSerializationFailed, "failed to marshal machine item").
				WithResource(m.MachineID().String()).
				WithCause(err).
				Build()
		}
		requests = append(requests, types.WriteRequest{PutRequest: &types.PutRequest{Item: item}})
	}
	if err := batchWrite(ctx, s.client, s.table, requests); err != nil {
		return err
	}
	s.logger.Debug("machines saved", zap.Int("count", len(machines)))
	return nil
}

// GetByID returns the machine, or nil when the id is unknown.
func (s *MachineStore) GetByID(ctx context.Context, id shared.MachineID) (*machine.Machine, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.table),
		Key:       keyOf(id.String()),
	})
	if err != nil {
		return nil, storageError(err, s.table, "get_machine")
	}
	if len(out.Item) == 0 {
		return nil, nil
	}

	var it machineItem
	if err := attributevalue.UnmarshalMap(out.Item, &it); err != nil {
		return nil, errors.Internal(errors.CodeSerializationFailed, "failed to unmarshal machine item").
			WithResource(s.table).
			WithCause(err).
			Build()
	}
	snap, err := it.snapshot(s.table)
	if err != nil {
		return nil, err
	}
	return machine.FromSnapshot(snap)
}

func machineFilterExpr(f repository.MachineFilter, table string) (expression.Expression, bool, error) {
	var set conditionSet
	if f.Status != "" {
		set.add(expression.Name("status").Equal(expression.Value(string(f.Status))))
	}
	if f.RequestID != "" {
		set.add(expression.Name("request_id").Equal(expression.Value(f.RequestID)))
	}
	if f.TemplateID != "" {
		set.add(expression.Name("template_id").Equal(expression.Value(f.TemplateID)))
	}
	if len(f.ProviderInstanceIDs) > 0 {
		ops := make([]expression.OperandBuilder, 0, len(f.ProviderInstanceIDs))
		for _, id := range f.ProviderInstanceIDs {
			if id != "" {
				ops = append(ops, expression.Value(id))
			}
		}
		if len(ops) > 0 {
			set.add(expression.Name("provider_instance_id").In(ops[0], ops[1:]...))
		}
	}
	return set.build(table)
}

// GetAll lists machines matching the filter. The filter runs server side; the
// creation-time ordering and the offset page are applied after the scan.
func (s *MachineStore) GetAll(ctx context.Context, filter repository.MachineFilter, page repository.Page) ([]*machine.Machine, error) {
	expr, filtered, err := machineFilterExpr(filter, s.table)
	if err != nil {
		return nil, err
	}
	items, err := scanAll(ctx, s.client, s.table, expr, filtered)
	if err != nil {
		return nil, err
	}

	snaps := make([]machine.Snapshot, 0, len(items))
	for _, item := range items {
		var it machineItem
		if err := attributevalue.UnmarshalMap(item, &it); err != nil {
			return nil, errors.Internal(errors.CodeSerializationFailed, "failed to unmarshal machine item").
				WithResource(s.table).
				WithCause(err).
				Build()
		}
		snap, err := it.snapshot(s.table)
		if err != nil {
			return nil, err
		}
		snaps = append(snaps, snap)
	}

	sort.Slice(snaps, func(i, j int) bool {
		if !snaps[i].CreatedAt.Equal(snaps[j].CreatedAt) {
			return snaps[i].CreatedAt.Before(snaps[j].CreatedAt)
		}
		return snaps[i].MachineID < snaps[j].MachineID
	})

	start, end := page.Bounds(len(snaps))
	out := make([]*machine.Machine, 0, end-start)
	for _, snap := range snaps[start:end] {
		m, err := machine.FromSnapshot(snap)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// Delete removes the machine; false when the id was not present.
func (s *MachineStore) Delete(ctx context.Context, id shared.MachineID) (bool, error) {
	out, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:    aws.String(s.table),
		Key:          keyOf(id.String()),
		ReturnValues: types.ReturnValueAllOld,
	})
	if err != nil {
		return false, storageError(err, s.table, "delete_machine")
	}
	return len(out.Attributes) > 0, nil
}

// Exists reports whether the id is present.
func (s *MachineStore) Exists(ctx context.Context, id shared.MachineID) (bool, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:            aws.String(s.table),
		Key:                  keyOf(id.String()),
		ProjectionExpression: aws.String("entity_id"),
	})
	if err != nil {
		return false, storageError(err, s.table, "get_machine")
	}
	return len(out.Item) > 0, nil
}

// FindByRequest lists machines owned by the given request.
func (s *MachineStore) FindByRequest(ctx context.Context, requestID shared.RequestID) ([]*machine.Machine, error) {
	return s.GetAll(ctx, repository.MachineFilter{RequestID: requestID.String()}, repository.Page{})
}

// FindByProviderInstanceIDs lists machines whose provider instance id is in
// the given set.
func (s *MachineStore) FindByProviderInstanceIDs(ctx context.Context, providerIDs []string) ([]*machine.Machine, error) {
	if len(providerIDs) == 0 {
		return []*machine.Machine{}, nil
	}
	return s.GetAll(ctx, repository.MachineFilter{ProviderInstanceIDs: providerIDs}, repository.Page{})
}

// FindByStatus lists machines in the given status.
func (s *MachineStore) FindByStatus(ctx context.Context, status machine.Status) ([]*machine.Machine, error) {
	return s.GetAll(ctx, repository.MachineFilter{Status: status}, repository.Page{})
}

// TemplateStore is a DynamoDB-backed TemplateRepository.
type TemplateStore struct {
	client API
	table  string
	logger *zap.Logger
}

// NewTemplateStore creates a template store on the <prefix>-templates table.
func NewTemplateStore(client API, tablePrefix string, logger *zap.Logger) *TemplateStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TemplateStore{client: client, table: tableName(tablePrefix, templatesTable), logger: logger}
}

// Save upserts the template definition.
func (s *TemplateStore) Save(ctx context.Context, t *template.Template) error {
	it, err := templateItemFrom(t.Snapshot(), t.Version())
	if err != nil {
		return err
	}
	item, err := attributevalue.MarshalMap(it)
	if err != nil {
		return errors.Internal(errors.CodeSerializationFailed, "failed to marshal template item").
			WithResource(t.TemplateID().String()).
			WithCause(err).
			Build()
	}
	if _, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item:      item,
	}); err != nil {
		return storageError(err, s.table, "put_template")
	}
	s.logger.Debug("template saved", zap.String("template_id", t.TemplateID().String()))
	return nil
}

// GetByID returns the template, or nil when the id is unknown.
func (s *TemplateStore) GetByID(ctx context.Context, id shared.TemplateID) (*template.Template, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.table),
		Key:       keyOf(id.String()),
	})
	if err != nil {
		return nil, storageError(err, s.table, "get_template")
	}
	if len(out.Item) == 0 {
		return nil, nil
	}

	var it templateItem
	if err := attributevalue.UnmarshalMap(out.Item, &it); err != nil {
		return nil, errors.Internal(errors.CodeSerializationFailed, "failed to unmarshal template item").
			WithResource(s.table).
			WithCause(err).
			Build()
	}
	def, err := it.definition(s.table)
	if err != nil {
		return nil, err
	}
	return template.Restore(def, it.Version)
}

func templateFilterExpr(f repository.TemplateFilter, table string) (expression.Expression, bool, error) {
	var set conditionSet
	if f.ProviderAPI != "" {
		set.add(expression.Name("provider_api").Equal(expression.Value(f.ProviderAPI)))
	}
	if f.ActiveOnly {
		set.add(expression.Name("is_active").Equal(expression.Value(true)))
	}
	return set.build(table)
}

// GetAll lists templates matching the filter. The filter runs server side;
// the creation-time ordering and the offset page are applied after the scan.
func (s *TemplateStore) GetAll(ctx context.Context, filter repository.TemplateFilter, page repository.Page) ([]*template.Template, error) {
	expr, filtered, err := templateFilterExpr(filter, s.table)
	if err != nil {
		return nil, err
	}
	items, err := scanAll(ctx, s.client, s.table, expr, filtered)
	if err != nil {
		return nil, err
	}

	type record struct {
		def     template.Definition
		version int
	}
	recs := make([]record, 0, len(items))
	for _, item := range items {
		var it templateItem
		if err := attributevalue.UnmarshalMap(item, &it); err != nil {
			return nil, errors.Internal(errors.CodeSerializationFailed, "failed to unmarshal template item").
				WithResource(s.table).
				WithCause(err).
				Build()
		}
		def, err := it.definition(s.table)
		if err != nil {
			return nil, err
		}
		recs = append(recs, record{def: def, version: it.Version})
	}

	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].def.CreatedAt.Equal(recs[j].def.CreatedAt) {
			return recs[i].def.CreatedAt.Before(recs[j].def.CreatedAt)
		}
		return recs[i].def.TemplateID < recs[j].def.TemplateID
	})

	start, end := page.Bounds(len(recs))
	out := make([]*template.Template, 0, end-start)
	for _, rec := range recs[start:end] {
		t, err := template.Restore(rec.def, rec.version)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// Delete removes the template; false when the id was not present.
func (s *TemplateStore) Delete(ctx context.Context, id shared.TemplateID) (bool, error) {
	out, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:    aws.String(s.table),
		Key:          keyOf(id.String()),
		ReturnValues: types.ReturnValueAllOld,
	})
	if err != nil {
		return false, storageError(err, s.table, "delete_template")
	}
	return len(out.Attributes) > 0, nil
}

// Exists reports whether the id is present.
func (s *TemplateStore) Exists(ctx context.Context, id shared.TemplateID) (bool, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:            aws.String(s.table),
		Key:                  keyOf(id.String()),
		ProjectionExpression: aws.String("entity_id"),
	})
	if err != nil {
		return false, storageError(err, s.table, "get_template")
	}
	return len(out.Item) > 0, nil
}

// FindByProviderAPI lists templates targeting the given provider API.
func (s *TemplateStore) FindByProviderAPI(ctx context.Context, providerAPI string) ([]*template.Template, error) {
	return s.GetAll(ctx, repository.TemplateFilter{ProviderAPI: providerAPI}, repository.Page{})
}

// NewStores bundles the DynamoDB backend over one client and table prefix.
func NewStores(client API, tablePrefix string, logger *zap.Logger) *repository.Stores {
	return &repository.Stores{
		Requests:  NewRequestStore(client, tablePrefix, logger),
		Machines:  NewMachineStore(client, tablePrefix, logger),
		Templates: NewTemplateStore(client, tablePrefix, logger),
	}
}
