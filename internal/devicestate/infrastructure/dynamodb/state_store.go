package dynamodb

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	devicestate "rvm-cloud/internal/devicestate/domain"
)

const (
	metaSortKey       = "META"
	stateSortPrefix   = "STATE#"
	assistSortPrefix  = "ASSIST#"
	defaultAssistLast = 50
)

// API is the subset of the DynamoDB client used by the store.
type API interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

// NewClient builds a DynamoDB client from the default AWS credential chain.
// A non-empty endpoint points the client at a local emulator.
func NewClient(ctx context.Context, region, endpoint string) (*dynamodb.Client, error) {
	var opts []func(*config.LoadOptions) error
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("dynamodb: load aws config: %w", err)
	}
	return dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	}), nil
}

// StateStore keeps devices in a single table keyed by (pk, sk). Every item of
// a device shares pk; the sort key separates the device record, the sub-states
// and the assistant requests.
type StateStore struct {
	client     API
	table      string
	assistLast int
	now        func() time.Time
}

// NewStateStore constructs a store.
func NewStateStore(client API, table string) (*StateStore, error) {
	if client == nil {
		return nil, errors.New("dynamodb state store: nil client")
	}
	if strings.TrimSpace(table) == "" {
		return nil, errors.New("dynamodb state store: table name is required")
	}
	return &StateStore{
		client:     client,
		table:      table,
		assistLast: defaultAssistLast,
		now:        func() time.Time { return time.Now().UTC() },
	}, nil
}

type deviceItem struct {
	PK           string    `dynamodbav:"pk"`
	SK           string    `dynamodbav:"sk"`
	SerialNumber string    `dynamodbav:"serial_number"`
	RVMType      string    `dynamodbav:"rvm_type"`
	CustomerID   string    `dynamodbav:"customer_id,omitempty"`
	LocationName string    `dynamodbav:"location_name,omitempty"`
	CreatedAt    time.Time `dynamodbav:"created_at"`
	UpdatedAt    time.Time `dynamodbav:"updated_at"`
}

type subStateItem struct {
	PK           string   `dynamodbav:"pk"`
	SK           string   `dynamodbav:"sk"`
	Kind         string   `dynamodbav:"kind"`
	Slot         string   `dynamodbav:"slot"`
	Status       string   `dynamodbav:"status"`
	Reason       string   `dynamodbav:"reason"`
	Details      []string `dynamodbav:"details"`
	ObservedAtNs int64    `dynamodbav:"observed_at_ns"`
	UpdatedAtNs  int64    `dynamodbav:"updated_at_ns"`
	EventID      string   `dynamodbav:"event_id"`
}

type assistantItem struct {
	PK            string `dynamodbav:"pk"`
	SK            string `dynamodbav:"sk"`
	RequestedAtNs int64  `dynamodbav:"requested_at_ns"`
	ReceivedAtNs  int64  `dynamodbav:"received_at_ns"`
	EventID       string `dynamodbav:"event_id,omitempty"`
}

// EnsureDevice upserts the device record. The device id is the partition key.
func (s *StateStore) EnsureDevice(ctx context.Context, key devicestate.DeviceKey, location *devicestate.Location) (*devicestate.Device, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	now := s.now()
	set := []string{
		"serial_number = :serial",
		"rvm_type = :type",
		"created_at = if_not_exists(created_at, :now)",
		"updated_at = :now",
	}
	values := map[string]types.AttributeValue{
		":serial": &types.AttributeValueMemberS{Value: key.SerialNumber},
		":type":   &types.AttributeValueMemberS{Value: key.Type},
		":now":    &types.AttributeValueMemberS{Value: now.Format(time.RFC3339Nano)},
	}
	if location != nil && location.CustomerID != "" {
		set = append(set, "customer_id = :customer")
		values[":customer"] = &types.AttributeValueMemberS{Value: location.CustomerID}
	}
	if location != nil && location.Name != "" {
		set = append(set, "location_name = :location")
		values[":location"] = &types.AttributeValueMemberS{Value: location.Name}
	}

	out, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.table),
		Key:                       itemKey(partitionKey(key), metaSortKey),
		UpdateExpression:          aws.String("SET " + strings.Join(set, ", ")),
		ExpressionAttributeValues: values,
		ReturnValues:              types.ReturnValueAllNew,
	})
	if err != nil {
		return nil, fmt.Errorf("dynamodb state store: ensure device: %w", err)
	}
	var item deviceItem
	if err := attributevalue.UnmarshalMap(out.Attributes, &item); err != nil {
		return nil, fmt.Errorf("dynamodb state store: decode device: %w", err)
	}
	device := item.toDevice()
	return &device, nil
}

// ApplySubState writes update under a conditional expression so an older
// observation never overwrites a newer one.
func (s *StateStore) ApplySubState(ctx context.Context, deviceID string, update devicestate.SubStateUpdate) (bool, error) {
	if deviceID == "" {
		return false, errors.New("dynamodb state store: empty device id")
	}
	if err := update.Validate(); err != nil {
		return false, err
	}
	details := make([]string, 0, len(update.Details))
	for _, reason := range update.Details {
		details = append(details, string(reason))
	}
	detailsValue, err := attributevalue.Marshal(details)
	if err != nil {
		return false, err
	}

	_, err = s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(s.table),
		Key:                 itemKey(deviceID, subStateSortKey(update.Kind, update.Slot)),
		ConditionExpression: aws.String("attribute_not_exists(observed_at_ns) OR observed_at_ns <= :observed"),
		UpdateExpression: aws.String(`SET
			kind = :kind,
			slot = :slot,
			#status = :status,
			reason = :reason,
			details = :details,
			observed_at_ns = :observed,
			updated_at_ns = :updated,
			event_id = :event`),
		ExpressionAttributeNames: map[string]string{
			"#status": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":kind":     &types.AttributeValueMemberS{Value: string(update.Kind)},
			":slot":     &types.AttributeValueMemberS{Value: update.Slot},
			":status":   &types.AttributeValueMemberS{Value: update.Status},
			":reason":   &types.AttributeValueMemberS{Value: update.Reason},
			":details":  detailsValue,
			":observed": &types.AttributeValueMemberN{Value: strconv.FormatInt(update.ObservedAt.UnixNano(), 10)},
			":updated":  &types.AttributeValueMemberN{Value: strconv.FormatInt(s.now().UnixNano(), 10)},
			":event":    &types.AttributeValueMemberS{Value: update.EventID},
		},
	})
	if err != nil {
		var conditional *types.ConditionalCheckFailedException
		if errors.As(err, &conditional) {
			return false, nil
		}
		return false, fmt.Errorf("dynamodb state store: apply %s: %w", update.Kind, err)
	}
	return true, nil
}

// AppendAssistantRequest puts req once per (device, requested time).
func (s *StateStore) AppendAssistantRequest(ctx context.Context, deviceID string, req devicestate.AssistantRequest) (bool, error) {
	if deviceID == "" {
		return false, errors.New("dynamodb state store: empty device id")
	}
	if req.RequestedAt.IsZero() {
		return false, errors.New("dynamodb state store: zero requested time")
	}
	receivedAt := req.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = s.now()
	}
	item, err := attributevalue.MarshalMap(assistantItem{
		PK:            deviceID,
		SK:            assistantSortKey(req.RequestedAt),
		RequestedAtNs: req.RequestedAt.UnixNano(),
		ReceivedAtNs:  receivedAt.UnixNano(),
		EventID:       req.EventID,
	})
	if err != nil {
		return false, fmt.Errorf("dynamodb state store: marshal assistant request: %w", err)
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.table),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(sk)"),
	})
	if err != nil {
		var conditional *types.ConditionalCheckFailedException
		if errors.As(err, &conditional) {
			return false, nil
		}
		return false, fmt.Errorf("dynamodb state store: append assistant request: %w", err)
	}
	return true, nil
}

// GetState queries every item of the device partition.
func (s *StateStore) GetState(ctx context.Context, key devicestate.DeviceKey) (*devicestate.DeviceState, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	paginator := dynamodb.NewQueryPaginator(s.client, &dynamodb.QueryInput{
		TableName:              aws.String(s.table),
		KeyConditionExpression: aws.String("pk = :pk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: partitionKey(key)},
		},
	})

	var state *devicestate.DeviceState
	var subStates []devicestate.SubState
	var requests []devicestate.AssistantRequest
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("dynamodb state store: query device: %w", err)
		}
		for _, raw := range page.Items {
			sk := stringAttr(raw, "sk")
			switch {
			case sk == metaSortKey:
				var item deviceItem
				if err := attributevalue.UnmarshalMap(raw, &item); err != nil {
					return nil, err
				}
				state = &devicestate.DeviceState{Device: item.toDevice()}
			case strings.HasPrefix(sk, stateSortPrefix):
				var item subStateItem
				if err := attributevalue.UnmarshalMap(raw, &item); err != nil {
					return nil, err
				}
				subStates = append(subStates, item.toSubState())
			case strings.HasPrefix(sk, assistSortPrefix):
				var item assistantItem
				if err := attributevalue.UnmarshalMap(raw, &item); err != nil {
					return nil, err
				}
				requests = append(requests, devicestate.AssistantRequest{
					RequestedAt: time.Unix(0, item.RequestedAtNs).UTC(),
					ReceivedAt:  time.Unix(0, item.ReceivedAtNs).UTC(),
					EventID:     item.EventID,
				})
			}
		}
	}
	if state == nil {
		return nil, nil
	}
	for _, sub := range subStates {
		state.Set(sub)
	}
	sort.Slice(state.Bins, func(i, j int) bool { return state.Bins[i].Slot < state.Bins[j].Slot })
	sort.Slice(requests, func(i, j int) bool { return requests[i].RequestedAt.After(requests[j].RequestedAt) })
	if len(requests) > s.assistLast {
		requests = requests[:s.assistLast]
	}
	state.AssistantRequests = requests
	return state, nil
}

// ListDevices scans the device records.
func (s *StateStore) ListDevices(ctx context.Context) ([]devicestate.Device, error) {
	paginator := dynamodb.NewScanPaginator(s.client, &dynamodb.ScanInput{
		TableName:        aws.String(s.table),
		FilterExpression: aws.String("sk = :meta"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":meta": &types.AttributeValueMemberS{Value: metaSortKey},
		},
	})
	var result []devicestate.Device
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("dynamodb state store: scan devices: %w", err)
		}
		var items []deviceItem
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &items); err != nil {
			return nil, err
		}
		for _, item := range items {
			result = append(result, item.toDevice())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Key.SerialNumber != result[j].Key.SerialNumber {
			return result[i].Key.SerialNumber < result[j].Key.SerialNumber
		}
		return result[i].Key.Type < result[j].Key.Type
	})
	return result, nil
}

func (item deviceItem) toDevice() devicestate.Device {
	return devicestate.Device{
		ID:        item.PK,
		Key:       devicestate.DeviceKey{SerialNumber: item.SerialNumber, Type: item.RVMType},
		Location:  devicestate.Location{CustomerID: item.CustomerID, Name: item.LocationName},
		CreatedAt: item.CreatedAt.UTC(),
		UpdatedAt: item.UpdatedAt.UTC(),
	}
}

func (item subStateItem) toSubState() devicestate.SubState {
	var details []devicestate.DetailReason
	for _, value := range item.Details {
		details = append(details, devicestate.DetailReason(value))
	}
	return devicestate.SubState{
		Kind:       devicestate.SubStateKind(item.Kind),
		Slot:       item.Slot,
		Status:     item.Status,
		Reason:     item.Reason,
		Details:    details,
		ObservedAt: time.Unix(0, item.ObservedAtNs).UTC(),
		UpdatedAt:  time.Unix(0, item.UpdatedAtNs).UTC(),
		EventID:    item.EventID,
	}
}

// partitionKey escapes '#' in both key parts so distinct keys never collide.
func partitionKey(key devicestate.DeviceKey) string {
	escape := strings.NewReplacer(`\`, `\\`, "#", `\#`)
	return "DEVICE#" + escape.Replace(key.SerialNumber) + "#" + escape.Replace(key.Type)
}

func subStateSortKey(kind devicestate.SubStateKind, slot string) string {
	return stateSortPrefix + string(kind) + "#" + slot
}

// assistantSortKey zero pads so lexical order matches time order.
func assistantSortKey(t time.Time) string {
	return fmt.Sprintf("%s%020d", assistSortPrefix, t.UnixNano())
}

func itemKey(pk, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"pk": &types.AttributeValueMemberS{Value: pk},
		"sk": &types.AttributeValueMemberS{Value: sk},
	}
}

func stringAttr(item map[string]types.AttributeValue, name string) string {
	if value, ok := item[name].(*types.AttributeValueMemberS); ok {
		return value.Value
	}
	return ""
}
