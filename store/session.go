package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/Yulian302/lfusys-services-transfer/apperror"
	"github.com/Yulian302/lfusys-services-transfer/models"
	"github.com/Yulian302/lfusys-services-transfer/retries"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

const ownerStateIndex = "owner_id-state-index"

// header attributes, everything except the chunk map
var headerAttributes = []string{
	"session_id", "owner_id", "direction", "resource_name", "declared_size",
	"chunk_size", "total_chunks", "state", "created_at", "completed_at",
	"expires_at", "staging_path", "final_artifact_id", "content_hash",
	"assembly_claimed_at", "source_path", "source_file_id", "failure_reason",
}

type SessionStoreImpl struct {
	client    *dynamodb.Client
	tableName string
}

func NewSessionStoreImpl(client *dynamodb.Client, tableName string) *SessionStoreImpl {
	return &SessionStoreImpl{
		client:    client,
		tableName: tableName,
	}
}

func (s *SessionStoreImpl) IsReady(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 1*time.Second)
	defer cancel()

	return retries.Retry(
		ctx,
		retries.HealthAttempts,
		retries.HealthBaseDelay,
		func() error {
			_, err := s.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
				TableName: aws.String(s.tableName),
			})

			return err
		},
		retries.IsRetriableDbError,
	)
}

func (s *SessionStoreImpl) Name() string {
	return "SessionStore[dynamodb]"
}

func sessionKey(sessionID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"session_id": &types.AttributeValueMemberS{Value: sessionID},
	}
}

func headerProjection() (string, map[string]string) {
	names := make(map[string]string, len(headerAttributes))
	placeholders := make([]string, len(headerAttributes))
	for i, attr := range headerAttributes {
		p := "#h" + strconv.Itoa(i)
		names[p] = attr
		placeholders[i] = p
	}
	return strings.Join(placeholders, ", "), names
}

func (s *SessionStoreImpl) CreateSession(ctx context.Context, session models.TransferSession) error {
	item, err := attributevalue.MarshalMap(session)
	if err != nil {
		return err
	}
	item["chunks"] = &types.AttributeValueMemberM{Value: map[string]types.AttributeValue{}}
	item["completed_count"] = &types.AttributeValueMemberN{Value: "0"}

	return retries.Retry(
		ctx,
		retries.DefaultAttempts,
		retries.DefaultBaseDelay,
		func() error {
			_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
				TableName:           aws.String(s.tableName),
				Item:                item,
				ConditionExpression: aws.String("attribute_not_exists(session_id)"),
			})
			return err
		},
		retries.IsRetriableDbError,
	)
}

func (s *SessionStoreImpl) getItem(ctx context.Context, sessionID, projection string, names map[string]string) (map[string]types.AttributeValue, error) {
	var item map[string]types.AttributeValue

	err := retries.Retry(
		ctx,
		retries.DefaultAttempts,
		retries.DefaultBaseDelay,
		func() error {
			in := &dynamodb.GetItemInput{
				TableName:      aws.String(s.tableName),
				Key:            sessionKey(sessionID),
				ConsistentRead: aws.Bool(true),
			}
			if projection != "" {
				in.ProjectionExpression = aws.String(projection)
				in.ExpressionAttributeNames = names
			}
			out, err := s.client.GetItem(ctx, in)
			if err != nil {
				return err
			}

			if out.Item == nil {
				return apperror.ErrSessionNotFound
			}

			item = out.Item
			return nil
		},
		retries.IsRetriableDbError,
	)

	return item, err
}

func (s *SessionStoreImpl) GetSession(ctx context.Context, sessionID string) (*models.TransferSession, error) {
	projection, names := headerProjection()
	item, err := s.getItem(ctx, sessionID, projection, names)
	if err != nil {
		return nil, err
	}

	var session models.TransferSession
	if err = attributevalue.UnmarshalMap(item, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

type progressItem struct {
	SessionId    string              `dynamodbav:"session_id"`
	OwnerId      string              `dynamodbav:"owner_id"`
	Direction    models.Direction    `dynamodbav:"direction"`
	State        models.SessionState `dynamodbav:"state"`
	DeclaredSize int64               `dynamodbav:"declared_size"`
	ChunkSize    int64               `dynamodbav:"chunk_size"`
	TotalChunks  uint32              `dynamodbav:"total_chunks"`
	ChunkIndices []uint32            `dynamodbav:"chunk_indices,numberset"`
}

func (s *SessionStoreImpl) GetProgress(ctx context.Context, sessionID string) (*models.SessionProgress, error) {
	item, err := s.getItem(ctx, sessionID,
		"session_id, owner_id, direction, #st, declared_size, chunk_size, total_chunks, chunk_indices",
		map[string]string{"#st": "state"},
	)
	if err != nil {
		return nil, err
	}

	var p progressItem
	if err = attributevalue.UnmarshalMap(item, &p); err != nil {
		return nil, fmt.Errorf("could not parse session progress: %w", err)
	}
	if _, err = models.ParseSessionState(string(p.State)); err != nil {
		return nil, fmt.Errorf("database contains invalid state: %w", err)
	}

	completed := p.ChunkIndices
	if completed == nil {
		completed = []uint32{}
	}
	sort.Slice(completed, func(i, j int) bool { return completed[i] < completed[j] })

	return &models.SessionProgress{
		SessionId:    p.SessionId,
		OwnerId:      p.OwnerId,
		Direction:    p.Direction,
		State:        p.State,
		DeclaredSize: p.DeclaredSize,
		ChunkSize:    p.ChunkSize,
		TotalChunks:  p.TotalChunks,
		Completed:    completed,
	}, nil
}

func (s *SessionStoreImpl) ListChunks(ctx context.Context, sessionID string) ([]models.ChunkDescriptor, error) {
	item, err := s.getItem(ctx, sessionID, "#c", map[string]string{"#c": "chunks"})
	if err != nil {
		return nil, err
	}

	var byIndex map[string]models.ChunkDescriptor
	if av, ok := item["chunks"]; ok {
		if err = attributevalue.Unmarshal(av, &byIndex); err != nil {
			return nil, fmt.Errorf("could not parse chunks: %w", err)
		}
	}

	chunks := make([]models.ChunkDescriptor, 0, len(byIndex))
	for _, c := range byIndex {
		chunks = append(chunks, c)
	}
	sort.Slice(chunks, func(i, j int) bool { return chunks[i].Index < chunks[j].Index })
	return chunks, nil
}

func (s *SessionStoreImpl) HasChunk(ctx context.Context, sessionID string, index uint32) (bool, error) {
	item, err := s.getItem(ctx, sessionID, "#c.#idx", map[string]string{
		"#c":   "chunks",
		"#idx": strconv.FormatUint(uint64(index), 10),
	})
	if err != nil {
		return false, err
	}
	chunks, ok := item["chunks"].(*types.AttributeValueMemberM)
	if !ok {
		return false, nil
	}
	_, ok = chunks.Value[strconv.FormatUint(uint64(index), 10)]
	return ok, nil
}

func stateValues(prefix string, states []models.SessionState, values map[string]types.AttributeValue) string {
	placeholders := make([]string, len(states))
	for i, st := range states {
		p := ":" + prefix + strconv.Itoa(i)
		values[p] = &types.AttributeValueMemberS{Value: st.String()}
		placeholders[i] = p
	}
	return strings.Join(placeholders, ", ")
}

// AppendChunk is a single conditional UpdateItem. On a failed condition the
// old item comes back with the error, which tells a lost race on the same
// index apart from a state change.
func (s *SessionStoreImpl) AppendChunk(ctx context.Context, sessionID string, chunk models.ChunkDescriptor, accepting []models.SessionState) (models.AppendResult, error) {
	if len(accepting) == 0 {
		return 0, errors.New("no accepting states given")
	}

	desc, err := attributevalue.Marshal(chunk)
	if err != nil {
		return 0, err
	}
	idx := strconv.FormatUint(uint64(chunk.Index), 10)

	values := map[string]types.AttributeValue{
		":desc":   desc,
		":idxset": &types.AttributeValueMemberNS{Value: []string{idx}},
		":one":    &types.AttributeValueMemberN{Value: "1"},
	}
	in := stateValues("s", accepting, values)

	_, err = s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(s.tableName),
		Key:              sessionKey(sessionID),
		UpdateExpression: aws.String("SET #c.#idx = :desc ADD chunk_indices :idxset, completed_count :one"),
		ConditionExpression: aws.String(
			"attribute_exists(session_id) AND attribute_not_exists(#c.#idx) AND #st IN (" + in + ")",
		),
		ExpressionAttributeNames: map[string]string{
			"#c":   "chunks",
			"#idx": idx,
			"#st":  "state",
		},
		ExpressionAttributeValues:           values,
		ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
	})
	if err == nil {
		return models.ChunkRecorded, nil
	}

	var ccf *types.ConditionalCheckFailedException
	if !errors.As(err, &ccf) {
		return 0, mapWriteError(err)
	}
	if len(ccf.Item) == 0 {
		return 0, apperror.ErrSessionNotFound
	}
	if chunks, ok := ccf.Item["chunks"].(*types.AttributeValueMemberM); ok {
		if _, present := chunks.Value[idx]; present {
			return models.ChunkAlreadyPresent, nil
		}
	}
	return 0, apperror.NewInvalidState("record chunk for", stateOf(ccf.Item))
}

func (s *SessionStoreImpl) Transition(ctx context.Context, sessionID string, t models.Transition) (*models.TransferSession, error) {
	values := map[string]types.AttributeValue{
		":to": &types.AttributeValueMemberS{Value: t.To.String()},
	}
	sets := []string{"#st = :to"}

	if t.CompletedAt != nil {
		av, err := attributevalue.Marshal(*t.CompletedAt)
		if err != nil {
			return nil, err
		}
		values[":cat"] = av
		sets = append(sets, "completed_at = :cat")
	}
	if t.FinalArtifactId != "" {
		values[":fa"] = &types.AttributeValueMemberS{Value: t.FinalArtifactId}
		sets = append(sets, "final_artifact_id = :fa")
	}
	if t.ContentHash != "" {
		values[":ch"] = &types.AttributeValueMemberS{Value: t.ContentHash}
		sets = append(sets, "content_hash = :ch")
	}
	if t.FailureReason != "" {
		values[":fr"] = &types.AttributeValueMemberS{Value: t.FailureReason}
		sets = append(sets, "failure_reason = :fr")
	}

	cond := "attribute_exists(session_id) AND #st IN (" + stateValues("f", t.From, values) + ")"
	if t.Unclaimed {
		cond += " AND attribute_not_exists(assembly_claimed_at)"
	}

	out, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                           aws.String(s.tableName),
		Key:                                 sessionKey(sessionID),
		UpdateExpression:                    aws.String("SET " + strings.Join(sets, ", ")),
		ConditionExpression:                 aws.String(cond),
		ExpressionAttributeNames:            map[string]string{"#st": "state"},
		ExpressionAttributeValues:           values,
		ReturnValues:                        types.ReturnValueAllNew,
		ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if !errors.As(err, &ccf) {
			return nil, mapWriteError(err)
		}
		if len(ccf.Item) == 0 {
			return nil, apperror.ErrSessionNotFound
		}
		st := stateOf(ccf.Item)
		if t.Unclaimed {
			if _, claimed := ccf.Item["assembly_claimed_at"]; claimed {
				st = "assembling"
			}
		}
		return nil, apperror.NewInvalidState("move to "+t.To.String(), st)
	}

	var session models.TransferSession
	if err = attributevalue.UnmarshalMap(out.Attributes, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

func (s *SessionStoreImpl) ClaimAssembly(ctx context.Context, sessionID string, at time.Time, accepting []models.SessionState) error {
	claimed, err := attributevalue.Marshal(at)
	if err != nil {
		return err
	}
	values := map[string]types.AttributeValue{":at": claimed}
	in := stateValues("s", accepting, values)

	_, err = s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(s.tableName),
		Key:              sessionKey(sessionID),
		UpdateExpression: aws.String("SET assembly_claimed_at = :at"),
		ConditionExpression: aws.String(
			"attribute_exists(session_id) AND attribute_not_exists(assembly_claimed_at) AND #st IN (" + in + ")",
		),
		ExpressionAttributeNames:            map[string]string{"#st": "state"},
		ExpressionAttributeValues:           values,
		ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
	})
	if err == nil {
		return nil
	}

	var ccf *types.ConditionalCheckFailedException
	if !errors.As(err, &ccf) {
		return mapWriteError(err)
	}
	if len(ccf.Item) == 0 {
		return apperror.ErrSessionNotFound
	}
	if _, ok := ccf.Item["assembly_claimed_at"]; ok {
		return ErrAlreadyClaimed
	}
	return apperror.NewInvalidState("complete", stateOf(ccf.Item))
}

func (s *SessionStoreImpl) ListByOwner(ctx context.Context, ownerID string, state models.SessionState) ([]models.TransferSession, error) {
	projection, names := headerProjection()
	names["#st"] = "state"
	values := map[string]types.AttributeValue{
		":o": &types.AttributeValueMemberS{Value: ownerID},
	}
	keyCond := "owner_id = :o"
	if state != "" {
		values[":s"] = &types.AttributeValueMemberS{Value: state.String()}
		keyCond += " AND #st = :s"
	}

	p := dynamodb.NewQueryPaginator(s.client, &dynamodb.QueryInput{
		TableName:                 aws.String(s.tableName),
		IndexName:                 aws.String(ownerStateIndex),
		KeyConditionExpression:    aws.String(keyCond),
		ProjectionExpression:      aws.String(projection),
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
	})

	sessions := []models.TransferSession{}
	for p.HasMorePages() {
		out, err := p.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		var page []models.TransferSession
		if err = attributevalue.UnmarshalListOfMaps(out.Items, &page); err != nil {
			return nil, err
		}
		sessions = append(sessions, page...)
	}
	return sessions, nil
}

func (s *SessionStoreImpl) ListExpired(ctx context.Context, now time.Time, limit int) ([]models.TransferSession, error) {
	projection, names := headerProjection()
	names["#exp"] = "expires_at"

	p := dynamodb.NewScanPaginator(s.client, &dynamodb.ScanInput{
		TableName:                aws.String(s.tableName),
		FilterExpression:         aws.String("#exp < :now"),
		ProjectionExpression:     aws.String(projection),
		ExpressionAttributeNames: names,
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":now": &types.AttributeValueMemberN{Value: strconv.FormatInt(now.Unix(), 10)},
		},
	})

	expired := []models.TransferSession{}
	for p.HasMorePages() && (limit <= 0 || len(expired) < limit) {
		out, err := p.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		var page []models.TransferSession
		if err = attributevalue.UnmarshalListOfMaps(out.Items, &page); err != nil {
			return nil, err
		}
		expired = append(expired, page...)
	}
	if limit > 0 && len(expired) > limit {
		expired = expired[:limit]
	}
	return expired, nil
}

func (s *SessionStoreImpl) Delete(ctx context.Context, sessionID string) error {
	return retries.Retry(
		ctx,
		retries.DefaultAttempts,
		retries.DefaultBaseDelay,
		func() error {
			_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
				TableName: aws.String(s.tableName),
				Key:       sessionKey(sessionID),
			})
			return err
		},
		retries.IsRetriableDbError,
	)
}

func stateOf(item map[string]types.AttributeValue) string {
	if st, ok := item["state"].(*types.AttributeValueMemberS); ok {
		return st.Value
	}
	return "unknown"
}

// mapWriteError turns contention into ErrConflict and passes everything else
// through untouched. An untouched error may mean the write was applied.
func mapWriteError(err error) error {
	var txConflict *types.TransactionConflictException
	if errors.As(err, &txConflict) {
		return fmt.Errorf("%w: %v", ErrConflict, err)
	}
	var throughput *types.ProvisionedThroughputExceededException
	if errors.As(err, &throughput) {
		return fmt.Errorf("%w: %v", ErrConflict, err)
	}
	var limit *types.RequestLimitExceeded
	if errors.As(err, &limit) {
		return fmt.Errorf("%w: %v", ErrConflict, err)
	}
	return err
}
