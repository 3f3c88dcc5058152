package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"

	"tack-api/domain"
)

// Every column and task of a board lives in the board's partition of the
// entities table, so a move's shift set plus the entity's own update commit as
// one table transaction. A separate index table maps owners to their boards
// for listing.
const (
	boardRowKey     = "board"
	columnRowPrefix = "column:"
	taskRowPrefix   = "task:"

	// Azure table transactions accept at most 100 actions. Only board
	// archive/restore cascades realistically exceed this; those are chunked
	// and each chunk commits atomically.
	transactionLimit = 100
)

type queueClient interface {
	EnqueueMessage(ctx context.Context, content string, o *azqueue.EnqueueMessageOptions) (azqueue.EnqueueMessagesResponse, error)
}

// Storage provides access to underlying persistence mechanisms.
type Storage struct {
	entities         *aztables.Client
	boardsIndex      *aztables.Client
	activityQueue    queueClient
	queueConcurrency int
}

// New creates a Storage instance from the given connection string.
func New(connStr, entitiesTable, boardsTable, activityQueue string, queueConcurrency int) (*Storage, error) {
	tablesClientOptions := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute * 3,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 15,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &tablesClientOptions)
	if err != nil {
		return nil, err
	}
	queueClientOptions := azqueue.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    5,
				TryTimeout:    time.Minute * 5,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 60,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	aq, err := azqueue.NewQueueClientFromConnectionString(connStr, activityQueue, &queueClientOptions)
	if err != nil {
		return nil, err
	}
	if queueConcurrency <= 0 {
		queueConcurrency = queueConcurrencyForCPU(runtime.NumCPU())
	}
	return &Storage{
		entities:         svc.NewClient(entitiesTable),
		boardsIndex:      svc.NewClient(boardsTable),
		activityQueue:    aq,
		queueConcurrency: queueConcurrency,
	}, nil
}

const edmInt64 = "Edm.Int64"

type boardEntity struct {
	aztables.Entity
	ETag           string `json:"odata.etag,omitempty"`
	OwnerID        string `json:"OwnerId"`
	Title          string `json:"Title"`
	Archived       bool   `json:"Archived"`
	ArchivedAt     int64  `json:"ArchivedAt,string"`
	ArchivedAtType string `json:"ArchivedAt@odata.type,omitempty"`
}

type columnEntity struct {
	aztables.Entity
	ETag  string `json:"odata.etag,omitempty"`
	Title string `json:"Title"`
	Role  string `json:"Role,omitempty"`
	Order int    `json:"Order"`
}

type taskEntity struct {
	aztables.Entity
	ETag           string `json:"odata.etag,omitempty"`
	ColumnID       string `json:"ColumnId"`
	Title          string `json:"Title"`
	Notes          string `json:"Notes,omitempty"`
	DueDate        int64  `json:"DueDate,string"`
	DueDateType    string `json:"DueDate@odata.type,omitempty"`
	Priority       string `json:"Priority"`
	Order          int    `json:"Order"`
	Locked         bool   `json:"Locked"`
	LockedAt       int64  `json:"LockedAt,string"`
	LockedAtType   string `json:"LockedAt@odata.type,omitempty"`
	Archived       bool   `json:"Archived"`
	ArchivedAt     int64  `json:"ArchivedAt,string"`
	ArchivedAtType string `json:"ArchivedAt@odata.type,omitempty"`
}

func encodeBoard(b domain.Board) boardEntity {
	return boardEntity{
		Entity:         aztables.Entity{PartitionKey: b.ID, RowKey: boardRowKey},
		OwnerID:        b.OwnerID,
		Title:          b.Title,
		Archived:       b.Archived,
		ArchivedAt:     b.ArchivedAt,
		ArchivedAtType: edmInt64,
	}
}

func encodeColumn(c domain.Column) columnEntity {
	return columnEntity{
		Entity: aztables.Entity{PartitionKey: c.BoardID, RowKey: columnRowPrefix + c.ID},
		Title:  c.Title,
		Role:   string(c.Role),
		Order:  c.Order,
	}
}

func encodeTask(boardID string, t domain.Task) taskEntity {
	return taskEntity{
		Entity:         aztables.Entity{PartitionKey: boardID, RowKey: taskRowPrefix + t.ID},
		ColumnID:       t.ColumnID,
		Title:          t.Title,
		Notes:          t.Notes,
		DueDate:        t.DueDate,
		DueDateType:    edmInt64,
		Priority:       string(t.Priority),
		Order:          t.Order,
		Locked:         t.Locked,
		LockedAt:       t.LockedAt,
		LockedAtType:   edmInt64,
		Archived:       t.Archived,
		ArchivedAt:     t.ArchivedAt,
		ArchivedAtType: edmInt64,
	}
}

func decodeBoard(ent boardEntity) domain.Board {
	return domain.Board{
		ID:         ent.PartitionKey,
		OwnerID:    ent.OwnerID,
		Title:      ent.Title,
		Archived:   ent.Archived,
		ArchivedAt: ent.ArchivedAt,
		ETag:       ent.ETag,
	}
}

func decodeColumn(ent columnEntity) domain.Column {
	role := domain.ColumnRole(ent.Role)
	if role == "" {
		// Columns persisted before roles existed derive one from the legacy
		// title convention.
		role = domain.RoleForTitle(ent.Title)
	}
	return domain.Column{
		ID:      strings.TrimPrefix(ent.RowKey, columnRowPrefix),
		BoardID: ent.PartitionKey,
		Title:   ent.Title,
		Role:    role,
		Order:   ent.Order,
		ETag:    ent.ETag,
	}
}

func decodeTask(ent taskEntity) domain.Task {
	priority := domain.Priority(ent.Priority)
	if priority == "" {
		priority = domain.PriorityNormal
	}
	return domain.Task{
		ID:         strings.TrimPrefix(ent.RowKey, taskRowPrefix),
		ColumnID:   ent.ColumnID,
		Title:      ent.Title,
		Notes:      ent.Notes,
		DueDate:    ent.DueDate,
		Priority:   priority,
		Order:      ent.Order,
		Locked:     ent.Locked,
		LockedAt:   ent.LockedAt,
		Archived:   ent.Archived,
		ArchivedAt: ent.ArchivedAt,
		ETag:       ent.ETag,
	}
}

// Snapshot reads the whole board partition. Returns nil when no board row
// exists.
func (s *Storage) Snapshot(ctx context.Context, boardID string) (*domain.BoardSnapshot, error) {
	filter := "PartitionKey eq '" + boardID + "'"
	pager := s.entities.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	snap := &domain.BoardSnapshot{}
	found := false
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, raw := range resp.Entities {
			var keys aztables.Entity
			if err := json.Unmarshal(raw, &keys); err != nil {
				return nil, err
			}
			switch {
			case keys.RowKey == boardRowKey:
				var ent boardEntity
				if err := json.Unmarshal(raw, &ent); err != nil {
					return nil, err
				}
				snap.Board = decodeBoard(ent)
				found = true
			case strings.HasPrefix(keys.RowKey, columnRowPrefix):
				var ent columnEntity
				if err := json.Unmarshal(raw, &ent); err != nil {
					return nil, err
				}
				snap.Columns = append(snap.Columns, decodeColumn(ent))
			case strings.HasPrefix(keys.RowKey, taskRowPrefix):
				var ent taskEntity
				if err := json.Unmarshal(raw, &ent); err != nil {
					return nil, err
				}
				snap.Tasks = append(snap.Tasks, decodeTask(ent))
			}
		}
	}
	if !found {
		return nil, nil
	}
	return snap, nil
}

// ListBoards reads the owner's partition of the boards index table.
func (s *Storage) ListBoards(ctx context.Context, ownerID string) ([]domain.BoardRef, error) {
	filter := "PartitionKey eq '" + ownerID + "'"
	pager := s.boardsIndex.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	refs := []domain.BoardRef{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, raw := range resp.Entities {
			var ent struct {
				aztables.Entity
				Title string `json:"Title"`
			}
			if err := json.Unmarshal(raw, &ent); err != nil {
				return nil, err
			}
			refs = append(refs, domain.BoardRef{ID: ent.RowKey, Title: ent.Title})
		}
	}
	return refs, nil
}

// InsertBoard creates the board partition and its index row.
func (s *Storage) InsertBoard(ctx context.Context, snap domain.BoardSnapshot) error {
	actions := make([]aztables.TransactionAction, 0, 1+len(snap.Columns)+len(snap.Tasks))
	data, err := json.Marshal(encodeBoard(snap.Board))
	if err != nil {
		return err
	}
	actions = append(actions, aztables.TransactionAction{ActionType: aztables.TransactionTypeAdd, Entity: data})
	for _, col := range snap.Columns {
		data, err := json.Marshal(encodeColumn(col))
		if err != nil {
			return err
		}
		actions = append(actions, aztables.TransactionAction{ActionType: aztables.TransactionTypeAdd, Entity: data})
	}
	for _, task := range snap.Tasks {
		data, err := json.Marshal(encodeTask(snap.Board.ID, task))
		if err != nil {
			return err
		}
		actions = append(actions, aztables.TransactionAction{ActionType: aztables.TransactionTypeAdd, Entity: data})
	}
	if _, err := s.entities.SubmitTransaction(ctx, actions, nil); err != nil {
		return classifyWriteError(err)
	}

	index := map[string]any{
		"PartitionKey": snap.Board.OwnerID,
		"RowKey":       snap.Board.ID,
		"Title":        snap.Board.Title,
	}
	data, err = json.Marshal(index)
	if err != nil {
		return err
	}
	_, err = s.boardsIndex.AddEntity(ctx, data, nil)
	return err
}

// Apply submits the batch as table transactions against the board partition.
// ETag preconditions turn concurrent interleavings into
// ErrConcurrentMoveConflict instead of silent corruption.
func (s *Storage) Apply(ctx context.Context, batch domain.WriteBatch) error {
	actions, err := transactionActions(batch)
	if err != nil {
		return err
	}
	if len(actions) == 0 {
		return nil
	}
	if len(actions) <= transactionLimit {
		if _, err := s.entities.SubmitTransaction(ctx, actions, nil); err != nil {
			return classifyWriteError(err)
		}
		return nil
	}
	// Only board archive/restore cascades may span transactions: their task
	// updates are independent flag flips and the board row leads the first
	// chunk, so an interrupted cascade is completed by re-running it. A
	// shift set must never be split; half-applied shifts would break the
	// dense order without any precondition noticing.
	if batch.UpdateBoard == nil {
		return fmt.Errorf("write batch of %d actions exceeds the %d-action transaction limit", len(actions), transactionLimit)
	}
	for start := 0; start < len(actions); start += transactionLimit {
		end := start + transactionLimit
		if end > len(actions) {
			end = len(actions)
		}
		if _, err := s.entities.SubmitTransaction(ctx, actions[start:end], nil); err != nil {
			return classifyWriteError(err)
		}
	}
	return nil
}

func transactionActions(batch domain.WriteBatch) ([]aztables.TransactionAction, error) {
	var actions []aztables.TransactionAction

	add := func(v any) error {
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		actions = append(actions, aztables.TransactionAction{ActionType: aztables.TransactionTypeAdd, Entity: data})
		return nil
	}
	merge := func(m map[string]any, etag string) error {
		data, err := json.Marshal(m)
		if err != nil {
			return err
		}
		action := aztables.TransactionAction{ActionType: aztables.TransactionTypeUpdateMerge, Entity: data}
		if etag != "" {
			t := azcore.ETag(etag)
			action.IfMatch = &t
		}
		actions = append(actions, action)
		return nil
	}

	for _, col := range batch.InsertColumns {
		if err := add(encodeColumn(col)); err != nil {
			return nil, err
		}
	}
	for _, task := range batch.InsertTasks {
		if err := add(encodeTask(batch.BoardID, task)); err != nil {
			return nil, err
		}
	}
	// The board row leads so an archive/restore cascade that has to span
	// transactions commits the board state in the first chunk.
	if upd := batch.UpdateBoard; upd != nil {
		if err := merge(boardMerge(batch.BoardID, *upd), upd.ETag); err != nil {
			return nil, err
		}
	}
	for _, upd := range batch.UpdateColumns {
		if err := merge(columnMerge(batch.BoardID, upd), upd.ETag); err != nil {
			return nil, err
		}
	}
	for _, upd := range batch.UpdateTasks {
		if err := merge(taskMerge(batch.BoardID, upd), upd.ETag); err != nil {
			return nil, err
		}
	}
	for _, del := range batch.DeleteTasks {
		data, err := json.Marshal(aztables.Entity{PartitionKey: batch.BoardID, RowKey: taskRowPrefix + del.ID})
		if err != nil {
			return nil, err
		}
		action := aztables.TransactionAction{ActionType: aztables.TransactionTypeDelete, Entity: data}
		if del.ETag != "" {
			t := azcore.ETag(del.ETag)
			action.IfMatch = &t
		}
		actions = append(actions, action)
	}
	return actions, nil
}

func setInt64(m map[string]any, name string, v int64) {
	m[name] = strconv.FormatInt(v, 10)
	m[name+"@odata.type"] = edmInt64
}

func taskMerge(boardID string, upd domain.TaskUpdate) map[string]any {
	m := map[string]any{
		"PartitionKey": boardID,
		"RowKey":       taskRowPrefix + upd.ID,
	}
	if upd.ColumnID != nil {
		m["ColumnId"] = *upd.ColumnID
	}
	if upd.Title != nil {
		m["Title"] = *upd.Title
	}
	if upd.Notes != nil {
		m["Notes"] = *upd.Notes
	}
	if upd.DueDate != nil {
		setInt64(m, "DueDate", *upd.DueDate)
	}
	if upd.Priority != nil {
		m["Priority"] = string(*upd.Priority)
	}
	if upd.Order != nil {
		m["Order"] = *upd.Order
	}
	if upd.Locked != nil {
		m["Locked"] = *upd.Locked
	}
	if upd.LockedAt != nil {
		setInt64(m, "LockedAt", *upd.LockedAt)
	}
	if upd.Archived != nil {
		m["Archived"] = *upd.Archived
	}
	if upd.ArchivedAt != nil {
		setInt64(m, "ArchivedAt", *upd.ArchivedAt)
	}
	return m
}

func columnMerge(boardID string, upd domain.ColumnUpdate) map[string]any {
	m := map[string]any{
		"PartitionKey": boardID,
		"RowKey":       columnRowPrefix + upd.ID,
	}
	if upd.Title != nil {
		m["Title"] = *upd.Title
	}
	if upd.Role != nil {
		m["Role"] = string(*upd.Role)
	}
	if upd.Order != nil {
		m["Order"] = *upd.Order
	}
	return m
}

func boardMerge(boardID string, upd domain.BoardUpdate) map[string]any {
	m := map[string]any{
		"PartitionKey": boardID,
		"RowKey":       boardRowKey,
	}
	if upd.Title != nil {
		m["Title"] = *upd.Title
	}
	if upd.Archived != nil {
		m["Archived"] = *upd.Archived
	}
	if upd.ArchivedAt != nil {
		setInt64(m, "ArchivedAt", *upd.ArchivedAt)
	}
	return m
}

func classifyWriteError(err error) error {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		switch respErr.StatusCode {
		case http.StatusPreconditionFailed, http.StatusConflict:
			return fmt.Errorf("%w: %s", domain.ErrConcurrentMoveConflict, respErr.ErrorCode)
		}
	}
	return err
}

// EnqueueEvents sends activity events to the activity queue, fanning out over
// a bounded number of concurrent sends.
func (s *Storage) EnqueueEvents(ctx context.Context, userID string, events []domain.Event) error {
	if len(events) == 0 {
		return nil
	}
	sem := make(chan struct{}, s.queueConcurrency)
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	for _, ev := range events {
		env := domain.EventEnvelope{UserID: userID, Event: ev}
		data, err := json.Marshal(env)
		if err != nil {
			return err
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(payload string) {
			defer wg.Done()
			defer func() { <-sem }()
			if _, err := s.activityQueue.EnqueueMessage(ctx, payload, nil); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
		}(string(data))
	}
	wg.Wait()
	return firstErr
}
