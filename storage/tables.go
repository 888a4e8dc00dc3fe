package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"

	"tasksync/domain"
)

const (
	tasksPartition = "tasks"
	metaPartition  = "meta"
	nextIDRow      = "nextId"
)

// TablePersister stores tasks in an Azure Storage table, one entity per task.
type TablePersister struct {
	taskTable *aztables.Client
}

// NewTablePersister creates a TablePersister from the given connection string.
func NewTablePersister(connStr, tasksTable string) (*TablePersister, error) {
	opts := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute,
				RetryDelay:    time.Second,
				MaxRetryDelay: time.Second * 15,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &opts)
	if err != nil {
		return nil, err
	}
	return &TablePersister{taskTable: svc.NewClient(tasksTable)}, nil
}

type taskEntity struct {
	aztables.Entity
	Title       string `json:"Title"`
	IsCompleted bool   `json:"IsCompleted"`
	CreatedBy   string `json:"CreatedBy"`
}

// metaEntity holds the id high-water mark. NextID is a string so the table
// does not narrow it to Edm.Int32.
type metaEntity struct {
	aztables.Entity
	NextID string `json:"NextID"`
}

// rowKey zero-pads ids so the table's lexical row order matches creation order.
func rowKey(id int64) string {
	return fmt.Sprintf("%019d", id)
}

func newTaskEntity(t domain.Task) taskEntity {
	return taskEntity{
		Entity:      aztables.Entity{PartitionKey: tasksPartition, RowKey: rowKey(t.ID)},
		Title:       t.Title,
		IsCompleted: t.IsCompleted,
		CreatedBy:   t.CreatedBy,
	}
}

func decodeTaskEntity(data []byte) (domain.Task, error) {
	var ent taskEntity
	if err := json.Unmarshal(data, &ent); err != nil {
		return domain.Task{}, err
	}
	id, err := strconv.ParseInt(ent.RowKey, 10, 64)
	if err != nil {
		return domain.Task{}, fmt.Errorf("invalid row key %q: %w", ent.RowKey, err)
	}
	return domain.Task{ID: id, Title: ent.Title, IsCompleted: ent.IsCompleted, CreatedBy: ent.CreatedBy}, nil
}

// LoadTasks retrieves every persisted task.
func (p *TablePersister) LoadTasks(ctx context.Context) ([]domain.Task, error) {
	filter := "PartitionKey eq '" + tasksPartition + "'"
	pager := p.taskTable.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	tasks := []domain.Task{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, e := range resp.Entities {
			t, err := decodeTaskEntity(e)
			if err != nil {
				return nil, err
			}
			tasks = append(tasks, t)
		}
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })
	return tasks, nil
}

func (p *TablePersister) SaveTask(ctx context.Context, task domain.Task) error {
	payload, err := json.Marshal(newTaskEntity(task))
	if err != nil {
		return err
	}
	_, err = p.taskTable.UpsertEntity(ctx, payload, &aztables.UpsertEntityOptions{UpdateMode: aztables.UpdateModeReplace})
	return err
}

// DeleteTask removes the entity; a missing entity counts as deleted.
func (p *TablePersister) DeleteTask(ctx context.Context, id int64) error {
	_, err := p.taskTable.DeleteEntity(ctx, tasksPartition, rowKey(id), nil)
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) && respErr.StatusCode == http.StatusNotFound {
		return nil
	}
	return err
}

// LoadNextID reads the high-water mark entity; a missing entity means 0.
func (p *TablePersister) LoadNextID(ctx context.Context) (int64, error) {
	resp, err := p.taskTable.GetEntity(ctx, metaPartition, nextIDRow, nil)
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) && respErr.StatusCode == http.StatusNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return decodeNextID(resp.Value)
}

func (p *TablePersister) SaveNextID(ctx context.Context, next int64) error {
	payload, err := json.Marshal(newMetaEntity(next))
	if err != nil {
		return err
	}
	_, err = p.taskTable.UpsertEntity(ctx, payload, &aztables.UpsertEntityOptions{UpdateMode: aztables.UpdateModeReplace})
	return err
}

func newMetaEntity(next int64) metaEntity {
	return metaEntity{
		Entity: aztables.Entity{PartitionKey: metaPartition, RowKey: nextIDRow},
		NextID: strconv.FormatInt(next, 10),
	}
}

func decodeNextID(data []byte) (int64, error) {
	var ent metaEntity
	if err := json.Unmarshal(data, &ent); err != nil {
		return 0, err
	}
	next, err := strconv.ParseInt(ent.NextID, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid next id %q: %w", ent.NextID, err)
	}
	return next, nil
}
