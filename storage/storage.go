package storage

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/bytedance/sonic"
	"github.com/google/uuid"

	"kuva-api/domain"
)

type tableClient interface {
	NewListEntitiesPager(listOptions *aztables.ListEntitiesOptions) *runtime.Pager[aztables.ListEntitiesResponse]
	GetEntity(ctx context.Context, partitionKey, rowKey string, options *aztables.GetEntityOptions) (aztables.GetEntityResponse, error)
	AddEntity(ctx context.Context, entity []byte, options *aztables.AddEntityOptions) (aztables.AddEntityResponse, error)
	UpsertEntity(ctx context.Context, entity []byte, options *aztables.UpsertEntityOptions) (aztables.UpsertEntityResponse, error)
	DeleteEntity(ctx context.Context, partitionKey, rowKey string, options *aztables.DeleteEntityOptions) (aztables.DeleteEntityResponse, error)
}

type queueClient interface {
	EnqueueMessage(ctx context.Context, content string, o *azqueue.EnqueueMessageOptions) (azqueue.EnqueueMessagesResponse, error)
}

// Config names the tables and queue used by the store.
type Config struct {
	ConnectionString string
	TasksTable       string
	UsersTable       string
	ProjectsTable    string
	MailQueue        string
}

// Storage is the remote document store: tasks, users and projects tables
// plus the mail queue.
type Storage struct {
	taskTable    tableClient
	userTable    tableClient
	projectTable tableClient
	mailQueue    queueClient
	now          func() time.Time
	newID        func() string
}

// New creates a Storage instance from the given configuration.
func New(cfg Config) (*Storage, error) {
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
	svc, err := aztables.NewServiceClientFromConnectionString(cfg.ConnectionString, &tablesClientOptions)
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
	mq, err := azqueue.NewQueueClientFromConnectionString(cfg.ConnectionString, cfg.MailQueue, &queueClientOptions)
	if err != nil {
		return nil, err
	}
	return &Storage{
		taskTable:    svc.NewClient(cfg.TasksTable),
		userTable:    svc.NewClient(cfg.UsersTable),
		projectTable: svc.NewClient(cfg.ProjectsTable),
		mailQueue:    mq,
		now:          time.Now,
		newID:        uuid.NewString,
	}, nil
}

// QueryTasks returns the tasks matching the filter in the order the table
// service returns them.
func (s *Storage) QueryTasks(ctx context.Context, f domain.TaskFilter) ([]domain.Task, error) {
	filter := taskFilter(f)
	opts := &aztables.ListEntitiesOptions{}
	if filter != "" {
		opts.Filter = &filter
	}
	pager := s.taskTable.NewListEntitiesPager(opts)
	tasks := []domain.Task{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, e := range resp.Entities {
			var ent taskEntity
			if err := sonic.Unmarshal(e, &ent); err != nil {
				return nil, err
			}
			t, err := ent.toDomain()
			if err != nil {
				return nil, fmt.Errorf("task %s: %w", ent.RowKey, err)
			}
			tasks = append(tasks, t)
		}
	}
	return tasks, nil
}

func taskFilter(f domain.TaskFilter) string {
	var clauses []string
	if f.User != "" {
		clauses = append(clauses, "User eq "+quote(f.User))
	}
	if f.ProjectID != "" {
		clauses = append(clauses, "ProjectID eq "+quote(f.ProjectID))
	}
	if !f.IncludeArchived {
		clauses = append(clauses, "Archived eq false")
	}
	return strings.Join(clauses, " and ")
}

func quote(v string) string {
	return "'" + strings.ReplaceAll(v, "'", "''") + "'"
}

// GetTask reads a single task by id.
func (s *Storage) GetTask(ctx context.Context, id string) (domain.Task, error) {
	resp, err := s.taskTable.GetEntity(ctx, id, id, nil)
	if err != nil {
		if isNotFound(err) {
			return domain.Task{}, fmt.Errorf("task %s: %w", id, domain.ErrNotFound)
		}
		return domain.Task{}, err
	}
	var ent taskEntity
	if err := sonic.Unmarshal(resp.Value, &ent); err != nil {
		return domain.Task{}, err
	}
	return ent.toDomain()
}

// CreateTask stores a new task and returns it with its assigned id.
func (s *Storage) CreateTask(ctx context.Context, userID, projectID string, nt domain.NewTask) (domain.Task, error) {
	col := nt.Column
	if col == "" {
		col = domain.ColumnBacklog
	}
	status, ok := col.StatusLabel()
	if !ok {
		return domain.Task{}, fmt.Errorf("unknown column %q", col)
	}
	prio := nt.Priority
	if prio == "" {
		prio = domain.PriorityMedium
	}
	t := domain.Task{
		ID:          s.newID(),
		User:        userID,
		ProjectID:   projectID,
		Identifier:  nt.Identifier,
		Column:      col,
		Status:      status,
		Priority:    prio,
		Title:       nt.Title,
		Summary:     nt.Summary,
		Description: nt.Description,
		Timestamp:   s.now().UTC().Truncate(time.Millisecond),
		Comments:    []domain.Comment{},
	}
	ent, err := newTaskEntity(t)
	if err != nil {
		return domain.Task{}, err
	}
	payload, err := sonic.Marshal(ent)
	if err != nil {
		return domain.Task{}, err
	}
	if _, err := s.taskTable.AddEntity(ctx, payload, nil); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// MergeTask writes only the fields set in the patch. There is no version
// check: the last writer wins.
func (s *Storage) MergeTask(ctx context.Context, id string, f domain.TaskFields) error {
	if f.Empty() {
		return fmt.Errorf("task %s: %w", id, domain.ErrEmptyPatch)
	}
	upd, err := newTaskUpdate(id, f)
	if err != nil {
		return err
	}
	payload, err := sonic.Marshal(upd)
	if err != nil {
		return err
	}
	_, err = s.taskTable.UpsertEntity(ctx, payload, &aztables.UpsertEntityOptions{UpdateMode: aztables.UpdateModeMerge})
	return err
}

// DeleteTask removes the whole task document. Missing tasks are ignored.
func (s *Storage) DeleteTask(ctx context.Context, id string) error {
	et := azcore.ETagAny
	_, err := s.taskTable.DeleteEntity(ctx, id, id, &aztables.DeleteEntityOptions{IfMatch: &et})
	if err != nil && !isNotFound(err) {
		return err
	}
	return nil
}

// FindUsersByEmail returns the users registered with the given address.
func (s *Storage) FindUsersByEmail(ctx context.Context, email string) ([]domain.User, error) {
	filter := "Email eq " + quote(email)
	pager := s.userTable.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	users := []domain.User{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, e := range resp.Entities {
			var ent userEntity
			if err := sonic.Unmarshal(e, &ent); err != nil {
				return nil, err
			}
			users = append(users, domain.User{ID: ent.RowKey, Email: ent.Email, DisplayName: ent.DisplayName})
		}
	}
	return users, nil
}

// GetUser reads a user profile by id.
func (s *Storage) GetUser(ctx context.Context, id string) (domain.User, error) {
	resp, err := s.userTable.GetEntity(ctx, id, id, nil)
	if err != nil {
		if isNotFound(err) {
			return domain.User{}, fmt.Errorf("user %s: %w", id, domain.ErrNotFound)
		}
		return domain.User{}, err
	}
	var ent userEntity
	if err := sonic.Unmarshal(resp.Value, &ent); err != nil {
		return domain.User{}, err
	}
	return domain.User{ID: ent.RowKey, Email: ent.Email, DisplayName: ent.DisplayName}, nil
}

// GetProject reads a project by id.
func (s *Storage) GetProject(ctx context.Context, id string) (domain.Project, error) {
	resp, err := s.projectTable.GetEntity(ctx, id, id, nil)
	if err != nil {
		if isNotFound(err) {
			return domain.Project{}, fmt.Errorf("project %s: %w", id, domain.ErrNotFound)
		}
		return domain.Project{}, err
	}
	var ent projectEntity
	if err := sonic.Unmarshal(resp.Value, &ent); err != nil {
		return domain.Project{}, err
	}
	collaborators, err := decodeCollaborators(ent.Collaborators)
	if err != nil {
		return domain.Project{}, err
	}
	return domain.Project{ID: ent.RowKey, Title: ent.Title, Owner: ent.Owner, Collaborators: collaborators}, nil
}

// AddCollaborators unions the given collaborators into the project's team.
// The union is computed on a fresh read and written back with a merge write.
func (s *Storage) AddCollaborators(ctx context.Context, projectID string, add []domain.Collaborator) error {
	p, err := s.GetProject(ctx, projectID)
	if err != nil {
		return err
	}
	merged := domain.UnionCollaborators(p.Collaborators, add)
	data, err := sonic.Marshal(merged)
	if err != nil {
		return err
	}
	payload, err := sonic.Marshal(projectUpdate{
		entity:        entity{PartitionKey: projectID, RowKey: projectID},
		Collaborators: string(data),
	})
	if err != nil {
		return err
	}
	_, err = s.projectTable.UpsertEntity(ctx, payload, &aztables.UpsertEntityOptions{UpdateMode: aztables.UpdateModeMerge})
	return err
}

// EnqueueMail writes a mail document to the mail queue.
func (s *Storage) EnqueueMail(ctx context.Context, doc domain.MailDocument) error {
	if len(doc.To) == 0 {
		return errors.New("mail has no recipients")
	}
	data, err := sonic.Marshal(doc)
	if err != nil {
		return err
	}
	_, err = s.mailQueue.EnqueueMessage(ctx, string(data), nil)
	return err
}

func isNotFound(err error) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == http.StatusNotFound
}
