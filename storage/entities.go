package storage

import (
	"time"

	"github.com/bytedance/sonic"

	"kuva-api/domain"
)

const edmInt64 = "Edm.Int64"

type entity struct {
	PartitionKey string `json:"PartitionKey"`
	RowKey       string `json:"RowKey"`
}

type taskEntity struct {
	entity
	User          string `json:"User"`
	ProjectID     string `json:"ProjectID"`
	Identifier    string `json:"Identifier,omitempty"`
	Column        string `json:"Column"`
	Status        string `json:"Status"`
	Priority      string `json:"Priority"`
	Title         string `json:"Title"`
	Summary       string `json:"Summary"`
	Description   string `json:"Description"`
	AssignedTo    string `json:"AssignedTo,omitempty"`
	CreatedAt     int64  `json:"CreatedAt,string"`
	CreatedAtType string `json:"CreatedAt@odata.type"`
	Comments      string `json:"Comments"`
	Archived      bool   `json:"Archived"`
}

// taskUpdate carries a merge patch. Unset properties are not sent, so the
// table service leaves them untouched.
type taskUpdate struct {
	entity
	Column      *string `json:"Column,omitempty"`
	Status      *string `json:"Status,omitempty"`
	Priority    *string `json:"Priority,omitempty"`
	Title       *string `json:"Title,omitempty"`
	Summary     *string `json:"Summary,omitempty"`
	Description *string `json:"Description,omitempty"`
	Comments    *string `json:"Comments,omitempty"`
	Archived    *bool   `json:"Archived,omitempty"`
}

type userEntity struct {
	entity
	Email       string `json:"Email"`
	DisplayName string `json:"DisplayName"`
}

type projectEntity struct {
	entity
	Title         string `json:"Title"`
	Owner         string `json:"Owner"`
	Collaborators string `json:"Collaborators"`
}

type projectUpdate struct {
	entity
	Collaborators string `json:"Collaborators"`
}

func newTaskEntity(t domain.Task) (taskEntity, error) {
	comments, err := encodeComments(t.Comments)
	if err != nil {
		return taskEntity{}, err
	}
	return taskEntity{
		entity:        entity{PartitionKey: t.ID, RowKey: t.ID},
		User:          t.User,
		ProjectID:     t.ProjectID,
		Identifier:    t.Identifier,
		Column:        string(t.Column),
		Status:        t.Status,
		Priority:      string(t.Priority),
		Title:         t.Title,
		Summary:       t.Summary,
		Description:   t.Description,
		AssignedTo:    t.AssignedTo,
		CreatedAt:     t.Timestamp.UnixMilli(),
		CreatedAtType: edmInt64,
		Comments:      comments,
		Archived:      t.Archived,
	}, nil
}

func (e taskEntity) toDomain() (domain.Task, error) {
	comments, err := decodeComments(e.Comments)
	if err != nil {
		return domain.Task{}, err
	}
	return domain.Task{
		ID:          e.RowKey,
		User:        e.User,
		ProjectID:   e.ProjectID,
		Identifier:  e.Identifier,
		Column:      domain.Column(e.Column),
		Status:      e.Status,
		Priority:    domain.Priority(e.Priority),
		Title:       e.Title,
		Summary:     e.Summary,
		Description: e.Description,
		AssignedTo:  e.AssignedTo,
		Timestamp:   time.UnixMilli(e.CreatedAt).UTC(),
		Comments:    comments,
		Archived:    e.Archived,
	}, nil
}

func newTaskUpdate(id string, f domain.TaskFields) (taskUpdate, error) {
	upd := taskUpdate{entity: entity{PartitionKey: id, RowKey: id}}
	if f.Column != nil {
		v := string(*f.Column)
		upd.Column = &v
	}
	upd.Status = f.Status
	if f.Priority != nil {
		v := string(*f.Priority)
		upd.Priority = &v
	}
	upd.Title = f.Title
	upd.Summary = f.Summary
	upd.Description = f.Description
	if f.Comments != nil {
		v, err := encodeComments(*f.Comments)
		if err != nil {
			return taskUpdate{}, err
		}
		upd.Comments = &v
	}
	upd.Archived = f.Archived
	return upd, nil
}

func encodeComments(comments []domain.Comment) (string, error) {
	if comments == nil {
		comments = []domain.Comment{}
	}
	data, err := sonic.Marshal(comments)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodeComments(raw string) ([]domain.Comment, error) {
	if raw == "" {
		return []domain.Comment{}, nil
	}
	var comments []domain.Comment
	if err := sonic.Unmarshal([]byte(raw), &comments); err != nil {
		return nil, err
	}
	if comments == nil {
		comments = []domain.Comment{}
	}
	return comments, nil
}

func decodeCollaborators(raw string) ([]domain.Collaborator, error) {
	if raw == "" {
		return []domain.Collaborator{}, nil
	}
	var out []domain.Collaborator
	if err := sonic.Unmarshal([]byte(raw), &out); err != nil {
		return nil, err
	}
	return out, nil
}
