package api

import (
	"context"
	"net/http"

	"kuva-api/board"
	"kuva-api/domain"
	"kuva-api/editor"
	"kuva-api/overlay"
	"kuva-api/session"
)

const maxBodySize = 64 * 1024 // 64 KiB

// Authenticator extracts user ids from requests.
type Authenticator interface {
	UserIDFromRequest(r *http.Request) (string, error)
}

// Sessions starts, finds and ends workspaces.
type Sessions interface {
	Start(ctx context.Context, userID string) (*session.Workspace, error)
	Get(id string) (*session.Workspace, bool)
	End(ctx context.Context, id string) error
}

// Deduper guards creating requests carrying an Idempotency-Key.
type Deduper interface {
	// Claim records the key and returns true if it was newly recorded.
	Claim(ctx context.Context, userID, scope, key string) (bool, error)
	// Release deletes a claimed key, used when the request fails.
	Release(ctx context.Context, userID, scope, key string) error
}

// POST /api/sessions response body
type sessionResponse struct {
	Session session.Session `json:"session"`
	Layouts []string        `json:"views"`
}

// POST /api/projects/:projectId/board/drop response body
type dropResponse struct {
	Move  board.Move `json:"move"`
	Board board.View `json:"board"`
}

// POST /api/overlays request body
type openOverlayRequest struct {
	Kind    overlay.Kind `json:"kind"`
	Subject string       `json:"subject"`
}

// GET /api/overlays response body
type overlaysResponse struct {
	Overlays []overlay.Entry `json:"overlays"`
}

// PUT /api/tasks/:taskId/fields/:field request body
type fieldRequest struct {
	Value string `json:"value"`
}

// POST /api/tasks/:taskId/comments request body
type commentRequest struct {
	Text string `json:"text"`
}

// POST /api/projects/:projectId/team/search request body
type searchRequest struct {
	Email string `json:"email"`
}

// Team modal response body; Found lists the users matched by a search.
type teamResponse struct {
	editor.TeamView
	Found []domain.User `json:"found,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}
