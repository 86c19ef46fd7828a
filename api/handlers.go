package api

import (
	"bytes"
	"context"
	"errors"
	"html/template"
	"net/http"
	"slices"
	"time"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"kuva-api/session"
)

// Deps are the collaborators of the HTTP API.
type Deps struct {
	Sessions  Sessions
	Auth      Authenticator
	Deduper   Deduper
	Health    func(ctx context.Context) error
	LoginPath string
	Logger    *log.Logger
	// KeepAlive is the comment interval of event streams.
	KeepAlive time.Duration
	// EndTimeout bounds how long ending a session waits for moves to settle.
	EndTimeout time.Duration
}

// Register wires up all routes on the provided Echo instance.
func Register(e *echo.Echo, d Deps) {
	if d.KeepAlive <= 0 {
		d.KeepAlive = 15 * time.Second
	}
	if d.EndTimeout <= 0 {
		d.EndTimeout = 10 * time.Second
	}
	auth := RequireAuth(d.Auth, d.LoginPath, d.Logger)

	e.GET("/healthz", healthz(d.Health))

	pages := e.Group("/project", auth)
	pages.GET("/:projectId", boardPage("board"))
	pages.GET("/:projectId/backlog", boardPage("backlog"))

	e.Group("/api", auth).POST("/sessions", startSession(d.Sessions))

	api := e.Group("/api", auth, RequireSession(d.Sessions, d.LoginPath))
	api.DELETE("/sessions/current", endSession(d.Sessions, d.EndTimeout))
	api.GET("/events", streamEvents(d.KeepAlive))
	api.GET("/notifications", listNotifications)

	api.GET("/projects/:projectId", getProject)
	api.GET("/projects/:projectId/board", getBoard)
	api.POST("/projects/:projectId/board/drop", dropTask)
	api.POST("/projects/:projectId/tasks", createTask(d.Deduper))

	api.GET("/overlays", listOverlays)
	api.POST("/overlays", openOverlay)
	api.DELETE("/overlays/:overlayId", closeOverlay)

	api.POST("/tasks/:taskId/open", openTask)
	api.GET("/tasks/:taskId", getTask)
	api.POST("/tasks/:taskId/fields/close", closeEditModes)
	api.POST("/tasks/:taskId/fields/:field/edit", startEdit)
	api.PUT("/tasks/:taskId/fields/:field", submitField)
	api.POST("/tasks/:taskId/archive", archiveTask)
	api.POST("/tasks/:taskId/unarchive", unarchiveTask)
	api.DELETE("/tasks/:taskId", deleteTask)
	api.POST("/tasks/:taskId/comments", addComment)

	api.POST("/projects/:projectId/team/open", openTeam)
	api.GET("/projects/:projectId/team", getTeam)
	api.POST("/projects/:projectId/team/search", searchTeam)
	api.DELETE("/projects/:projectId/team/candidates/:userId", removeCandidate)
	api.POST("/projects/:projectId/team/invite", inviteMember(d.Deduper))
	api.POST("/projects/:projectId/team", submitTeam)
}

func healthz(check func(ctx context.Context) error) echo.HandlerFunc {
	return func(c echo.Context) error {
		if check == nil {
			return c.NoContent(http.StatusOK)
		}
		ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
		defer cancel()
		if err := check(ctx); err != nil {
			return c.String(http.StatusServiceUnavailable, err.Error())
		}
		return c.NoContent(http.StatusOK)
	}
}

var pageShell = template.Must(template.New("page").Parse(`<!doctype html>
<html lang="en">
<head><meta charset="utf-8"><title>kuva</title></head>
<body data-view="{{.View}}" data-project="{{.ProjectID}}" data-user="{{.UserID}}">
<div id="app"></div>
<script src="/static/app.js"></script>
</body>
</html>
`))

// boardPage serves the document shell of a board page. The board itself is
// loaded through the API once the page has started a session.
func boardPage(view string) echo.HandlerFunc {
	return func(c echo.Context) error {
		var buf bytes.Buffer
		err := pageShell.Execute(&buf, struct{ View, ProjectID, UserID string }{
			View:      view,
			ProjectID: c.Param("projectId"),
			UserID:    userIDFrom(c),
		})
		if err != nil {
			return err
		}
		return c.HTMLBlob(http.StatusOK, buf.Bytes())
	}
}

func startSession(sessions Sessions) echo.HandlerFunc {
	return func(c echo.Context) error {
		ws, err := sessions.Start(c.Request().Context(), userIDFrom(c))
		if err != nil {
			return fail(c, "start_session", err)
		}
		views := make([]string, 0, len(ws.Layouts()))
		for name := range ws.Layouts() {
			views = append(views, name)
		}
		slices.Sort(views)
		return c.JSON(http.StatusCreated, sessionResponse{Session: ws.Session(), Layouts: views})
	}
}

// endSession answers 204 even when unconfirmed moves outlive the timeout;
// the manager logs them.
func endSession(sessions Sessions, timeout time.Duration) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), timeout)
		defer cancel()
		err := sessions.End(ctx, workspaceFrom(c).Session().ID)
		if errors.Is(err, session.ErrUnknownSession) {
			return fail(c, "end_session", err)
		}
		return c.NoContent(http.StatusNoContent)
	}
}

func listNotifications(c echo.Context) error {
	return c.JSON(http.StatusOK, workspaceFrom(c).Feed().Recent())
}
