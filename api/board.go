package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"kuva-api/board"
	"kuva-api/domain"
	"kuva-api/session"
)

func boardView(c echo.Context) string {
	if v := c.QueryParam("view"); v != "" {
		return v
	}
	return "board"
}

func getProject(c echo.Context) error {
	p, err := workspaceFrom(c).Project(c.Request().Context(), c.Param("projectId"))
	if err != nil {
		return fail(c, "fetch", err)
	}
	return c.JSON(http.StatusOK, p)
}

// getBoard mounts the page on first use. A failed task fetch is reported in
// the rendered view rather than as an HTTP error.
func getBoard(c echo.Context) error {
	view := boardView(c)
	page, err := workspaceFrom(c).Board(c.Request().Context(), view, c.Param("projectId"))
	if page == nil {
		return fail(c, "mount", err)
	}
	if c.QueryParams().Has("filter") {
		page.SetFilter(c.QueryParam("filter"))
	}
	v := page.Render()

	m := metricsFrom(c)
	m.Set("board.view", view)
	m.Set("board.pending", v.Pending)
	if err != nil {
		m.SetErrorStage("fetch")
	}
	return c.JSON(http.StatusOK, v)
}

func dropTask(c echo.Context) error {
	var drop board.DropResult
	if err := decodeBody(c, &drop); err != nil {
		return err
	}
	view, projectID := boardView(c), c.Param("projectId")
	page, ok := workspaceFrom(c).Page(view, projectID)
	if !ok {
		return fail(c, "drop", fmt.Errorf("%s of project %s: %w", view, projectID, session.ErrNotOpen))
	}
	move, err := page.Drop(drop)
	if err != nil {
		return fail(c, "drop", err)
	}
	metricsFrom(c).Set("board.outcome", string(move.Outcome))
	return c.JSON(http.StatusOK, dropResponse{Move: move, Board: page.Render()})
}

func createTask(deduper Deduper) echo.HandlerFunc {
	return func(c echo.Context) error {
		var nt domain.NewTask
		if err := decodeBody(c, &nt); err != nil {
			return err
		}
		release, duplicate, err := claim(c, deduper, "create-task")
		if err != nil {
			return fail(c, "idempotency", err)
		}
		if duplicate {
			return c.JSON(http.StatusConflict, errorResponse{Error: "duplicate request"})
		}
		t, err := workspaceFrom(c).CreateTask(c.Request().Context(), c.Param("projectId"), nt)
		if err != nil {
			release()
			return fail(c, "create", err)
		}
		return c.JSON(http.StatusCreated, t)
	}
}

// claim records the request's Idempotency-Key under scope. Requests without
// a key, or without a deduper, always proceed. release frees the key so a
// failed request can be retried.
func claim(c echo.Context, deduper Deduper, scope string) (release func(), duplicate bool, err error) {
	key := c.Request().Header.Get(HeaderIdempotencyKey)
	if deduper == nil || key == "" {
		return func() {}, false, nil
	}
	userID := userIDFrom(c)
	ok, err := deduper.Claim(c.Request().Context(), userID, scope, key)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, true, nil
	}
	return func() {
		if err := deduper.Release(context.Background(), userID, scope, key); err != nil {
			c.Logger().Warnf("release idempotency key: %v", err)
		}
	}, false, nil
}
