package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"kuva-api/editor"
	"kuva-api/overlay"
)

var errOverlayNotOpen = errors.New("overlay not open")

func listOverlays(c echo.Context) error {
	return c.JSON(http.StatusOK, overlaysResponse{Overlays: workspaceFrom(c).Overlays().List()})
}

func openOverlay(c echo.Context) error {
	var req openOverlayRequest
	if err := decodeBody(c, &req); err != nil {
		return err
	}
	ws := workspaceFrom(c)
	switch req.Kind {
	case overlay.KindTask:
		if _, err := ws.OpenTask(c.Request().Context(), req.Subject); err != nil {
			return fail(c, "load", err)
		}
	case overlay.KindNewTeamMember:
		if _, err := ws.OpenTeam(req.Subject); err != nil {
			return fail(c, "open", err)
		}
	case overlay.KindNewTask:
		ws.Overlays().Open(overlay.KindNewTask, req.Subject)
	default:
		return c.JSON(http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("unknown overlay kind %q", req.Kind)})
	}
	return c.JSON(http.StatusCreated, overlaysResponse{Overlays: ws.Overlays().List()})
}

func closeOverlay(c echo.Context) error {
	if !workspaceFrom(c).CloseOverlay(c.Param("overlayId")) {
		return c.JSON(http.StatusNotFound, errorResponse{Error: errOverlayNotOpen.Error()})
	}
	return c.NoContent(http.StatusNoContent)
}

func openTask(c echo.Context) error {
	ed, err := workspaceFrom(c).OpenTask(c.Request().Context(), c.Param("taskId"))
	if err != nil {
		return fail(c, "load", err)
	}
	return c.JSON(http.StatusOK, ed.View())
}

func openEditor(c echo.Context) (*editor.TaskEditor, error) {
	return workspaceFrom(c).Task(c.Param("taskId"))
}

func getTask(c echo.Context) error {
	ed, err := openEditor(c)
	if err != nil {
		return fail(c, "lookup", err)
	}
	return c.JSON(http.StatusOK, ed.View())
}

func startEdit(c echo.Context) error {
	ed, err := openEditor(c)
	if err != nil {
		return fail(c, "lookup", err)
	}
	f, err := editor.ParseField(c.Param("field"))
	if err != nil {
		return fail(c, "field", err)
	}
	if err := ed.StartEdit(f); err != nil {
		return fail(c, "field", err)
	}
	return c.JSON(http.StatusOK, ed.View())
}

func closeEditModes(c echo.Context) error {
	ed, err := openEditor(c)
	if err != nil {
		return fail(c, "lookup", err)
	}
	ed.CloseEditModes()
	return c.JSON(http.StatusOK, ed.View())
}

func submitField(c echo.Context) error {
	var req fieldRequest
	if err := decodeBody(c, &req); err != nil {
		return err
	}
	ed, err := openEditor(c)
	if err != nil {
		return fail(c, "lookup", err)
	}
	f, err := editor.ParseField(c.Param("field"))
	if err != nil {
		return fail(c, "field", err)
	}
	if err := ed.Submit(c.Request().Context(), f, req.Value); err != nil {
		return fail(c, "storage", err)
	}
	return c.JSON(http.StatusOK, ed.View())
}

func archiveTask(c echo.Context) error {
	ed, err := openEditor(c)
	if err != nil {
		return fail(c, "lookup", err)
	}
	if err := ed.Archive(c.Request().Context()); err != nil {
		return fail(c, "storage", err)
	}
	return c.NoContent(http.StatusNoContent)
}

func unarchiveTask(c echo.Context) error {
	ed, err := openEditor(c)
	if err != nil {
		return fail(c, "lookup", err)
	}
	if err := ed.Unarchive(c.Request().Context()); err != nil {
		return fail(c, "storage", err)
	}
	return c.NoContent(http.StatusNoContent)
}

func deleteTask(c echo.Context) error {
	ed, err := openEditor(c)
	if err != nil {
		return fail(c, "lookup", err)
	}
	if err := ed.Delete(c.Request().Context()); err != nil {
		return fail(c, "storage", err)
	}
	return c.NoContent(http.StatusNoContent)
}

func addComment(c echo.Context) error {
	var req commentRequest
	if err := decodeBody(c, &req); err != nil {
		return err
	}
	ed, err := openEditor(c)
	if err != nil {
		return fail(c, "lookup", err)
	}
	if err := ed.SubmitComment(c.Request().Context(), req.Text); err != nil {
		return fail(c, "storage", err)
	}
	metricsFrom(c).Set("task.comments", len(ed.View().Comments))
	return c.JSON(http.StatusCreated, ed.View())
}
