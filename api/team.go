package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"kuva-api/domain"
	"kuva-api/editor"
)

var errNotCandidate = errors.New("user is not a candidate")

func openTeam(c echo.Context) error {
	team, err := workspaceFrom(c).OpenTeam(c.Param("projectId"))
	if err != nil {
		return fail(c, "open", err)
	}
	return c.JSON(http.StatusOK, teamResponse{TeamView: team.View()})
}

func teamEditor(c echo.Context) (*editor.TeamEditor, error) {
	return workspaceFrom(c).Team(c.Param("projectId"))
}

func getTeam(c echo.Context) error {
	team, err := teamEditor(c)
	if err != nil {
		return fail(c, "lookup", err)
	}
	return c.JSON(http.StatusOK, teamResponse{TeamView: team.View()})
}

// searchTeam answers 200 when nobody matches; the form then offers an
// invitation.
func searchTeam(c echo.Context) error {
	var req searchRequest
	if err := decodeBody(c, &req); err != nil {
		return err
	}
	team, err := teamEditor(c)
	if err != nil {
		return fail(c, "lookup", err)
	}
	found, err := team.Search(c.Request().Context(), req.Email)
	if err != nil && !errors.Is(err, domain.ErrUserNotFound) {
		return fail(c, "storage", err)
	}
	metricsFrom(c).Set("team.found", len(found))
	return c.JSON(http.StatusOK, teamResponse{TeamView: team.View(), Found: found})
}

func removeCandidate(c echo.Context) error {
	team, err := teamEditor(c)
	if err != nil {
		return fail(c, "lookup", err)
	}
	if !team.RemoveCandidate(c.Param("userId")) {
		return c.JSON(http.StatusNotFound, errorResponse{Error: errNotCandidate.Error()})
	}
	return c.JSON(http.StatusOK, teamResponse{TeamView: team.View()})
}

func inviteMember(deduper Deduper) echo.HandlerFunc {
	return func(c echo.Context) error {
		team, err := teamEditor(c)
		if err != nil {
			return fail(c, "lookup", err)
		}
		release, duplicate, err := claim(c, deduper, "invite")
		if err != nil {
			return fail(c, "idempotency", err)
		}
		if duplicate {
			return c.JSON(http.StatusConflict, errorResponse{Error: "duplicate request"})
		}
		if err := team.Invite(c.Request().Context()); err != nil {
			release()
			return fail(c, "mail", err)
		}
		return c.JSON(http.StatusOK, teamResponse{TeamView: team.View()})
	}
}

func submitTeam(c echo.Context) error {
	team, err := teamEditor(c)
	if err != nil {
		return fail(c, "lookup", err)
	}
	if err := team.Submit(c.Request().Context()); err != nil {
		return fail(c, "storage", err)
	}
	return c.JSON(http.StatusOK, teamResponse{TeamView: team.View()})
}
