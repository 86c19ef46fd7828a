package api

import (
	"compress/gzip"
	"io"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"kuva-api/session"
)

const (
	// HeaderSessionID selects the workspace of an API request.
	HeaderSessionID = "X-Session-Id"

	ctxUserID    = "kuva.user"
	ctxWorkspace = "kuva.workspace"
)

// GzipRequestMiddleware decompresses gzip-encoded request bodies. The
// decompressed body is capped at maxBodySize. Requests with invalid gzip
// payloads are rejected with a 400 response.
func GzipRequestMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if !hasGzipEncoding(req.Header.Get(echo.HeaderContentEncoding)) {
				return next(c)
			}

			body := req.Body
			gr, err := gzip.NewReader(body)
			if err != nil {
				_ = body.Close()
				return echo.NewHTTPError(http.StatusBadRequest, "invalid gzip body")
			}

			req.Body = &gzipReadCloser{Reader: io.LimitReader(gr, maxBodySize+1), gz: gr, body: body}
			req.ContentLength = -1
			req.Header.Del(echo.HeaderContentEncoding)
			req.Header.Del(echo.HeaderContentLength)
			return next(c)
		}
	}
}

func hasGzipEncoding(header string) bool {
	for _, enc := range strings.Split(header, ",") {
		if strings.EqualFold(strings.TrimSpace(enc), "gzip") {
			return true
		}
	}
	return false
}

type gzipReadCloser struct {
	io.Reader
	gz   *gzip.Reader
	body io.Closer
}

func (g *gzipReadCloser) Close() error {
	err := g.gz.Close()
	if cerr := g.body.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// loginRequired is the body of 401 answers to API requests.
type loginRequired struct {
	Error string `json:"error"`
	Login string `json:"login"`
}

// RequireAuth rejects requests without a valid token before any handler
// runs. API requests get a 401 naming the login route, page requests are
// redirected to it.
func RequireAuth(auth Authenticator, loginPath string, logger *log.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			userID, err := auth.UserIDFromRequest(c.Request())
			if err != nil {
				logger.WithError(err).WithField("path", c.Request().URL.Path).Debug("unauthenticated request")
				if isAPIRequest(c.Request()) {
					return c.JSON(http.StatusUnauthorized, loginRequired{Error: err.Error(), Login: loginPath})
				}
				return c.Redirect(http.StatusFound, loginPath)
			}
			c.Set(ctxUserID, userID)
			return next(c)
		}
	}
}

// RequireSession resolves the workspace named by the session header, or the
// session query parameter of event streams. The workspace must belong to the
// authenticated user.
func RequireSession(sessions Sessions, loginPath string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			id := c.Request().Header.Get(HeaderSessionID)
			if id == "" {
				id = c.QueryParam("session")
			}
			ws, ok := sessions.Get(id)
			if !ok || ws.Session().User.ID != userIDFrom(c) {
				return c.JSON(http.StatusUnauthorized, loginRequired{Error: "unknown session", Login: loginPath})
			}
			c.Set(ctxWorkspace, ws)
			return next(c)
		}
	}
}

func isAPIRequest(r *http.Request) bool {
	return strings.HasPrefix(r.URL.Path, "/api/")
}

func userIDFrom(c echo.Context) string {
	id, _ := c.Get(ctxUserID).(string)
	return id
}

func workspaceFrom(c echo.Context) *session.Workspace {
	ws, _ := c.Get(ctxWorkspace).(*session.Workspace)
	return ws
}
