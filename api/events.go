package api

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"

	"kuva-api/notify"
)

// streamEvents relays the session feed as server-sent events until the
// client goes away or the session ends.
func streamEvents(keepAlive time.Duration) echo.HandlerFunc {
	return func(c echo.Context) error {
		res := c.Response()
		flusher, ok := res.Writer.(http.Flusher)
		if !ok {
			return c.String(http.StatusInternalServerError, "streaming unsupported")
		}
		events, cancel := workspaceFrom(c).Feed().Subscribe()
		defer cancel()

		res.Header().Set(echo.HeaderContentType, "text/event-stream")
		res.Header().Set(echo.HeaderCacheControl, "no-cache")
		res.Header().Set(echo.HeaderConnection, "keep-alive")
		res.Header().Set("X-Accel-Buffering", "no")
		res.WriteHeader(http.StatusOK)
		flusher.Flush()

		ticker := time.NewTicker(keepAlive)
		defer ticker.Stop()
		ctx := c.Request().Context()
		for {
			select {
			case <-ctx.Done():
				return nil
			case ev, ok := <-events:
				if !ok {
					return nil
				}
				if err := writeEvent(res, ev); err != nil {
					c.Logger().Warnf("write event: %v", err)
					return nil
				}
				flusher.Flush()
			case <-ticker.C:
				if _, err := io.WriteString(res, ": ping\n\n"); err != nil {
					return nil
				}
				flusher.Flush()
			}
		}
	}
}

func writeEvent(w io.Writer, ev notify.Event) error {
	data, err := sonic.Marshal(ev.Data)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
	return err
}
