package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// RequestLogger returns a middleware that logs HTTP requests using zerolog.
// Successful requests to the paths in quiet are logged at debug level so
// probes and scrapes do not drown the job log.
func RequestLogger(logger zerolog.Logger, quiet ...string) gin.HandlerFunc {
	log := logger.With().Str("component", "http").Logger()
	quietPaths := make(map[string]struct{}, len(quiet))
	for _, p := range quiet {
		quietPaths[p] = struct{}{}
	}

	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		status := c.Writer.Status()
		path := c.Request.URL.Path
		_, isQuiet := quietPaths[path]

		var event *zerolog.Event
		switch {
		case status >= 500:
			event = log.Error()
		case status >= 400:
			event = log.Warn()
		case isQuiet:
			event = log.Debug()
		default:
			event = log.Info()
		}

		// Unmatched routes have no pattern.
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}

		event = event.
			Str("method", c.Request.Method).
			Str("path", path).
			Str("route", route).
			Int("status", status).
			Dur("latency", time.Since(start)).
			Str("client_ip", c.ClientIP())
		if job := c.Param("name"); job != "" {
			event = event.Str("job", job)
		}
		if len(c.Errors) > 0 {
			event = event.Str("errors", c.Errors.String())
		}
		event.Msg("request")
	}
}
