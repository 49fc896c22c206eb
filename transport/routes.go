// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bureau-foundation/courier/agent"
	"github.com/bureau-foundation/courier/lib/delivery"
	"github.com/bureau-foundation/courier/lib/netutil"
)

// Readiness values reported by the /submit probe.
const (
	Ready         = "ready"
	NotReady      = "not-ready"
	Indeterminate = "indeterminate"

	// HeaderReadiness carries the probe result on HEAD responses,
	// which have no body.
	HeaderReadiness = "x-uagents-readiness"
)

// errorResponse is the body of every error answer.
type errorResponse struct {
	Error string `json:"error"`
}

func respondError(c echo.Context, status int, message string) error {
	return c.JSON(status, errorResponse{Error: message})
}

func (s *Server) routes(gatherer prometheus.Gatherer) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = s.handleError

	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(c echo.Context, values middleware.RequestLoggerValues) error {
			level := slog.LevelDebug
			if values.Status >= http.StatusInternalServerError {
				level = slog.LevelWarn
			}
			attributes := []any{
				"method", values.Method,
				"uri", values.URI,
				"status", values.Status,
				"latency", values.Latency,
			}
			if values.Error != nil {
				attributes = append(attributes, "error", values.Error)
			}
			s.logger.Log(c.Request().Context(), level, "http request", attributes...)
			return nil
		},
	}))

	e.POST("/submit", s.submit)
	e.HEAD("/submit", s.readiness)
	e.GET("/submit", s.readiness)
	e.GET("/agent_info", s.agentInfo)
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	e.Any("/*", s.rest)
	return e
}

// handleError renders errors that escape a handler (router 404/405,
// recovered panics) in the common JSON shape.
func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	status := http.StatusInternalServerError
	message := "internal server error"
	var httpError *echo.HTTPError
	if errors.As(err, &httpError) {
		status = httpError.Code
		if text, ok := httpError.Message.(string); ok {
			message = text
		} else {
			message = http.StatusText(status)
		}
	} else {
		s.logger.Error("unhandled transport error", "error", err, "path", c.Request().URL.Path)
	}
	if c.Request().Method == http.MethodHead {
		c.NoContent(status)
		return
	}
	respondError(c, status, message)
}

// readiness answers whether the agent named in x-uagents-address is
// hosted here.
func (s *Server) readiness(c echo.Context) error {
	state := Indeterminate
	status := http.StatusOK
	if address := c.Request().Header.Get(delivery.HeaderAddress); address != "" {
		if _, ok := s.registry.Lookup(address); ok {
			state = Ready
		} else {
			state = NotReady
			status = http.StatusNotFound
		}
	}
	c.Response().Header().Set(HeaderReadiness, state)
	if c.Request().Method == http.MethodHead {
		return c.NoContent(status)
	}
	return c.JSON(status, map[string]string{"status": state})
}

func (s *Server) agentInfo(c echo.Context) error {
	if address := c.Request().Header.Get(delivery.HeaderAddress); address != "" {
		hosted, ok := s.registry.Lookup(address)
		if !ok {
			return respondError(c, http.StatusNotFound, "agent not hosted here")
		}
		return c.JSON(http.StatusOK, hosted.Info())
	}
	agents := s.registry.Agents()
	if len(agents) == 1 {
		return c.JSON(http.StatusOK, agents[0].Info())
	}
	infos := make([]agent.Info, len(agents))
	for index, hosted := range agents {
		infos[index] = hosted.Info()
	}
	return c.JSON(http.StatusOK, infos)
}

// rest serves agent REST routes. A route claimed by several agents
// needs x-uagents-address to pick one. Paths under a reserved segment
// are only served to loopback callers.
func (s *Server) rest(c echo.Context) error {
	request := c.Request()
	path := request.URL.Path
	method := request.Method

	if agent.IsReserved(path) && !netutil.IsLoopback(request.RemoteAddr) {
		return respondError(c, http.StatusForbidden, "reserved path")
	}

	var candidates []*agent.Agent
	for _, hosted := range s.registry.Agents() {
		if hosted.HasREST(method, path) {
			candidates = append(candidates, hosted)
		}
	}

	var target *agent.Agent
	if address := request.Header.Get(delivery.HeaderAddress); address != "" {
		for _, candidate := range candidates {
			if candidate.Address() == address {
				target = candidate
			}
		}
	} else if len(candidates) > 1 {
		return respondError(c, http.StatusBadRequest,
			"route is served by several agents; set "+delivery.HeaderAddress)
	} else if len(candidates) == 1 {
		target = candidates[0]
	}
	if target == nil {
		return respondError(c, http.StatusNotFound, "not found")
	}

	var body []byte
	if request.Body != nil {
		var err error
		body, err = netutil.ReadBody(request.Body)
		if err != nil {
			return respondError(c, http.StatusBadRequest, err.Error())
		}
	}
	response, err := target.ServeREST(request.Context(), method, path, body)
	if err != nil {
		var requestErr *agent.RequestError
		if errors.As(err, &requestErr) {
			return respondError(c, http.StatusBadRequest, requestErr.Error())
		}
		target.Logger().Error("REST handler failed", "method", method, "path", path, "error", err)
		return respondError(c, http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, response)
}
