package http

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"

	"github.com/dkeye/CamSignal/internal/app/orch"
	"github.com/dkeye/CamSignal/internal/domain"
)

type StartRequest struct {
	Transport string `json:"transport"`
	IcePolicy string `json:"icePolicy"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

// EventView is the SSE payload of one orchestrator event.
type EventView struct {
	Kind      string               `json:"kind"`
	Target    domain.TargetID      `json:"targetId"`
	SessionID domain.SessionID     `json:"sessionId"`
	Transport domain.TransportKind `json:"transport"`
	Old       string               `json:"old,omitempty"`
	New       string               `json:"new,omitempty"`
	Cause     string               `json:"cause,omitempty"`
	Rates     *domain.QualityRates `json:"rates,omitempty"`
	Grade     string               `json:"grade,omitempty"`
	At        time.Time            `json:"at"`
}

func viewOf(ev orch.Event) EventView {
	v := EventView{
		Kind:      ev.Kind.String(),
		Target:    ev.Target,
		SessionID: ev.SessionID,
		Transport: ev.Transport,
		At:        ev.At,
	}
	switch ev.Kind {
	case orch.StateChanged:
		v.Old, v.New = ev.Old.String(), ev.New.String()
		if ev.Cause != nil {
			v.Cause = ev.Cause.Error()
		}
	case orch.StatsSampled:
		rates := ev.Rates
		v.Rates = &rates
		v.Grade = string(ev.Grade)
	}
	return v
}

type handlers struct {
	ctx  context.Context
	deps Deps
}

func abort(c *gin.Context, status int, err error) {
	c.AbortWithStatusJSON(status, ErrorResponse{Error: err.Error()})
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, domain.ErrAlreadyNegotiating):
		return http.StatusConflict
	case errors.Is(err, domain.ErrTransportUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func (h *handlers) listSessions(c *gin.Context) {
	snaps := h.deps.Orch.Sessions()
	if state := c.Query("state"); state != "" {
		snaps = lo.Filter(snaps, func(s domain.SessionSnapshot, _ int) bool {
			return s.State.String() == state
		})
	}
	c.JSON(http.StatusOK, snaps)
}

func (h *handlers) totals(c *gin.Context) {
	c.JSON(http.StatusOK, h.deps.Orch.Totals())
}

func (h *handlers) startSession(c *gin.Context) {
	target, err := domain.ParseTargetID(c.Param("target"))
	if err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}

	var req StartRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
			abort(c, http.StatusBadRequest, err)
			return
		}
	}

	kind := domain.TransportRelay
	if req.Transport != "" {
		if kind, err = domain.ParseTransportKind(req.Transport); err != nil {
			abort(c, http.StatusBadRequest, err)
			return
		}
	} else if kinds := h.deps.Orch.Transports(); len(kinds) > 0 && !lo.Contains(kinds, kind) {
		kind = kinds[0]
	}

	var opts orch.Options
	if req.IcePolicy != "" {
		if opts.IcePolicy, err = domain.ParseIcePolicy(req.IcePolicy); err != nil {
			abort(c, http.StatusBadRequest, err)
			return
		}
	}

	snap, err := h.deps.Orch.StartOutbound(c.Request.Context(), target, kind, opts)
	if err != nil {
		log.Info().Err(err).Str("module", "adapters.http").Str("target", string(target)).Str("transport", string(kind)).Msg("start session refused")
		abort(c, statusOf(err), err)
		return
	}
	c.JSON(http.StatusAccepted, snap)
}

func (h *handlers) teardown(c *gin.Context) {
	target, err := domain.ParseTargetID(c.Param("target"))
	if err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}
	if err := h.deps.Orch.Teardown(c.Request.Context(), target); err != nil {
		abort(c, statusOf(err), err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handlers) targets(c *gin.Context) {
	var targets []domain.TargetID
	if h.deps.Targets != nil {
		targets = h.deps.Targets()
	}
	if targets == nil {
		targets = []domain.TargetID{}
	}
	c.JSON(http.StatusOK, gin.H{"targets": targets, "transports": h.deps.Orch.Transports()})
}

func (h *handlers) relayHealth(c *gin.Context) {
	if h.deps.Health == nil {
		abort(c, http.StatusNotFound, errors.New("relay disabled"))
		return
	}
	c.JSON(http.StatusOK, h.deps.Health())
}

// events streams orchestrator events until the client leaves or the server stops.
func (h *handlers) events(c *gin.Context) {
	ch, cancel := h.deps.Orch.Subscribe()
	defer cancel()

	log.Debug().Str("module", "adapters.http").Str("token", c.GetString("client_token")).Msg("event stream opened")
	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.Render(-1, sse.Event{Event: "totals", Data: h.deps.Orch.Totals()})
	c.Writer.Flush()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case <-h.ctx.Done():
			return false
		case ev, ok := <-ch:
			if !ok {
				return false
			}
			c.Render(-1, sse.Event{
				Id:    string(ev.SessionID),
				Event: ev.Kind.String(),
				Data:  viewOf(ev),
			})
			return true
		}
	})
}
