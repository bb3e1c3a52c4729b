package http

import (
	"context"
	"net/http"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/CamSignal/internal/adapters/push"
	"github.com/dkeye/CamSignal/internal/adapters/signal"
	"github.com/dkeye/CamSignal/internal/app/orch"
	"github.com/dkeye/CamSignal/internal/domain"
)

func genClientToken() string {
	return uuid.NewString()
}

// ClientTokenMiddleware keeps a stable operator token in the cookie session.
func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		s := sessions.Default(c)
		token, _ := s.Get("client_token").(string)
		if token == "" {
			token = genClientToken()
			s.Set("client_token", token)
			if err := s.Save(); err != nil {
				log.Warn().Err(err).Str("module", "adapters.http").Msg("save client token")
			}
		}
		c.Set("client_token", token)
		c.Next()
	}
}

type Options struct {
	Mode        string
	Secret      string
	MetricsPath string
}

// Deps are the pieces the router exposes. Nil members disable their routes.
type Deps struct {
	Orch    *orch.Orchestrator
	Hub     *signal.Hub
	Push    *push.Adapter
	Health  func() domain.RelayHealth
	Targets func() []domain.TargetID
	Metrics http.Handler
}

func SetupRouter(ctx context.Context, opts Options, d Deps) *gin.Engine {
	if opts.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if opts.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(opts.Secret))
	r.Use(sessions.Sessions("CamSignalSessions", store))
	r.Use(ClientTokenMiddleware())

	h := &handlers{ctx: ctx, deps: d}

	api := r.Group("/api")
	api.GET("/sessions", h.listSessions)
	api.GET("/sessions/totals", h.totals)
	api.POST("/sessions/:target", h.startSession)
	api.DELETE("/sessions/:target", h.teardown)
	api.GET("/targets", h.targets)
	api.GET("/relay/health", h.relayHealth)
	api.GET("/events", h.events)

	if d.Push != nil {
		d.Push.Routes(api.Group("/push"))
	}
	if d.Hub != nil {
		r.GET("/ws", func(c *gin.Context) {
			d.Hub.HandleSignal(ctx, c)
		})
	}
	if d.Metrics != nil {
		path := opts.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		r.GET(path, gin.WrapH(d.Metrics))
	}

	log.Info().Str("module", "adapters.http").Bool("hub", d.Hub != nil).Bool("push", d.Push != nil).Bool("metrics", d.Metrics != nil).Msg("router setup")
	return r
}
