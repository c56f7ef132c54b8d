package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"meter_billing/internal/logging"
	"meter_billing/internal/metrics"
	"meter_billing/internal/store"
)

// Reloader replaces the served run with the latest persisted one and
// returns its run ID.
type Reloader func(ctx context.Context) (string, error)

// Options configures the router. Zero values disable the optional routes.
type Options struct {
	AllowOrigins []string
	Reload       Reloader
	WS           http.Handler
	Metrics      *metrics.Metrics
	Log          logrus.FieldLogger
}

type server struct {
	store   *store.Store
	reload  Reloader
	metrics *metrics.Metrics
	log     logrus.FieldLogger
}

// NewRouter serves the billing query API over s.
func NewRouter(s *store.Store, opts Options) *gin.Engine {
	if opts.Log == nil {
		opts.Log = logrus.StandardLogger()
	}
	srv := &server{store: s, reload: opts.Reload, metrics: opts.Metrics, log: opts.Log}

	r := gin.New()
	// Correlation IDs: reuse the caller's or generate one per request.
	r.Use(func(c *gin.Context) {
		cid := c.GetHeader("x-correlation-id")
		if cid == "" {
			cid = uuid.NewString()
		}
		c.Set("correlation_id", cid)
		c.Header("x-correlation-id", cid)
		c.Next()
	})

	r.Use(cors.New(corsConfig(opts.AllowOrigins)))
	r.Use(srv.observe())
	r.Use(gin.Recovery())

	r.GET("/health", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})
	r.GET("/metrics", gin.WrapH(opts.Metrics.Handler()))

	r.GET("/billing", srv.billing)
	r.GET("/summaries", srv.summaries)
	r.GET("/anomalies", srv.anomalies)
	r.POST("/reload", srv.reloadRun)

	if opts.WS != nil {
		r.GET("/ws", gin.WrapH(opts.WS))
	}
	return r
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.DefaultConfig()
	cfg.AllowAllOrigins = len(origins) == 0
	for _, o := range origins {
		if o == "*" {
			cfg.AllowAllOrigins = true
		}
	}
	if !cfg.AllowAllOrigins {
		cfg.AllowOrigins = origins
	}
	cfg.AddAllowMethods("GET", "POST", "OPTIONS")
	cfg.AddAllowHeaders("Origin", "Content-Type", "x-correlation-id")
	cfg.AddExposeHeaders("Content-Length", "Content-Disposition", "x-correlation-id")
	return cfg
}

// observe records request metrics and logs failed requests.
func (s *server) observe() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		s.metrics.HTTPRequest(route, status, time.Since(start))

		if len(c.Errors) > 0 {
			logging.LogError(s.log, "api", c.HandlerName(), route, c.GetString("correlation_id"), c.Errors.Last())
			return
		}
		s.log.WithFields(logrus.Fields{
			"route":          route,
			"status":         status,
			"correlation_id": c.GetString("correlation_id"),
		}).Debug("request served")
	}
}
