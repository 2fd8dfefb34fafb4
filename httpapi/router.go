// Package httpapi serves the two replicas over HTTP. Edits are posted as
// JSON and every state change of a replica can be followed over a
// websocket.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/raniellyferreira/localfirst-replica/frontend"
)

// Workspace is what the HTTP shell edits
type Workspace interface {
	Editor(name string) (*frontend.Editor, error)
	Sync(ctx context.Context) error
	Info() map[string]interface{}
	Watch(replica string) (<-chan frontend.State, func(), error)
}

// Logger interface for HTTP shell logging
type Logger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...interface{}) {}
func (nopLogger) Info(string, ...interface{})  {}
func (nopLogger) Error(string, ...interface{}) {}

// Options configures the router
type Options struct {
	// AllowOrigins lists the origins allowed by CORS. Empty allows all.
	AllowOrigins []string
	// Metrics, when set, is served at GET /metrics
	Metrics http.Handler
	// RequestTimeout bounds edits and syncs. Defaults to 10s.
	RequestTimeout time.Duration
	Logger         Logger
}

type api struct {
	ws      Workspace
	timeout time.Duration
	logger  Logger
}

// NewRouter builds the gin engine serving ws
func NewRouter(ws Workspace, opts Options) *gin.Engine {
	a := &api{ws: ws, timeout: opts.RequestTimeout, logger: opts.Logger}
	if a.timeout <= 0 {
		a.timeout = 10 * time.Second
	}
	if a.logger == nil {
		a.logger = nopLogger{}
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(a.logRequests)

	corsCfg := cors.DefaultConfig()
	if len(opts.AllowOrigins) == 0 {
		corsCfg.AllowAllOrigins = true
	} else {
		corsCfg.AllowOrigins = opts.AllowOrigins
	}
	r.Use(cors.New(corsCfg))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "ok"})
	})
	if opts.Metrics != nil {
		r.GET("/metrics", gin.WrapH(opts.Metrics))
	}

	v1 := r.Group("/v1")
	v1.GET("/info", a.info)
	v1.POST("/sync", a.sync)
	v1.GET("/replicas/:name", a.state)
	v1.POST("/replicas/:name/edits", a.edit)
	v1.GET("/replicas/:name/ws", a.stream)
	return r
}

func (a *api) logRequests(c *gin.Context) {
	start := time.Now()
	c.Next()
	a.logger.Debug("HTTP request",
		"method", c.Request.Method,
		"path", c.FullPath(),
		"status", c.Writer.Status(),
		"duration", time.Since(start))
}
