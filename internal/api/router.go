package api

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/bcmapp/bcm-server-sub002/internal/apierror"
	"github.com/bcmapp/bcm-server-sub002/internal/authtoken"
	"github.com/bcmapp/bcm-server-sub002/internal/dispatch"
	"github.com/bcmapp/bcm-server-sub002/internal/group"
	"github.com/bcmapp/bcm-server-sub002/internal/metrics"
	"github.com/bcmapp/bcm-server-sub002/internal/push"
	"github.com/bcmapp/bcm-server-sub002/internal/store"
)

// Deps bundles everything the REST/WS surface needs, matching §9's design
// note to pass a services value explicitly through constructors instead of
// reaching for process-global singletons.
type Deps struct {
	Accounts   store.AccountStore
	Challenges *ChallengeStore
	Issuer     *authtoken.Issuer
	Group      *group.Service
	Broadcast  *group.Broadcaster
	Dispatch   *dispatch.Manager
	Push       *push.Service
	Metrics    *metrics.Collector
	Log        *slog.Logger

	PowDifficulty     uint32
	KeepaliveInterval time.Duration
}

// NewRouter builds the gin engine serving spec.md §6's REST surface and the
// WebSocket upgrade endpoint, mirroring EricNguyen1206-Notify-chat-service's
// App.router wiring generalized onto this spec's accounts/group handlers.
func NewRouter(d Deps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{"GET", "PUT", "POST", "DELETE"},
		AllowHeaders:    []string{"Authorization", "Content-Type", "X-Client-Version"},
	}))
	if d.Metrics != nil {
		r.Use(recordLatency(d.Metrics.RecordMix))
	}

	accounts := &accountsController{deps: d}
	accounts.registerRoutes(r)

	groups := &groupController{deps: d}
	groups.registerRoutes(r)

	r.GET("/v1/ws", newWSHandler(d))

	return r
}

// writeError maps the apierror taxonomy onto an HTTP response, the single
// errors.As switch spec.md §7 calls for instead of scattering status codes
// across handlers.
func writeError(c *gin.Context, err error) {
	var appErr *apierror.Error
	if errors.As(err, &appErr) {
		c.JSON(appErr.Status, gin.H{"code": appErr.Code, "error": appErr.Message})
		return
	}
	switch {
	case errors.Is(err, authtoken.ErrExpired), errors.Is(err, authtoken.ErrBadSignature),
		errors.Is(err, authtoken.ErrSerialMismatch), errors.Is(err, authtoken.ErrMalformed):
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
