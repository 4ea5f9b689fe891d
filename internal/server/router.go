// Package server exposes the webhook endpoints through which upstream
// services drive this hub.
package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/forgehub/hub/internal/builds"
	"github.com/forgehub/hub/internal/config"
	"github.com/forgehub/hub/internal/events"
	"github.com/forgehub/hub/internal/mirror"
	"github.com/forgehub/hub/internal/services"
	"github.com/forgehub/hub/internal/tickets"
	"github.com/forgehub/hub/internal/users"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase  = errors.New("database dependency required")
	errMissingEvents    = errors.New("event store dependency required")
	errMissingMirror    = errors.New("mirror updater dependency required")
	errMissingUsers     = errors.New("user service dependency required")
	errMissingResolver  = errors.New("ticket resolver dependency required")
	errMissingSubmitter = errors.New("patchset submitter dependency required")
	errMissingGit       = errors.New("git service dependency required")
	errMissingTodo      = errors.New("todo service dependency required")
	errMissingLists     = errors.New("lists service dependency required")
	errMissingSealer    = errors.New("token sealer dependency required")
)

// Dependencies wires the webhook endpoints to the rest of the service.
type Dependencies struct {
	Database  *gorm.DB
	Events    *events.Store
	Mirror    *mirror.Updater
	Users     *users.Service
	Resolver  *tickets.Resolver
	Submitter *builds.Submitter
	Git       services.GitService
	Todo      services.TodoService
	Lists     services.ListsService
	Sealer    *builds.TokenSealer
	Origins   config.Origins
	Secrets   config.Secrets
	Logger    *zap.Logger
}

// NewHTTPHandler builds the webhook router. Every endpoint is guarded by
// signature verification against the secret shared with the sending
// service.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	switch {
	case deps.Database == nil:
		return nil, errMissingDatabase
	case deps.Events == nil:
		return nil, errMissingEvents
	case deps.Mirror == nil:
		return nil, errMissingMirror
	case deps.Users == nil:
		return nil, errMissingUsers
	case deps.Resolver == nil:
		return nil, errMissingResolver
	case deps.Submitter == nil:
		return nil, errMissingSubmitter
	case deps.Git == nil:
		return nil, errMissingGit
	case deps.Todo == nil:
		return nil, errMissingTodo
	case deps.Lists == nil:
		return nil, errMissingLists
	case deps.Sealer == nil:
		return nil, errMissingSealer
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Content-Type", signatureHeader, eventHeader},
		MaxAge:       12 * time.Hour,
	}))

	handler := &webhookHandler{
		db:        deps.Database,
		events:    deps.Events,
		mirror:    deps.Mirror,
		users:     deps.Users,
		resolver:  deps.Resolver,
		submitter: deps.Submitter,
		git:       deps.Git,
		todo:      deps.Todo,
		lists:     deps.Lists,
		sealer:    deps.Sealer,
		origins:   deps.Origins,
		logger:    logger,
	}

	webhooks := router.Group("/webhooks")
	webhooks.POST("/git-user/:id",
		verifySignature(deps.Secrets.Git, logger), handler.handleGitUser)
	webhooks.POST("/git-repo/:id",
		verifySignature(deps.Secrets.Git, logger), handler.handleGitRepo)
	webhooks.POST("/hg-user/:id",
		verifySignature(deps.Secrets.Hg, logger), handler.handleHgUser)
	webhooks.POST("/gql/mailing-list/:id",
		verifySignature(deps.Secrets.Lists, logger), handler.handleMailingList)
	webhooks.POST("/todo-user/:id",
		verifySignature(deps.Secrets.Todo, logger), handler.handleTodoUser)
	webhooks.POST("/todo-tracker/:id",
		verifySignature(deps.Secrets.Todo, logger), handler.handleTodoTracker)
	webhooks.POST("/todo-ticket/:id/ticket",
		verifySignature(deps.Secrets.Todo, logger), handler.handleTodoTicket)
	webhooks.POST("/build-complete/:token",
		verifySignature(deps.Secrets.Builds, logger), handler.handleBuildComplete)

	return router, nil
}
