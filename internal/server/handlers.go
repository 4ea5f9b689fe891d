package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/forgehub/hub/internal/builds"
	"github.com/forgehub/hub/internal/config"
	"github.com/forgehub/hub/internal/events"
	"github.com/forgehub/hub/internal/mirror"
	"github.com/forgehub/hub/internal/models"
	"github.com/forgehub/hub/internal/services"
	"github.com/forgehub/hub/internal/tickets"
	"github.com/forgehub/hub/internal/users"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// External source labels recorded on feed events.
const (
	sourceGit   = "git"
	sourceHg    = "hg"
	sourceLists = "lists"
	sourceTodo  = "todo"
)

type webhookHandler struct {
	db        *gorm.DB
	events    *events.Store
	mirror    *mirror.Updater
	users     *users.Service
	resolver  *tickets.Resolver
	submitter *builds.Submitter
	git       services.GitService
	todo      services.TodoService
	lists     services.ListsService
	sealer    *builds.TokenSealer
	origins   config.Origins
	logger    *zap.Logger
}

// Dispatch tables, one per endpoint, keyed by verified event kind. An
// event name missing from the endpoint's table is a client error.
type (
	repoUserFunc    func(h *webhookHandler, c *gin.Context, repoType models.RepoType, body []byte)
	repoFunc        func(h *webhookHandler, c *gin.Context, repo *models.SourceRepo, body []byte)
	mailingListFunc func(h *webhookHandler, c *gin.Context, list *models.MailingList, body []byte)
	trackerUserFunc func(h *webhookHandler, c *gin.Context, body []byte)
	trackerFunc     func(h *webhookHandler, c *gin.Context, tracker *models.Tracker, body []byte)
)

var (
	repoUserDispatch = map[eventKind]repoUserFunc{
		eventRepoUpdate: (*webhookHandler).repoUpdate,
		eventRepoDelete: (*webhookHandler).repoDelete,
	}
	repoDispatch = map[eventKind]repoFunc{
		eventRepoPostUpdate: (*webhookHandler).repoPostUpdate,
	}
	mailingListDispatch = map[eventKind]mailingListFunc{
		eventListUpdated:      (*webhookHandler).listUpdated,
		eventListDeleted:      (*webhookHandler).listDeleted,
		eventEmailReceived:    (*webhookHandler).emailReceived,
		eventPatchsetReceived: (*webhookHandler).patchsetReceived,
	}
	trackerUserDispatch = map[eventKind]trackerUserFunc{
		eventTrackerUpdate: (*webhookHandler).trackerUpdate,
		eventTrackerDelete: (*webhookHandler).trackerDelete,
	}
	trackerDispatch = map[eventKind]trackerFunc{
		eventTicketCreate: (*webhookHandler).ticketCreated,
	}
	ticketDispatch = map[eventKind]trackerFunc{
		eventTicketEvent: (*webhookHandler).ticketEvent,
	}
)

func idParam(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_id"})
		return 0, false
	}
	return uint(id), true
}

// handleGitUser processes account-level notifications from the git
// service.
func (h *webhookHandler) handleGitUser(c *gin.Context) {
	h.handleRepoUser(c, models.RepoTypeGit)
}

// handleHgUser processes account-level notifications from the hg service.
func (h *webhookHandler) handleHgUser(c *gin.Context) {
	h.handleRepoUser(c, models.RepoTypeHg)
}

func (h *webhookHandler) handleRepoUser(c *gin.Context, repoType models.RepoType) {
	userID, ok := idParam(c)
	if !ok {
		return
	}
	if _, err := h.users.LookupByID(c.Request.Context(), userID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown_user"})
		return
	}
	handle, ok := repoUserDispatch[parseEventKind(c.GetHeader(eventHeader))]
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown_event"})
		return
	}
	handle(h, c, repoType, rawBody(c))
}

type repoUpdatePayload struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Visibility  string `json:"visibility"`
}

func (h *webhookHandler) repoUpdate(c *gin.Context, repoType models.RepoType, body []byte) {
	var payload repoUpdatePayload
	if err := json.Unmarshal(body, &payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_payload"})
		return
	}
	count, err := h.mirror.UpdateRepos(c.Request.Context(), mirror.RepoUpdate{
		RemoteID:    payload.ID,
		RepoType:    repoType,
		Name:        payload.Name,
		Description: payload.Description,
		Visibility:  models.ParseVisibility(payload.Visibility),
	})
	if err != nil {
		h.logger.Error("repo mirror update failed", zap.Int64("remote_id", payload.ID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "update_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": count})
}

func (h *webhookHandler) repoDelete(c *gin.Context, repoType models.RepoType, body []byte) {
	var payload struct {
		ID int64 `json:"id"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_payload"})
		return
	}
	count, err := h.mirror.DeleteRepos(c.Request.Context(), payload.ID, repoType)
	if err != nil {
		h.logger.Error("repo mirror delete failed", zap.Int64("remote_id", payload.ID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "delete_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": count})
}

// handleGitRepo processes repository-level notifications: pushes.
func (h *webhookHandler) handleGitRepo(c *gin.Context) {
	repoID, ok := idParam(c)
	if !ok {
		return
	}
	var repo models.SourceRepo
	err := h.db.WithContext(c.Request.Context()).Preload("Owner").Take(&repo, repoID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown_repository"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup_failed"})
		return
	}
	handle, ok := repoDispatch[parseEventKind(c.GetHeader(eventHeader))]
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown_event"})
		return
	}
	handle(h, c, &repo, rawBody(c))
}

type pushRef struct {
	Old *struct {
		ID string `json:"id"`
	} `json:"old"`
	New *struct {
		ID      string `json:"id"`
		Message string `json:"message"`
	} `json:"new"`
}

type postUpdatePayload struct {
	Pusher struct {
		Name          string `json:"name"`
		CanonicalName string `json:"canonical_name"`
	} `json:"pusher"`
	Refs []pushRef `json:"refs"`
}

func (h *webhookHandler) repoPostUpdate(c *gin.Context, repo *models.SourceRepo, body []byte) {
	ctx := c.Request.Context()
	var payload postUpdatePayload
	if err := json.Unmarshal(body, &payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_payload"})
		return
	}
	if len(payload.Refs) == 0 || payload.Refs[0].New == nil {
		c.JSON(http.StatusOK, gin.H{"message": "no new head"})
		return
	}

	pusher, err := h.users.Lookup(ctx, payload.Pusher.Name)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown_pusher"})
		return
	}

	head := payload.Refs[0].New
	shortSHA := head.ID
	if len(shortSHA) > 7 {
		shortSHA = shortSHA[:7]
	}
	repoURL := repo.URL(h.origins.Git)
	commitURL := repoURL + "/commit/" + shortSHA
	commitTitle := firstLine(head.Message)
	pusherName := pusher.CanonicalName()
	repoName := repo.Owner.CanonicalName() + "/" + repo.Name

	_, err = h.events.RecordExternalEvent(ctx, events.ExternalEvent{
		Source:       sourceGit,
		ActingUserID: &pusher.ID,
		ProjectID:    repo.ProjectID,
		SourceRepoID: &repo.ID,
		ExternalURL:  commitURL,
		Summary: fmt.Sprintf("<a href='%s'>%s</a> <code>%s</code>",
			commitURL, shortSHA, html.EscapeString(commitTitle)),
		SummaryPlain: fmt.Sprintf("%s - %s", shortSHA, commitTitle),
		Details: fmt.Sprintf("<a href='%s/%s'>%s</a> pushed to <a href='%s'>%s</a> git",
			h.origins.Git, pusherName, pusherName, repoURL, repoName),
		DetailsPlain: fmt.Sprintf("%s pushed to %s git", pusherName, repoName),
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "event_record_failed"})
		return
	}

	for _, ref := range payload.Refs {
		if ref.Old == nil || ref.New == nil || ref.Old.ID == "" || ref.New.ID == "" {
			continue
		}
		commits, err := h.git.Log(ctx, pusher.Username, repo.Owner.CanonicalName(), repo.Name, ref.Old.ID, ref.New.ID)
		if err != nil {
			h.logger.Error("push log fetch failed", zap.String("repo", repoName), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "log_fetch_failed"})
			return
		}
		// Oldest first, so ticket comments appear in commit order.
		for index := len(commits) - 1; index >= 0; index-- {
			commit := commits[index]
			sha := commit.ID
			if len(sha) > 7 {
				sha = sha[:7]
			}
			if err := h.resolver.ProcessCommit(ctx, pusher.Username, commit, repoURL+"/commit/"+sha); err != nil {
				h.logger.Error("trailer processing failed", zap.String("commit", commit.ID), zap.Error(err))
				c.JSON(http.StatusInternalServerError, gin.H{"error": "trailer_processing_failed"})
				return
			}
		}
	}
	c.JSON(http.StatusOK, gin.H{"message": "processed"})
}

// handleMailingList processes notifications from the lists service, which
// delivers enveloped GraphQL payloads.
func (h *webhookHandler) handleMailingList(c *gin.Context) {
	listID, ok := idParam(c)
	if !ok {
		return
	}
	var list models.MailingList
	err := h.db.WithContext(c.Request.Context()).
		Preload("Owner").Preload("Project").Preload("Project.Owner").
		Take(&list, listID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown_mailing_list"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup_failed"})
		return
	}
	handle, ok := mailingListDispatch[parseEventKind(c.GetHeader(eventHeader))]
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown_event"})
		return
	}
	webhook, err := unwrapEnvelope(rawBody(c))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_payload"})
		return
	}
	handle(h, c, &list, webhook)
}

func (h *webhookHandler) listUpdated(c *gin.Context, list *models.MailingList, body []byte) {
	var payload struct {
		List struct {
			Name        string `json:"name"`
			Description string `json:"description"`
			Visibility  string `json:"visibility"`
		} `json:"list"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_payload"})
		return
	}
	count, err := h.mirror.UpdateLists(c.Request.Context(), mirror.ListUpdate{
		RemoteID:    list.RemoteID,
		Name:        payload.List.Name,
		Description: payload.List.Description,
		Visibility:  models.ParseVisibility(payload.List.Visibility),
	})
	if err != nil {
		h.logger.Error("list mirror update failed", zap.Int64("remote_id", list.RemoteID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "update_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": count})
}

func (h *webhookHandler) listDeleted(c *gin.Context, list *models.MailingList, body []byte) {
	count, err := h.mirror.DeleteLists(c.Request.Context(), list.RemoteID)
	if err != nil {
		h.logger.Error("list mirror delete failed", zap.Int64("remote_id", list.RemoteID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "delete_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": count})
}

func (h *webhookHandler) emailReceived(c *gin.Context, list *models.MailingList, body []byte) {
	ctx := c.Request.Context()
	var payload struct {
		Email struct {
			Subject   string `json:"subject"`
			MessageID string `json:"messageID"`
			Sender    struct {
				CanonicalName string `json:"canonicalName"`
				Username      string `json:"username"`
			} `json:"sender"`
		} `json:"email"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_payload"})
		return
	}

	sender := payload.Email.Sender
	archiveURL := list.URL(h.origins.Lists) + "/" + url.PathEscape("<"+payload.Email.MessageID+">")

	var actingUserID *uint
	attribution := sender.CanonicalName
	if sender.Username != "" {
		user, err := h.users.Lookup(ctx, sender.Username)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown_sender"})
			return
		}
		actingUserID = &user.ID
		attribution = fmt.Sprintf("<a href='%s/%s'>%s</a>",
			h.origins.Lists, sender.CanonicalName, sender.CanonicalName)
	}

	eventID, err := h.events.RecordExternalEvent(ctx, events.ExternalEvent{
		Source:        sourceLists,
		ActingUserID:  actingUserID,
		ProjectID:     list.ProjectID,
		MailingListID: &list.ID,
		ExternalURL:   archiveURL,
		Summary: fmt.Sprintf("<a href='%s'>%s</a>",
			archiveURL, html.EscapeString(payload.Email.Subject)),
		SummaryPlain: payload.Email.Subject,
		Details: fmt.Sprintf("%s via <a href='%s'>%s</a>",
			attribution, list.URL(h.origins.Lists), list.Name),
		DetailsPlain: fmt.Sprintf("%s via %s", sender.CanonicalName, list.Name),
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "event_record_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"event": eventID})
}

func (h *webhookHandler) patchsetReceived(c *gin.Context, list *models.MailingList, body []byte) {
	ctx := c.Request.Context()
	var payload struct {
		Patchset services.Patchset `json:"patchset"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_payload"})
		return
	}

	owner := list.Project.Owner
	jobIDs, err := h.submitter.SubmitPatchset(ctx, list, &owner, &payload.Patchset)
	if errors.Is(err, builds.ErrNotApplicable) {
		c.JSON(http.StatusOK, gin.H{"message": "not applicable"})
		return
	}
	if err != nil {
		h.logger.Error("patchset submission failed",
			zap.Int("patchset", payload.Patchset.ID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "submission_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobIDs})
}

// handleTodoUser processes account-level notifications from the tracker
// service.
func (h *webhookHandler) handleTodoUser(c *gin.Context) {
	userID, ok := idParam(c)
	if !ok {
		return
	}
	if _, err := h.users.LookupByID(c.Request.Context(), userID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown_user"})
		return
	}
	handle, ok := trackerUserDispatch[parseEventKind(c.GetHeader(eventHeader))]
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown_event"})
		return
	}
	handle(h, c, rawBody(c))
}

func (h *webhookHandler) trackerUpdate(c *gin.Context, body []byte) {
	var payload struct {
		ID            int64    `json:"id"`
		Name          string   `json:"name"`
		Description   string   `json:"description"`
		DefaultAccess []string `json:"default_access"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_payload"})
		return
	}
	// Any default access at all means the tracker is browsable publicly.
	visibility := models.VisibilityUnlisted
	if len(payload.DefaultAccess) > 0 {
		visibility = models.VisibilityPublic
	}
	count, err := h.mirror.UpdateTrackers(c.Request.Context(), mirror.TrackerUpdate{
		RemoteID:    payload.ID,
		Name:        payload.Name,
		Description: payload.Description,
		Visibility:  visibility,
	})
	if err != nil {
		h.logger.Error("tracker mirror update failed", zap.Int64("remote_id", payload.ID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "update_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": count})
}

func (h *webhookHandler) trackerDelete(c *gin.Context, body []byte) {
	var payload struct {
		ID int64 `json:"id"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_payload"})
		return
	}
	count, err := h.mirror.DeleteTrackers(c.Request.Context(), payload.ID)
	if err != nil {
		h.logger.Error("tracker mirror delete failed", zap.Int64("remote_id", payload.ID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "delete_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": count})
}

func (h *webhookHandler) lookupTracker(c *gin.Context) (*models.Tracker, bool) {
	trackerID, ok := idParam(c)
	if !ok {
		return nil, false
	}
	var tracker models.Tracker
	err := h.db.WithContext(c.Request.Context()).Preload("Owner").Take(&tracker, trackerID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown_tracker"})
		return nil, false
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup_failed"})
		return nil, false
	}
	return &tracker, true
}

// handleTodoTracker processes tracker-level notifications: new tickets.
func (h *webhookHandler) handleTodoTracker(c *gin.Context) {
	tracker, ok := h.lookupTracker(c)
	if !ok {
		return
	}
	handle, ok := trackerDispatch[parseEventKind(c.GetHeader(eventHeader))]
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown_event"})
		return
	}
	handle(h, c, tracker, rawBody(c))
}

func (h *webhookHandler) ticketCreated(c *gin.Context, tracker *models.Tracker, body []byte) {
	ctx := c.Request.Context()
	var payload struct {
		ID        int         `json:"id"`
		Title     string      `json:"title"`
		Submitter participant `json:"submitter"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_payload"})
		return
	}

	actingUserID, attribution, ok := h.attributeParticipant(c, payload.Submitter)
	if !ok {
		return
	}

	ticketURL := fmt.Sprintf("%s/%d", tracker.URL(h.origins.Todo), payload.ID)
	_, err := h.events.RecordExternalEvent(ctx, events.ExternalEvent{
		Source:       sourceTodo,
		ActingUserID: actingUserID,
		ProjectID:    tracker.ProjectID,
		TrackerID:    &tracker.ID,
		ExternalURL:  ticketURL,
		Summary: fmt.Sprintf("<a href='%s'>#%d</a> %s",
			ticketURL, payload.ID, html.EscapeString(payload.Title)),
		SummaryPlain: fmt.Sprintf("#%d %s", payload.ID, payload.Title),
		Details: fmt.Sprintf("%s filed ticket on <a href='%s'>%s</a> todo",
			attribution, tracker.URL(h.origins.Todo), tracker.Name),
		DetailsPlain: fmt.Sprintf("%s filed ticket on %s todo", payload.Submitter.label(), tracker.Name),
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "event_record_failed"})
		return
	}

	// Subscribe to the new ticket's discussion; failure here only costs
	// feed entries for future comments.
	webhookURL := fmt.Sprintf("%s/webhooks/todo-ticket/%d/ticket", h.origins.Hub, tracker.ID)
	err = h.todo.EnsureTicketWebhook(ctx, tracker.Owner.Username, int(tracker.RemoteID), payload.ID, webhookURL)
	if err != nil {
		h.logger.Warn("ticket webhook subscription failed",
			zap.Int64("tracker", tracker.RemoteID), zap.Int("ticket", payload.ID), zap.Error(err))
	}
	c.JSON(http.StatusOK, gin.H{"message": "recorded"})
}

// handleTodoTicket processes ticket-level notifications: comments.
func (h *webhookHandler) handleTodoTicket(c *gin.Context) {
	tracker, ok := h.lookupTracker(c)
	if !ok {
		return
	}
	handle, ok := ticketDispatch[parseEventKind(c.GetHeader(eventHeader))]
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown_event"})
		return
	}
	handle(h, c, tracker, rawBody(c))
}

func (h *webhookHandler) ticketEvent(c *gin.Context, tracker *models.Tracker, body []byte) {
	ctx := c.Request.Context()
	var payload struct {
		EventType json.RawMessage `json:"event_type"`
		User      participant     `json:"user"`
		Ticket    struct {
			ID    int    `json:"id"`
			Title string `json:"title"`
		} `json:"ticket"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_payload"})
		return
	}
	if !eventTypeContains(payload.EventType, "comment") {
		c.JSON(http.StatusOK, gin.H{"message": "ignored"})
		return
	}

	actingUserID, attribution, ok := h.attributeParticipant(c, payload.User)
	if !ok {
		return
	}

	ticketURL := fmt.Sprintf("%s/%d", tracker.URL(h.origins.Todo), payload.Ticket.ID)
	_, err := h.events.RecordExternalEvent(ctx, events.ExternalEvent{
		Source:       sourceTodo,
		ActingUserID: actingUserID,
		ProjectID:    tracker.ProjectID,
		TrackerID:    &tracker.ID,
		ExternalURL:  ticketURL,
		Summary: fmt.Sprintf("<a href='%s'>#%d</a> %s",
			ticketURL, payload.Ticket.ID, html.EscapeString(payload.Ticket.Title)),
		SummaryPlain: fmt.Sprintf("#%d %s", payload.Ticket.ID, payload.Ticket.Title),
		Details: fmt.Sprintf("%s commented on <a href='%s'>%s</a> todo",
			attribution, tracker.URL(h.origins.Todo), tracker.Name),
		DetailsPlain: fmt.Sprintf("%s commented on %s todo", payload.User.label(), tracker.Name),
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "event_record_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "recorded"})
}

// attributeParticipant resolves a tracker participant to a local user id
// (nil for email-only or external participants) and an HTML attribution.
func (h *webhookHandler) attributeParticipant(c *gin.Context, p participant) (*uint, string, bool) {
	if p.Type != "user" {
		return nil, html.EscapeString(p.label()), true
	}
	user, err := h.users.Lookup(c.Request.Context(), p.Name)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown_participant"})
		return nil, "", false
	}
	attribution := fmt.Sprintf("<a href='%s/%s'>%s</a>",
		h.origins.Todo, p.CanonicalName, p.CanonicalName)
	return &user.ID, attribution, true
}

// Build statuses reported by the build farm, mapped onto indicator icons.
var buildStatusIcons = map[string]string{
	"PENDING":   services.ToolIconPending,
	"QUEUED":    services.ToolIconPending,
	"RUNNING":   services.ToolIconWaiting,
	"SUCCESS":   services.ToolIconSuccess,
	"FAILED":    services.ToolIconFailed,
	"TIMEOUT":   services.ToolIconFailed,
	"CANCELLED": services.ToolIconCancelled,
}

// handleBuildComplete closes the loop opened by the patchset submitter:
// the build farm calls back with the correlation token sealed into the
// job's webhook trigger.
func (h *webhookHandler) handleBuildComplete(c *gin.Context) {
	ctx := c.Request.Context()

	token, err := h.sealer.Open(c.Param("token"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_token"})
		return
	}

	var payload struct {
		ID     int    `json:"id"`
		Status string `json:"status"`
		Owner  struct {
			CanonicalName string `json:"canonical_name"`
		} `json:"owner"`
	}
	if err := json.Unmarshal(rawBody(c), &payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_payload"})
		return
	}

	var list models.MailingList
	err = h.db.WithContext(ctx).Preload("Owner").Take(&list, token.MailingListID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown_mailing_list"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup_failed"})
		return
	}

	if payload.Owner.CanonicalName != token.User {
		h.logger.Warn("discarding build callback from unauthorized owner",
			zap.String("claimed", payload.Owner.CanonicalName),
			zap.String("expected", token.User))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "owner_mismatch"})
		return
	}

	icon, ok := buildStatusIcons[strings.ToUpper(payload.Status)]
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown_status"})
		return
	}

	buildURL := fmt.Sprintf("%s/%s/job/%d", h.origins.Builds, token.User, payload.ID)
	details := fmt.Sprintf("[#%d](%s) %s %s", payload.ID, buildURL, token.Name, payload.Status)
	if err := h.lists.UpdateTool(ctx, list.Owner.Username, token.ToolID, icon, details); err != nil {
		h.logger.Error("status indicator update failed",
			zap.Int("tool", token.ToolID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "update_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "recorded"})
}

func firstLine(message string) string {
	if index := strings.IndexByte(message, '\n'); index >= 0 {
		return message[:index]
	}
	return message
}
