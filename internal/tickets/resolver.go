// Package tickets turns commit message trailers into ticket tracker
// actions: a "Fixes:" trailer naming a ticket URL resolves the ticket and
// leaves a comment linking back to the commit.
package tickets

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/forgehub/hub/internal/services"
	"github.com/forgehub/hub/internal/trailers"
	"go.uber.org/zap"
)

// Trailer keys that act on tickets, mapped to the resolution applied. An
// empty resolution posts a comment without changing the ticket status.
// Keys match case-sensitively.
var trailerResolutions = map[string]string{
	"Closes":     "CLOSED",
	"Fixes":      "FIXED",
	"Implements": "IMPLEMENTED",
	"References": "",
}

// ResolverConfig describes the dependencies of the trailer resolver.
type ResolverConfig struct {
	Todo       services.TodoService
	TodoOrigin string
	Logger     *zap.Logger
}

// Resolver scans pushed commits for ticket references.
type Resolver struct {
	todo          services.TodoService
	logger        *zap.Logger
	ticketPattern *regexp.Regexp
}

// NewResolver constructs a resolver bound to one tracker origin. Trailer
// values pointing at other hosts are ignored.
func NewResolver(cfg ResolverConfig) (*Resolver, error) {
	if cfg.Todo == nil {
		return nil, fmt.Errorf("tickets: tracker service required")
	}
	if cfg.TodoOrigin == "" {
		return nil, fmt.Errorf("tickets: tracker origin required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	pattern, err := regexp.Compile(
		`^` + regexp.QuoteMeta(strings.TrimSuffix(cfg.TodoOrigin, "/")) +
			`/~([a-z_][a-z0-9_-]+)/([\w.-]+)/(\d+)$`)
	if err != nil {
		return nil, fmt.Errorf("tickets: compile ticket pattern: %w", err)
	}
	return &Resolver{todo: cfg.Todo, logger: logger, ticketPattern: pattern}, nil
}

// ProcessCommit posts a reference comment for every ticket named in the
// commit's trailers. Already-referenced tickets are skipped so webhook
// redelivery does not duplicate comments.
func (r *Resolver) ProcessCommit(ctx context.Context, actingUser string, commit services.Commit, commitURL string) error {
	for _, trailer := range trailers.Parse(commit.Message) {
		resolution, recognized := trailerResolutions[trailer.Name]
		if !recognized {
			continue
		}
		match := r.ticketPattern.FindStringSubmatch(strings.TrimSpace(trailer.Value))
		if match == nil {
			continue
		}
		owner, trackerName := match[1], match[2]
		ticketID, err := strconv.Atoi(match[3])
		if err != nil {
			continue
		}
		if err := r.referenceTicket(ctx, actingUser, owner, trackerName, ticketID, resolution, commit, commitURL); err != nil {
			return err
		}
	}
	return nil
}

func (r *Resolver) referenceTicket(ctx context.Context, actingUser, owner, trackerName string, ticketID int, resolution string, commit services.Commit, commitURL string) error {
	comments, trackerID, err := r.todo.TicketComments(ctx, actingUser, owner, trackerName, ticketID)
	if err != nil {
		return err
	}

	shortID := commit.ID
	if len(shortID) > 7 {
		shortID = shortID[:7]
	}
	link := fmt.Sprintf("[%s]: %s", shortID, commitURL)
	for _, existing := range comments {
		if strings.Contains(existing, link) {
			return nil
		}
	}

	title := commit.Message
	if index := strings.IndexByte(title, '\n'); index >= 0 {
		title = title[:index]
	}
	text := fmt.Sprintf("*%s referenced this ticket in commit [%s].*\n\n%s \"%s\"",
		commit.Author.Name, shortID, link, title)

	err = r.todo.SubmitComment(ctx, actingUser, trackerID, ticketID, services.CommentInput{
		Text:       text,
		Resolution: resolution,
	})
	if err != nil && resolution != "" && services.IsAccessDenied(err) {
		// The pusher may comment but not resolve; fall back to a plain
		// comment.
		err = r.todo.SubmitComment(ctx, actingUser, trackerID, ticketID, services.CommentInput{Text: text})
	}
	if err != nil && services.IsAccessDenied(err) {
		r.logger.Info("skipping ticket reference without comment access",
			zap.String("tracker", owner+"/"+trackerName),
			zap.Int("ticket", ticketID))
		return nil
	}
	return err
}
