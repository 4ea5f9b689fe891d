package services

import (
	"context"
	"fmt"
	"strings"
)

// CommentInput describes a comment to post on a ticket. When Resolution is
// set the ticket is resolved with that resolution; otherwise the comment is
// posted without changing the ticket status.
type CommentInput struct {
	Text       string
	Resolution string
}

// TodoService exposes the ticket tracker operations the hub performs when
// commits reference tickets.
type TodoService interface {
	// TicketComments returns the text of every comment on a ticket along
	// with the tracker's numeric id.
	TicketComments(ctx context.Context, actingUser, owner, trackerName string, ticketID int) ([]string, int, error)
	// SubmitComment posts a comment, optionally resolving the ticket.
	SubmitComment(ctx context.Context, actingUser string, trackerID, ticketID int, input CommentInput) error
	// EnsureTicketWebhook subscribes the hub to comment events on a
	// ticket so project feeds can mirror the discussion.
	EnsureTicketWebhook(ctx context.Context, actingUser string, trackerID, ticketID int, url string) error
}

type todoClient struct {
	client *Client
}

// NewTodoService constructs a client for the ticket tracker service.
func NewTodoService(client *Client) TodoService {
	return &todoClient{client: client}
}

const ticketCommentsQuery = `
query TicketComments($username: String!, $trackerName: String!, $ticketID: Int!) {
	user(username: $username) {
		tracker(name: $trackerName) {
			id
			ticket(id: $ticketID) {
				events {
					results {
						changes {
							... on Comment { text }
						}
					}
				}
			}
		}
	}
}`

type ticketCommentsResponse struct {
	User struct {
		Tracker *struct {
			ID     int `json:"id"`
			Ticket *struct {
				Events struct {
					Results []struct {
						Changes []struct {
							Text string `json:"text"`
						} `json:"changes"`
					} `json:"results"`
				} `json:"events"`
			} `json:"ticket"`
		} `json:"tracker"`
	} `json:"user"`
}

func (t *todoClient) TicketComments(ctx context.Context, actingUser, owner, trackerName string, ticketID int) ([]string, int, error) {
	variables := map[string]interface{}{
		"username":    strings.TrimPrefix(owner, "~"),
		"trackerName": trackerName,
		"ticketID":    ticketID,
	}
	var response ticketCommentsResponse
	if err := t.client.Do(ctx, actingUser, ticketCommentsQuery, variables, &response); err != nil {
		return nil, 0, err
	}
	tracker := response.User.Tracker
	if tracker == nil {
		return nil, 0, fmt.Errorf("services: tracker %s/%s not found", owner, trackerName)
	}
	if tracker.Ticket == nil {
		return nil, 0, fmt.Errorf("services: ticket %s/%s#%d not found", owner, trackerName, ticketID)
	}

	var comments []string
	for _, event := range tracker.Ticket.Events.Results {
		for _, change := range event.Changes {
			if change.Text != "" {
				comments = append(comments, change.Text)
			}
		}
	}
	return comments, tracker.ID, nil
}

const submitCommentMutation = `
mutation SubmitComment($trackerID: Int!, $ticketID: Int!, $input: SubmitCommentInput!) {
	submitComment(trackerId: $trackerID, ticketId: $ticketID, input: $input) { id }
}`

func (t *todoClient) SubmitComment(ctx context.Context, actingUser string, trackerID, ticketID int, input CommentInput) error {
	commentInput := map[string]interface{}{"text": input.Text}
	if input.Resolution != "" {
		commentInput["status"] = "RESOLVED"
		commentInput["resolution"] = input.Resolution
	}
	variables := map[string]interface{}{
		"trackerID": trackerID,
		"ticketID":  ticketID,
		"input":     commentInput,
	}
	return t.client.DoIdempotent(ctx, actingUser, submitCommentMutation, variables, nil)
}

const createTicketWebhookMutation = `
mutation CreateTicketWebhook($trackerID: Int!, $ticketID: Int!, $config: TicketWebhookInput!) {
	createTicketWebhook(trackerId: $trackerID, ticketId: $ticketID, config: $config) { id }
}`

func (t *todoClient) EnsureTicketWebhook(ctx context.Context, actingUser string, trackerID, ticketID int, url string) error {
	variables := map[string]interface{}{
		"trackerID": trackerID,
		"ticketID":  ticketID,
		"config": map[string]interface{}{
			"url":    url,
			"events": []string{"EVENT_CREATED"},
			"query":  "{}",
		},
	}
	return t.client.DoIdempotent(ctx, actingUser, createTicketWebhookMutation, variables, nil)
}
