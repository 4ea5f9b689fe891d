package services

import (
	"context"
	"fmt"
)

// Tool icons understood by the mailing list service. The icon next to a
// patchset tracks the state of the builds submitted for it.
const (
	ToolIconPending   = "PENDING"
	ToolIconWaiting   = "WAITING"
	ToolIconSuccess   = "SUCCESS"
	ToolIconFailed    = "FAILED"
	ToolIconCancelled = "CANCELLED"
)

// Patch is a single patch within a patchset, as delivered by the mailing
// list service.
type Patch struct {
	Trailers []struct {
		Name  string `json:"name"`
		Value string `json:"value"`
	} `json:"trailers"`
}

// Patchset is the wire representation of a patchset delivered by the
// mailing list service.
type Patchset struct {
	ID      int    `json:"id"`
	Subject string `json:"subject"`
	Prefix  string `json:"prefix"`
	Version int    `json:"version"`
	Thread  struct {
		Root struct {
			MessageID string `json:"messageID"`
			ReplyTo   string `json:"reply_to"`
		} `json:"root"`
	} `json:"thread"`
	Submitter struct {
		Name    string `json:"name"`
		Address string `json:"address"`
	} `json:"submitter"`
	Patches []Patch `json:"patches"`
}

// PatchsetSummary is the subset of patchset metadata needed to apply one
// patchset on top of another.
type PatchsetSummary struct {
	ID      int    `json:"id"`
	Subject string `json:"subject"`
	Prefix  string `json:"prefix"`
}

// ListsService exposes the mailing list operations the hub performs while
// tracking patchset builds.
type ListsService interface {
	// CreateTool attaches a status icon to a patchset and returns the tool
	// id used for later updates.
	CreateTool(ctx context.Context, actingUser string, patchsetID int, icon, details string) (int, error)
	// UpdateTool changes the icon and details of an existing tool.
	UpdateTool(ctx context.Context, actingUser string, toolID int, icon, details string) error
	// GetPatchset fetches the metadata of a patchset referenced as a
	// dependency.
	GetPatchset(ctx context.Context, actingUser string, patchsetID int) (*PatchsetSummary, error)
}

type listsClient struct {
	client *Client
}

// NewListsService constructs a client for the mailing list service.
func NewListsService(client *Client) ListsService {
	return &listsClient{client: client}
}

const createToolMutation = `
mutation CreateTool($patchsetID: Int!, $details: String!, $icon: ToolIcon!) {
	createTool(patchsetID: $patchsetID, details: $details, icon: $icon) { id }
}`

func (l *listsClient) CreateTool(ctx context.Context, actingUser string, patchsetID int, icon, details string) (int, error) {
	variables := map[string]interface{}{
		"patchsetID": patchsetID,
		"details":    details,
		"icon":       icon,
	}
	var response struct {
		CreateTool struct {
			ID int `json:"id"`
		} `json:"createTool"`
	}
	if err := l.client.DoIdempotent(ctx, actingUser, createToolMutation, variables, &response); err != nil {
		return 0, err
	}
	return response.CreateTool.ID, nil
}

const updateToolMutation = `
mutation UpdateTool($toolID: Int!, $details: String!, $icon: ToolIcon!) {
	updateTool(id: $toolID, details: $details, icon: $icon) { id }
}`

func (l *listsClient) UpdateTool(ctx context.Context, actingUser string, toolID int, icon, details string) error {
	variables := map[string]interface{}{
		"toolID":  toolID,
		"details": details,
		"icon":    icon,
	}
	return l.client.DoIdempotent(ctx, actingUser, updateToolMutation, variables, nil)
}

const patchsetQuery = `
query Patchset($patchsetID: Int!) {
	patchset(id: $patchsetID) { id subject prefix }
}`

func (l *listsClient) GetPatchset(ctx context.Context, actingUser string, patchsetID int) (*PatchsetSummary, error) {
	variables := map[string]interface{}{"patchsetID": patchsetID}
	var response struct {
		Patchset *PatchsetSummary `json:"patchset"`
	}
	if err := l.client.Do(ctx, actingUser, patchsetQuery, variables, &response); err != nil {
		return nil, err
	}
	if response.Patchset == nil {
		return nil, fmt.Errorf("services: patchset %d not found", patchsetID)
	}
	return response.Patchset, nil
}
