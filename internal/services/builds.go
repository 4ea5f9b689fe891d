package services

import (
	"context"
)

// EmailTrigger describes the addressing of a build-completion email.
type EmailTrigger struct {
	To        string `json:"to"`
	Cc        string `json:"cc,omitempty"`
	InReplyTo string `json:"inReplyTo,omitempty"`
}

// Trigger fires when a build group finishes.
type Trigger struct {
	Type      string        `json:"type"`
	Condition string        `json:"condition"`
	Email     *EmailTrigger `json:"email,omitempty"`
}

// BuildSubmission describes a single build job to submit.
type BuildSubmission struct {
	Manifest   string
	Note       string
	Tags       []string
	Execute    bool
	Visibility string
}

// BuildGroup ties several jobs together so completion is reported once.
type BuildGroup struct {
	JobIDs   []int
	Note     string
	Triggers []Trigger
}

// BuildsService exposes the build farm mutations used when patchsets
// arrive.
type BuildsService interface {
	// SubmitBuild submits one manifest and returns the job id.
	SubmitBuild(ctx context.Context, actingUser string, submission BuildSubmission) (int, error)
	// CreateGroup groups submitted jobs and attaches completion triggers.
	CreateGroup(ctx context.Context, actingUser string, group BuildGroup) error
}

type buildsClient struct {
	client *Client
}

// NewBuildsService constructs a client for the build farm.
func NewBuildsService(client *Client) BuildsService {
	return &buildsClient{client: client}
}

const submitBuildMutation = `
mutation SubmitBuild($manifest: String!, $note: String!, $tags: [String!], $execute: Boolean!, $visibility: Visibility!) {
	submit(manifest: $manifest, note: $note, tags: $tags, execute: $execute, visibility: $visibility) { id }
}`

func (b *buildsClient) SubmitBuild(ctx context.Context, actingUser string, submission BuildSubmission) (int, error) {
	visibility := submission.Visibility
	if visibility == "" {
		visibility = "UNLISTED"
	}
	variables := map[string]interface{}{
		"manifest":   submission.Manifest,
		"note":       submission.Note,
		"tags":       submission.Tags,
		"execute":    submission.Execute,
		"visibility": visibility,
	}
	var response struct {
		Submit struct {
			ID int `json:"id"`
		} `json:"submit"`
	}
	if err := b.client.DoIdempotent(ctx, actingUser, submitBuildMutation, variables, &response); err != nil {
		return 0, err
	}
	return response.Submit.ID, nil
}

const createGroupMutation = `
mutation CreateGroup($jobIDs: [Int!]!, $note: String!, $triggers: [TriggerInput!]!) {
	createGroup(jobIds: $jobIDs, triggers: $triggers, note: $note) { id }
}`

func (b *buildsClient) CreateGroup(ctx context.Context, actingUser string, group BuildGroup) error {
	variables := map[string]interface{}{
		"jobIDs":   group.JobIDs,
		"note":     group.Note,
		"triggers": group.Triggers,
	}
	return b.client.DoIdempotent(ctx, actingUser, createGroupMutation, variables, nil)
}
