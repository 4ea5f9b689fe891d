package server

import (
	"encoding/json"
	"fmt"
)

// eventKind enumerates every webhook event this service accepts. Inbound
// event names are resolved to a kind once and dispatched through
// kind-keyed tables; unrecognized names are rejected before any payload
// decoding.
type eventKind int

const (
	eventUnknown eventKind = iota
	eventRepoUpdate
	eventRepoDelete
	eventRepoPostUpdate
	eventListUpdated
	eventListDeleted
	eventEmailReceived
	eventPatchsetReceived
	eventTrackerUpdate
	eventTrackerDelete
	eventTicketCreate
	eventTicketEvent
)

// Upstream services have migrated header conventions over time: older
// services send colon-separated names, newer GraphQL-driven ones send
// SCREAMING_SNAKE tags. Both resolve here.
var eventKindsByName = map[string]eventKind{
	"repo:update":       eventRepoUpdate,
	"repo:delete":       eventRepoDelete,
	"repo:post-update":  eventRepoPostUpdate,
	"LIST_UPDATED":      eventListUpdated,
	"LIST_DELETED":      eventListDeleted,
	"EMAIL_RECEIVED":    eventEmailReceived,
	"PATCHSET_RECEIVED": eventPatchsetReceived,
	"tracker:update":    eventTrackerUpdate,
	"tracker:delete":    eventTrackerDelete,
	"ticket:create":     eventTicketCreate,
	"event:create":      eventTicketEvent,
}

func parseEventKind(name string) eventKind {
	return eventKindsByName[name]
}

// unwrapEnvelope extracts the webhook object from an enveloped GraphQL
// query-result payload of the form {"data": {"webhook": {...}}}.
func unwrapEnvelope(raw []byte) (json.RawMessage, error) {
	var envelope struct {
		Data struct {
			Webhook json.RawMessage `json:"webhook"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("server: decode envelope: %w", err)
	}
	if len(envelope.Data.Webhook) == 0 {
		return nil, fmt.Errorf("server: envelope has no webhook object")
	}
	return envelope.Data.Webhook, nil
}

// participant is how the tracker service describes whoever performed an
// action: a registered user, a bare email sender, or an external bridge.
type participant struct {
	Type          string `json:"type"`
	Name          string `json:"name"`
	CanonicalName string `json:"canonical_name"`
	Email         string `json:"email"`
	ExternalID    string `json:"external_id"`
}

// label returns the plain-text attribution for the participant.
func (p participant) label() string {
	switch {
	case p.Type == "user":
		return p.CanonicalName
	case p.Type == "email" && p.Name != "":
		return p.Name
	case p.Type == "email":
		return p.Email
	default:
		return p.ExternalID
	}
}

// eventTypeContains reports whether a tracker event-type field, delivered
// either as a string or a list of strings, mentions the given label.
func eventTypeContains(raw json.RawMessage, label string) bool {
	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		return single == label
	}
	var multiple []string
	if err := json.Unmarshal(raw, &multiple); err == nil {
		for _, entry := range multiple {
			if entry == label {
				return true
			}
		}
	}
	return false
}
