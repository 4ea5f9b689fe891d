package models

import (
	"strings"
	"time"
)

// Visibility mirrors the visibility level reported by upstream services.
type Visibility string

const (
	VisibilityPublic   Visibility = "PUBLIC"
	VisibilityUnlisted Visibility = "UNLISTED"
	VisibilityPrivate  Visibility = "PRIVATE"
)

// ParseVisibility normalizes an upstream visibility string. Unknown values
// fall back to unlisted, the most conservative level that still allows the
// mirror to reference the resource.
func ParseVisibility(raw string) Visibility {
	switch Visibility(strings.ToUpper(strings.TrimSpace(raw))) {
	case VisibilityPublic:
		return VisibilityPublic
	case VisibilityPrivate:
		return VisibilityPrivate
	default:
		return VisibilityUnlisted
	}
}

// RepoType distinguishes the version control backend of a mirrored repository.
type RepoType string

const (
	RepoTypeGit RepoType = "git"
	RepoTypeHg  RepoType = "hg"
)

// EventType enumerates the kinds of events recorded in a project feed.
type EventType string

const (
	EventTypeSourceRepoAdded  EventType = "source_repo_added"
	EventTypeMailingListAdded EventType = "mailing_list_added"
	EventTypeTrackerAdded     EventType = "tracker_added"
	EventTypeExternal         EventType = "external_event"
)

// User is a locally mirrored account on the platform. Webhook payloads name
// users by username; rows are created on first sight.
type User struct {
	ID       uint      `gorm:"column:id;primaryKey"`
	Created  time.Time `gorm:"column:created;not null"`
	Username string    `gorm:"column:username;size:128;uniqueIndex;not null"`
}

// TableName provides the explicit table binding for GORM.
func (User) TableName() string {
	return "users"
}

// CanonicalName returns the tilde-prefixed form used in URLs and payloads.
func (u *User) CanonicalName() string {
	return "~" + u.Username
}

// Project aggregates mirrored resources under a single owner.
type Project struct {
	ID            uint       `gorm:"column:id;primaryKey"`
	Created       time.Time  `gorm:"column:created;not null"`
	Updated       time.Time  `gorm:"column:updated;not null"`
	OwnerID       uint       `gorm:"column:owner_id;not null;index"`
	Owner         User       `gorm:"foreignKey:OwnerID"`
	Name          string     `gorm:"column:name;size:128;not null"`
	Description   string     `gorm:"column:description;size:512;not null"`
	Visibility    Visibility `gorm:"column:visibility;size:16;not null;default:UNLISTED"`
	SummaryRepoID *uint      `gorm:"column:summary_repo_id"`
}

// TableName provides the explicit table binding for GORM.
func (Project) TableName() string {
	return "projects"
}

// SourceRepo is the local mirror of an upstream source repository. The
// remote id correlates inbound notifications; the same remote repository may
// be mirrored by several projects.
type SourceRepo struct {
	ID          uint       `gorm:"column:id;primaryKey"`
	RemoteID    int64      `gorm:"column:remote_id;not null;index:idx_source_repos_remote"`
	Created     time.Time  `gorm:"column:created;not null"`
	Updated     time.Time  `gorm:"column:updated;not null"`
	ProjectID   uint       `gorm:"column:project_id;not null;index"`
	Project     Project    `gorm:"foreignKey:ProjectID"`
	OwnerID     uint       `gorm:"column:owner_id;not null"`
	Owner       User       `gorm:"foreignKey:OwnerID"`
	Name        string     `gorm:"column:name;size:128;not null"`
	Description string     `gorm:"column:description;not null"`
	RepoType    RepoType   `gorm:"column:repo_type;size:8;not null;index:idx_source_repos_remote"`
	Visibility  Visibility `gorm:"column:visibility;size:16;not null;default:UNLISTED"`
}

// TableName provides the explicit table binding for GORM.
func (SourceRepo) TableName() string {
	return "source_repos"
}

// URL renders the repository's upstream location under the given origin.
func (r *SourceRepo) URL(origin string) string {
	return origin + "/" + r.Owner.CanonicalName() + "/" + r.Name
}

// MailingList is the local mirror of an upstream mailing list.
type MailingList struct {
	ID          uint       `gorm:"column:id;primaryKey"`
	RemoteID    int64      `gorm:"column:remote_id;not null;index"`
	Created     time.Time  `gorm:"column:created;not null"`
	Updated     time.Time  `gorm:"column:updated;not null"`
	ProjectID   uint       `gorm:"column:project_id;not null;index"`
	Project     Project    `gorm:"foreignKey:ProjectID"`
	OwnerID     uint       `gorm:"column:owner_id;not null"`
	Owner       User       `gorm:"foreignKey:OwnerID"`
	Name        string     `gorm:"column:name;size:128;not null"`
	Description string     `gorm:"column:description;size:512;not null"`
	Visibility  Visibility `gorm:"column:visibility;size:16;not null;default:UNLISTED"`
}

// TableName provides the explicit table binding for GORM.
func (MailingList) TableName() string {
	return "mailing_lists"
}

// URL renders the list archive location under the given origin.
func (m *MailingList) URL(origin string) string {
	return origin + "/" + m.Owner.CanonicalName() + "/" + m.Name
}

// PostingAddr returns the list's posting address for the given mail domain.
func (m *MailingList) PostingAddr(domain string) string {
	return m.Owner.CanonicalName() + "/" + m.Name + "@" + domain
}

// Tracker is the local mirror of an upstream ticket tracker.
type Tracker struct {
	ID          uint       `gorm:"column:id;primaryKey"`
	RemoteID    int64      `gorm:"column:remote_id;not null;index"`
	Created     time.Time  `gorm:"column:created;not null"`
	Updated     time.Time  `gorm:"column:updated;not null"`
	ProjectID   uint       `gorm:"column:project_id;not null;index"`
	Project     Project    `gorm:"foreignKey:ProjectID"`
	OwnerID     uint       `gorm:"column:owner_id;not null"`
	Owner       User       `gorm:"foreignKey:OwnerID"`
	Name        string     `gorm:"column:name;size:128;not null"`
	Description string     `gorm:"column:description"`
	Visibility  Visibility `gorm:"column:visibility;size:16;not null;default:UNLISTED"`
}

// TableName provides the explicit table binding for GORM.
func (Tracker) TableName() string {
	return "trackers"
}

// URL renders the tracker location under the given origin.
func (t *Tracker) URL(origin string) string {
	return origin + "/" + t.Owner.CanonicalName() + "/" + t.Name
}

// Event is an immutable record of something that happened, either locally
// (a resource was attached to a project) or on an upstream service. External
// events carry a canonical URL used as the deduplication key: the same
// upstream happening is stored once and associated with every interested
// project through EventProjectAssociation.
type Event struct {
	ID        uint      `gorm:"column:id;primaryKey"`
	Created   time.Time `gorm:"column:created;not null"`
	EventType EventType `gorm:"column:event_type;size:32;not null"`

	// Acting user, nullable for anonymous senders (email-only participants).
	UserID *uint `gorm:"column:user_id;index"`
	User   *User `gorm:"foreignKey:UserID"`

	SourceRepoID  *uint `gorm:"column:source_repo_id"`
	MailingListID *uint `gorm:"column:mailing_list_id"`
	TrackerID     *uint `gorm:"column:tracker_id"`

	ExternalSource       string `gorm:"column:external_source;index:idx_events_external"`
	ExternalSummary      string `gorm:"column:external_summary"`
	ExternalSummaryPlain string `gorm:"column:external_summary_plain"`
	ExternalDetails      string `gorm:"column:external_details"`
	ExternalDetailsPlain string `gorm:"column:external_details_plain"`
	ExternalURL          string `gorm:"column:external_url;index:idx_events_external"`
}

// TableName provides the explicit table binding for GORM.
func (Event) TableName() string {
	return "events"
}

// EventProjectAssociation joins events to the projects whose feeds display
// them. A duplicate upstream notification for a resource shared by several
// projects adds association rows instead of new events.
type EventProjectAssociation struct {
	EventID   uint `gorm:"column:event_id;primaryKey"`
	ProjectID uint `gorm:"column:project_id;primaryKey"`
}

// TableName provides the explicit table binding for GORM.
func (EventProjectAssociation) TableName() string {
	return "event_project_associations"
}
