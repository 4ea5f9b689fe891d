// Package events persists project feed events and resolves duplicate
// upstream notifications to a single canonical event row.
package events

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/forgehub/hub/internal/models"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase = errors.New("events: database handle is required")
	errMissingProject  = errors.New("events: project id is required")
	errMissingURL      = errors.New("events: external url is required")
	noOpLogger         = zap.NewNop()
)

// StoreConfig describes the dependencies of the event store.
type StoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Store records feed events. External events are deduplicated on their
// (source, sender, canonical URL) tuple; redelivered or cross-project
// duplicates add a project association to the existing row instead of a new
// event.
type Store struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewStore constructs the event store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{db: cfg.Database, clock: clock, logger: logger}, nil
}

// ExternalEvent describes an upstream happening to record.
type ExternalEvent struct {
	// Source names the upstream service, e.g. the lists origin host.
	Source string
	// ActingUserID is nil for anonymous senders, which form their own
	// dedup bucket.
	ActingUserID *uint
	ProjectID    uint

	SourceRepoID  *uint
	MailingListID *uint
	TrackerID     *uint

	// ExternalURL is the canonical upstream URL and the dedup key.
	ExternalURL  string
	Summary      string
	SummaryPlain string
	Details      string
	DetailsPlain string
}

// RecordExternalEvent stores an upstream event at most once. When an event
// with the same (source, sender, url) tuple already exists, only a project
// association is added and the existing id is returned; the first writer's
// summary and details win. The same URL reported for different senders
// yields distinct events. Concurrent duplicate deliveries are serialized by
// the per-sender unique indexes on (external_source, user_id, external_url).
func (s *Store) RecordExternalEvent(ctx context.Context, ev ExternalEvent) (uint, error) {
	if ev.ProjectID == 0 {
		return 0, errMissingProject
	}
	if ev.ExternalURL == "" {
		return 0, errMissingURL
	}

	var eventID uint
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := s.findExisting(tx, ev)
		if err != nil {
			return err
		}
		if existing != nil {
			eventID = existing.ID
			return s.associate(tx, existing.ID, ev.ProjectID)
		}

		event := models.Event{
			Created:              s.clock().UTC(),
			EventType:            models.EventTypeExternal,
			UserID:               ev.ActingUserID,
			SourceRepoID:         ev.SourceRepoID,
			MailingListID:        ev.MailingListID,
			TrackerID:            ev.TrackerID,
			ExternalSource:       ev.Source,
			ExternalSummary:      ev.Summary,
			ExternalSummaryPlain: ev.SummaryPlain,
			ExternalDetails:      ev.Details,
			ExternalDetailsPlain: ev.DetailsPlain,
			ExternalURL:          ev.ExternalURL,
		}
		if err := tx.Create(&event).Error; err != nil {
			if !isDuplicateKey(err) {
				return fmt.Errorf("events: insert failed: %w", err)
			}
			// Lost the race against a concurrent delivery of the same
			// notification; fall back to associating with the winner.
			existing, err = s.findExisting(tx, ev)
			if err != nil {
				return err
			}
			if existing == nil {
				return fmt.Errorf("events: duplicate insert but no existing row for %s", ev.ExternalURL)
			}
			eventID = existing.ID
			return s.associate(tx, existing.ID, ev.ProjectID)
		}
		eventID = event.ID
		return s.associate(tx, event.ID, ev.ProjectID)
	})
	if err != nil {
		s.logger.Error("recording external event failed",
			zap.String("source", ev.Source),
			zap.String("url", ev.ExternalURL),
			zap.Error(err))
		return 0, err
	}
	return eventID, nil
}

func (s *Store) findExisting(tx *gorm.DB, ev ExternalEvent) (*models.Event, error) {
	query := tx.
		Where("event_type = ?", models.EventTypeExternal).
		Where("external_source = ? AND external_url = ?", ev.Source, ev.ExternalURL)
	if ev.ActingUserID != nil {
		query = query.Where("user_id = ?", *ev.ActingUserID)
	} else {
		query = query.Where("user_id IS NULL")
	}

	var existing models.Event
	err := query.Take(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("events: lookup failed: %w", err)
	}
	return &existing, nil
}

func (s *Store) associate(tx *gorm.DB, eventID, projectID uint) error {
	assoc := models.EventProjectAssociation{EventID: eventID, ProjectID: projectID}
	err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&assoc).Error
	if err != nil && !isDuplicateKey(err) {
		return fmt.Errorf("events: association insert failed: %w", err)
	}
	return nil
}

// ResourceAdded describes a locally triggered event: a mirrored resource was
// attached to a project.
type ResourceAdded struct {
	Type          models.EventType
	ProjectID     uint
	ActingUserID  uint
	SourceRepoID  *uint
	MailingListID *uint
	TrackerID     *uint
}

// RecordResourceAdded stores a local resource-added event and its project
// association.
func (s *Store) RecordResourceAdded(ctx context.Context, ev ResourceAdded) (uint, error) {
	if ev.ProjectID == 0 {
		return 0, errMissingProject
	}
	switch ev.Type {
	case models.EventTypeSourceRepoAdded, models.EventTypeMailingListAdded, models.EventTypeTrackerAdded:
	default:
		return 0, fmt.Errorf("events: %q is not a resource-added event type", ev.Type)
	}

	userID := ev.ActingUserID
	event := models.Event{
		Created:       s.clock().UTC(),
		EventType:     ev.Type,
		UserID:        &userID,
		SourceRepoID:  ev.SourceRepoID,
		MailingListID: ev.MailingListID,
		TrackerID:     ev.TrackerID,
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&event).Error; err != nil {
			return fmt.Errorf("events: insert failed: %w", err)
		}
		return s.associate(tx, event.ID, ev.ProjectID)
	})
	if err != nil {
		return 0, err
	}
	return event.ID, nil
}

// ProjectFeed returns a project's events, newest first.
func (s *Store) ProjectFeed(ctx context.Context, projectID uint, limit int) ([]models.Event, error) {
	var feed []models.Event
	query := s.db.WithContext(ctx).
		Joins("JOIN event_project_associations epa ON epa.event_id = events.id").
		Where("epa.project_id = ?", projectID).
		Order("events.created DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&feed).Error; err != nil {
		return nil, fmt.Errorf("events: feed query failed: %w", err)
	}
	return feed, nil
}

func isDuplicateKey(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	// The sqlite driver does not always translate constraint errors.
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
