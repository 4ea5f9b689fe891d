// Package mirror applies upstream update and delete notifications to the
// locally mirrored resource rows.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/forgehub/hub/internal/models"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var errMissingDatabase = errors.New("mirror: database handle is required")

// UpdaterConfig describes the dependencies of the mirror updater.
type UpdaterConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Updater overwrites or removes mirror rows in response to upstream
// notifications. The same remote resource may be mirrored by several
// projects, so every operation applies to all rows matching the remote id
// and reports how many it touched; zero means the notification is not
// recognized locally, which callers treat as benign.
type Updater struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewUpdater constructs the mirror updater.
func NewUpdater(cfg UpdaterConfig) (*Updater, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Updater{db: cfg.Database, clock: clock, logger: logger}, nil
}

// RepoUpdate carries the fields an upstream repo:update notification may
// overwrite.
type RepoUpdate struct {
	RemoteID    int64
	RepoType    models.RepoType
	Name        string
	Description string
	Visibility  models.Visibility
}

// UpdateRepos overwrites every mirrored repository matching the remote id
// and kind, touching each owning project's activity timestamp. Returns the
// number of rows updated.
func (u *Updater) UpdateRepos(ctx context.Context, upd RepoUpdate) (int, error) {
	now := u.clock().UTC()
	count := 0
	err := u.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var repos []models.SourceRepo
		err := tx.Where("remote_id = ? AND repo_type = ?", upd.RemoteID, upd.RepoType).
			Find(&repos).Error
		if err != nil {
			return fmt.Errorf("mirror: repo lookup failed: %w", err)
		}
		for i := range repos {
			repo := &repos[i]
			repo.Name = upd.Name
			repo.Description = upd.Description
			repo.Visibility = upd.Visibility
			repo.Updated = now
			if err := tx.Save(repo).Error; err != nil {
				return fmt.Errorf("mirror: repo update failed: %w", err)
			}
			if err := touchProject(tx, repo.ProjectID, now); err != nil {
				return err
			}
		}
		count = len(repos)
		return nil
	})
	if err != nil {
		return 0, err
	}
	u.logger.Debug("mirrored repos updated",
		zap.Int64("remote_id", upd.RemoteID), zap.Int("rows", count))
	return count, nil
}

// DeleteRepos removes every mirrored repository matching the remote id and
// kind. A repository designated as its project's summary repo is unlinked
// first so the project row never dangles, and events referencing the
// repository are removed from every feed. Returns the number of rows
// removed.
func (u *Updater) DeleteRepos(ctx context.Context, remoteID int64, repoType models.RepoType) (int, error) {
	now := u.clock().UTC()
	count := 0
	err := u.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var repos []models.SourceRepo
		err := tx.Where("remote_id = ? AND repo_type = ?", remoteID, repoType).
			Find(&repos).Error
		if err != nil {
			return fmt.Errorf("mirror: repo lookup failed: %w", err)
		}
		for i := range repos {
			repo := &repos[i]
			err := tx.Model(&models.Project{}).
				Where("id = ? AND summary_repo_id = ?", repo.ProjectID, repo.ID).
				Update("summary_repo_id", nil).Error
			if err != nil {
				return fmt.Errorf("mirror: summary repo unlink failed: %w", err)
			}
			if err := deleteResourceEvents(tx, "source_repo_id", repo.ID); err != nil {
				return err
			}
			if err := tx.Delete(repo).Error; err != nil {
				return fmt.Errorf("mirror: repo delete failed: %w", err)
			}
			if err := touchProject(tx, repo.ProjectID, now); err != nil {
				return err
			}
		}
		count = len(repos)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// ListUpdate carries the fields an upstream list update may overwrite.
type ListUpdate struct {
	RemoteID    int64
	Name        string
	Description string
	Visibility  models.Visibility
}

// UpdateLists overwrites every mirrored mailing list matching the remote id.
func (u *Updater) UpdateLists(ctx context.Context, upd ListUpdate) (int, error) {
	now := u.clock().UTC()
	count := 0
	err := u.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var lists []models.MailingList
		if err := tx.Where("remote_id = ?", upd.RemoteID).Find(&lists).Error; err != nil {
			return fmt.Errorf("mirror: list lookup failed: %w", err)
		}
		for i := range lists {
			list := &lists[i]
			list.Name = upd.Name
			list.Description = upd.Description
			list.Visibility = upd.Visibility
			list.Updated = now
			if err := tx.Save(list).Error; err != nil {
				return fmt.Errorf("mirror: list update failed: %w", err)
			}
			if err := touchProject(tx, list.ProjectID, now); err != nil {
				return err
			}
		}
		count = len(lists)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// DeleteLists removes every mirrored mailing list matching the remote id,
// along with the events referencing it.
func (u *Updater) DeleteLists(ctx context.Context, remoteID int64) (int, error) {
	now := u.clock().UTC()
	count := 0
	err := u.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var lists []models.MailingList
		if err := tx.Where("remote_id = ?", remoteID).Find(&lists).Error; err != nil {
			return fmt.Errorf("mirror: list lookup failed: %w", err)
		}
		for i := range lists {
			list := &lists[i]
			if err := deleteResourceEvents(tx, "mailing_list_id", list.ID); err != nil {
				return err
			}
			if err := tx.Delete(list).Error; err != nil {
				return fmt.Errorf("mirror: list delete failed: %w", err)
			}
			if err := touchProject(tx, list.ProjectID, now); err != nil {
				return err
			}
		}
		count = len(lists)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// TrackerUpdate carries the fields an upstream tracker update may overwrite.
type TrackerUpdate struct {
	RemoteID    int64
	Name        string
	Description string
	Visibility  models.Visibility
}

// UpdateTrackers overwrites every mirrored tracker matching the remote id.
func (u *Updater) UpdateTrackers(ctx context.Context, upd TrackerUpdate) (int, error) {
	now := u.clock().UTC()
	count := 0
	err := u.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var trackers []models.Tracker
		if err := tx.Where("remote_id = ?", upd.RemoteID).Find(&trackers).Error; err != nil {
			return fmt.Errorf("mirror: tracker lookup failed: %w", err)
		}
		for i := range trackers {
			tracker := &trackers[i]
			tracker.Name = upd.Name
			tracker.Description = upd.Description
			tracker.Visibility = upd.Visibility
			tracker.Updated = now
			if err := tx.Save(tracker).Error; err != nil {
				return fmt.Errorf("mirror: tracker update failed: %w", err)
			}
			if err := touchProject(tx, tracker.ProjectID, now); err != nil {
				return err
			}
		}
		count = len(trackers)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// DeleteTrackers removes every mirrored tracker matching the remote id,
// along with the events referencing it.
func (u *Updater) DeleteTrackers(ctx context.Context, remoteID int64) (int, error) {
	now := u.clock().UTC()
	count := 0
	err := u.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var trackers []models.Tracker
		if err := tx.Where("remote_id = ?", remoteID).Find(&trackers).Error; err != nil {
			return fmt.Errorf("mirror: tracker lookup failed: %w", err)
		}
		for i := range trackers {
			tracker := &trackers[i]
			if err := deleteResourceEvents(tx, "tracker_id", tracker.ID); err != nil {
				return err
			}
			if err := tx.Delete(tracker).Error; err != nil {
				return fmt.Errorf("mirror: tracker delete failed: %w", err)
			}
			if err := touchProject(tx, tracker.ProjectID, now); err != nil {
				return err
			}
		}
		count = len(trackers)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// deleteResourceEvents removes every event referencing the mirror row
// being deleted, along with its feed associations, so no feed shows
// entries for a resource that no longer exists.
func deleteResourceEvents(tx *gorm.DB, column string, resourceID uint) error {
	var eventIDs []uint
	err := tx.Model(&models.Event{}).Where(column+" = ?", resourceID).Pluck("id", &eventIDs).Error
	if err != nil {
		return fmt.Errorf("mirror: event lookup failed: %w", err)
	}
	if len(eventIDs) == 0 {
		return nil
	}
	if err := tx.Where("event_id IN ?", eventIDs).Delete(&models.EventProjectAssociation{}).Error; err != nil {
		return fmt.Errorf("mirror: event association delete failed: %w", err)
	}
	if err := tx.Where("id IN ?", eventIDs).Delete(&models.Event{}).Error; err != nil {
		return fmt.Errorf("mirror: event delete failed: %w", err)
	}
	return nil
}

func touchProject(tx *gorm.DB, projectID uint, now time.Time) error {
	err := tx.Model(&models.Project{}).
		Where("id = ?", projectID).
		Update("updated", now).Error
	if err != nil {
		return fmt.Errorf("mirror: project touch failed: %w", err)
	}
	return nil
}
