package persist

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/atgraph-dev/atgraph/models"
)

// Store holds the upsert logic for the derived tables. Every write is
// idempotent: upserts target natural keys (users.did, posts.uri, the raw
// archive's did/time_us/kind) and updates are gated on the buffer sequence,
// so redelivered or out-of-order events converge to the same final state.
// The unique constraints in the schema back this up against application
// bugs and concurrent workers.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// ArchiveRaw appends the unmodified payload to the audit archive. Replays of
// an already-archived event are no-ops.
func (s *Store) ArchiveRaw(tx *gorm.DB, did string, timeUS int64, kind string, raw []byte) error {
	rec := models.RawMessage{
		Did:    did,
		TimeUS: timeUS,
		Kind:   kind,
		Raw:    string(raw),
	}
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "did"}, {Name: "time_us"}, {Name: "kind"}},
		DoNothing: true,
	}).Create(&rec).Error
}

// MarkProcessed flips the archive row's processed flag. Call it inside the
// same transaction as the derived writes it covers.
func (s *Store) MarkProcessed(tx *gorm.DB, did string, timeUS int64, kind string) error {
	return tx.Model(&models.RawMessage{}).
		Where("did = ? AND time_us = ? AND kind = ?", did, timeUS, kind).
		Update("processed", true).Error
}

// UpsertUserIdentity applies an identity event: create the user or update
// handle/activity, but only if this event's sequence is newer than the one
// that produced the stored row.
func (s *Store) UpsertUserIdentity(tx *gorm.DB, did, handle string, seq int64, sourceTime time.Time) error {
	user := models.User{
		Did:        did,
		Handle:     handle,
		Active:     true,
		LastSeq:    seq,
		SourceTime: sourceTime,
	}
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "did"}},
		DoUpdates: clause.AssignmentColumns([]string{"handle", "active", "last_seq", "source_time", "updated_at"}),
		Where: clause.Where{
			Exprs: []clause.Expression{gorm.Expr("users.last_seq < excluded.last_seq")},
		},
	}).Create(&user).Error
}

// UpsertUserStatus applies an account event. It never touches the handle:
// account events carry activity state only, and clobbering the handle would
// lose identity data when events arrive interleaved.
func (s *Store) UpsertUserStatus(tx *gorm.DB, did string, active bool, seq int64, sourceTime time.Time) error {
	user := models.User{
		Did:        did,
		Active:     active,
		LastSeq:    seq,
		SourceTime: sourceTime,
	}
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "did"}},
		DoUpdates: clause.AssignmentColumns([]string{"active", "last_seq", "source_time", "updated_at"}),
		Where: clause.Where{
			Exprs: []clause.Expression{gorm.Expr("users.last_seq < excluded.last_seq")},
		},
	}).Create(&user).Error
}

// EnsureUser creates a placeholder row when a commit arrives before any
// identity event for its author. The placeholder carries sequence zero so
// the first real identity or account event always wins.
func (s *Store) EnsureUser(tx *gorm.DB, did string) error {
	user := models.User{
		Did:    did,
		Active: true,
	}
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "did"}},
		DoNothing: true,
	}).Create(&user).Error
}

// UpsertPost creates or updates a post row by URI, gated on sequence like
// user rows. Parent/root references are stored as-is; the referenced posts
// need not exist.
func (s *Store) UpsertPost(tx *gorm.DB, post *models.Post) error {
	return tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "uri"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"cid", "text", "langs", "record_type", "source_created_at",
			"rev", "operation", "parent_cid", "parent_uri", "root_cid",
			"root_uri", "extra", "last_seq", "updated_at",
		}),
		Where: clause.Where{
			Exprs: []clause.Expression{gorm.Expr("posts.last_seq < excluded.last_seq")},
		},
	}).Create(post).Error
}

// SoftDeletePost marks a post deleted without removing the row, preserving
// the audit trail. Deleting a post that was never ingested is a no-op. The
// sequence gate lives in the UPDATE's WHERE clause, not in a read-then-check:
// concurrent workers race on the same row, and only a statement-level gate
// keeps a stale delete from clobbering a fresher upsert that landed between
// the read and the write.
func (s *Store) SoftDeletePost(tx *gorm.DB, uri string, seq int64, deletedAt time.Time) error {
	var post models.Post
	if err := tx.First(&post, "uri = ?", uri).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil
		}
		return err
	}

	extra := map[string]any{}
	if post.Extra != "" {
		if err := json.Unmarshal([]byte(post.Extra), &extra); err != nil {
			extra = map[string]any{}
		}
	}
	extra["deleted_at"] = deletedAt.UTC().Format(time.RFC3339)

	extraJSON, err := json.Marshal(extra)
	if err != nil {
		return fmt.Errorf("encoding post extra: %w", err)
	}

	return tx.Model(&models.Post{}).
		Where("uri = ? AND last_seq < ?", uri, seq).
		Updates(map[string]interface{}{
			"operation": "delete",
			"extra":     string(extraJSON),
			"last_seq":  seq,
		}).Error
}

// CountUnprocessed reports how many archived events never produced derived
// rows, i.e. the malformed backlog awaiting inspection.
func (s *Store) CountUnprocessed(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&models.RawMessage{}).
		Where("processed = ?", false).
		Count(&count).Error
	return count, err
}

// GetUnprocessed returns archived-but-unprocessed events in source order,
// for inspection or manual replay.
func (s *Store) GetUnprocessed(ctx context.Context, limit int) ([]models.RawMessage, error) {
	var msgs []models.RawMessage
	err := s.db.WithContext(ctx).
		Where("processed = ?", false).
		Order("time_us ASC").
		Limit(limit).
		Find(&msgs).Error
	return msgs, err
}
