package models

import (
	"time"
)

// User is the derived actor row, one per DID. LastSeq is the buffer sequence
// that produced the row's current state; writers must only apply updates
// carrying a higher sequence (last-writer-wins by sequence, not arrival).
type User struct {
	ID        uint `gorm:"primarykey"`
	CreatedAt time.Time
	UpdatedAt time.Time

	Did        string `gorm:"uniqueIndex;not null"`
	Handle     string `gorm:"index"`
	Active     bool
	LastSeq    int64 `gorm:"not null;default:0"`
	SourceTime time.Time
}

// Post is the derived record row, one per at:// URI. AuthorDid and the
// parent/root fields are weak references: no foreign key is enforced at
// write time, a post may arrive before its author or its thread parent.
type Post struct {
	ID        uint `gorm:"primarykey"`
	CreatedAt time.Time
	UpdatedAt time.Time

	Uri       string `gorm:"uniqueIndex;not null"`
	Cid       string `gorm:"index"`
	AuthorDid string `gorm:"index;not null"`

	Text  string `gorm:"type:text"`
	Langs string `gorm:"type:text"` // JSON-encoded list, preserves order

	RecordType      string
	SourceCreatedAt time.Time `gorm:"index"`
	Rev             string
	Rkey            string `gorm:"not null"`
	Collection      string `gorm:"not null"`
	Operation       string `gorm:"not null"`

	ParentCid string
	ParentUri string `gorm:"index"`
	RootCid   string
	RootUri   string `gorm:"index"`

	// Extra holds record fields not promoted to columns, JSON-encoded.
	Extra string `gorm:"type:text"`

	LastSeq int64 `gorm:"not null;default:0"`
}

// RawMessage is the append-only audit archive of every buffered event,
// stored unmodified. Only the Processed flag is ever mutated: it flips to
// true once the derived rows for the event have committed.
type RawMessage struct {
	ID        uint `gorm:"primarykey"`
	CreatedAt time.Time

	Did    string `gorm:"uniqueIndex:idx_raw_message_natural;index"`
	TimeUS int64  `gorm:"uniqueIndex:idx_raw_message_natural"`
	Kind   string `gorm:"uniqueIndex:idx_raw_message_natural;index"`

	Raw       string `gorm:"type:text;not null"`
	Processed bool   `gorm:"index;not null;default:false"`
}
