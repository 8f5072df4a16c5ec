package firehose

import (
	"fmt"

	"github.com/goccy/go-json"
)

// Event kinds on the wire. Anything else (or an unreadable envelope) is
// archived under KindUnknown.
const (
	KindCommit   = "commit"
	KindIdentity = "identity"
	KindAccount  = "account"
	KindUnknown  = "unknown"
)

// Commit operations.
const (
	OpCreate = "create"
	OpUpdate = "update"
	OpDelete = "delete"
)

// Event is one message from the feed: an envelope (did, time_us, kind) plus
// exactly one kind-specific body. The original payload bytes are retained in
// Raw so the event can be archived unmodified even when the body is
// malformed.
type Event struct {
	Did    string `json:"did"`
	TimeUS int64  `json:"time_us"`
	Kind   string `json:"kind"`

	Commit   *Commit   `json:"commit,omitempty"`
	Identity *Identity `json:"identity,omitempty"`
	Account  *Account  `json:"account,omitempty"`

	// Raw holds the unmodified wire payload. Not serialized.
	Raw []byte `json:"-"`

	// Malformed is set when the envelope was readable but the body failed
	// validation. Such events flow through the pipeline so they end up in
	// the raw archive with processed=false.
	Malformed bool `json:"-"`
}

type Commit struct {
	Rev        string          `json:"rev"`
	Operation  string          `json:"operation"`
	Collection string          `json:"collection"`
	RKey       string          `json:"rkey"`
	CID        string          `json:"cid,omitempty"`
	Record     json.RawMessage `json:"record,omitempty"`
}

type Identity struct {
	Did    string `json:"did"`
	Handle string `json:"handle"`
	Seq    int64  `json:"seq"`
	Time   string `json:"time"`
}

type Account struct {
	Did    string  `json:"did"`
	Active bool    `json:"active"`
	Seq    int64   `json:"seq"`
	Time   string  `json:"time"`
	Status *string `json:"status,omitempty"`
}

// Subject is a strong-ish reference to a specific version of a record.
type Subject struct {
	CID string `json:"cid"`
	URI string `json:"uri"`
}

// ReplyRef points at the parent and thread root of a reply. Both are weak
// references: the referenced posts may not have been ingested (yet, or ever).
type ReplyRef struct {
	Parent Subject `json:"parent"`
	Root   Subject `json:"root"`
}

// FeedPost is the typed sub-schema for app.bsky.feed.* records. Fields not
// promoted to struct members are preserved in Extra.
type FeedPost struct {
	Type      string    `json:"$type"`
	CreatedAt string    `json:"createdAt"`
	Text      string    `json:"text,omitempty"`
	Langs     []string  `json:"langs,omitempty"`
	Reply     *ReplyRef `json:"reply,omitempty"`

	Extra map[string]any `json:"-"`
}

// feedPostColumns are the record fields promoted out of the Extra bag.
var feedPostColumns = map[string]bool{
	"$type":     true,
	"createdAt": true,
	"text":      true,
	"langs":     true,
	"reply":     true,
}

// ParseEvent decodes one wire message.
//
// A message whose envelope cannot be read at all yields an error and no
// event. A message with a readable envelope but a missing or invalid body
// yields an event with Malformed set, so callers can archive it rather than
// drop it.
func ParseEvent(buf []byte) (*Event, error) {
	var evt Event
	if err := json.Unmarshal(buf, &evt); err != nil {
		return nil, fmt.Errorf("failed to unmarshal event: %w", err)
	}

	evt.Raw = buf

	if evt.Did == "" || evt.TimeUS <= 0 {
		return nil, fmt.Errorf("event envelope missing did or time_us")
	}

	if err := evt.validateBody(); err != nil {
		evt.Malformed = true
	}

	return &evt, nil
}

func (e *Event) validateBody() error {
	switch e.Kind {
	case KindCommit:
		if e.Commit == nil {
			return fmt.Errorf("commit event without commit body")
		}
		c := e.Commit
		if c.Collection == "" || c.RKey == "" {
			return fmt.Errorf("commit missing collection or rkey")
		}
		switch c.Operation {
		case OpCreate, OpUpdate:
			if len(c.Record) == 0 {
				return fmt.Errorf("%s operation without record", c.Operation)
			}
		case OpDelete:
			// no record on deletes
		default:
			return fmt.Errorf("unknown commit operation %q", c.Operation)
		}
	case KindIdentity:
		if e.Identity == nil || e.Identity.Did == "" {
			return fmt.Errorf("identity event without identity body")
		}
	case KindAccount:
		if e.Account == nil || e.Account.Did == "" {
			return fmt.Errorf("account event without account body")
		}
	default:
		return fmt.Errorf("unknown event kind %q", e.Kind)
	}
	return nil
}

// AsFeedPost decodes the commit record as a feed post, collecting unknown
// fields into Extra.
func (c *Commit) AsFeedPost() (*FeedPost, error) {
	if len(c.Record) == 0 {
		return nil, fmt.Errorf("commit has no record")
	}

	var post FeedPost
	if err := json.Unmarshal(c.Record, &post); err != nil {
		return nil, fmt.Errorf("failed to unmarshal feed post record: %w", err)
	}

	var all map[string]any
	if err := json.Unmarshal(c.Record, &all); err != nil {
		return nil, fmt.Errorf("failed to unmarshal feed post record: %w", err)
	}
	for k := range all {
		if feedPostColumns[k] {
			delete(all, k)
		}
	}
	if len(all) > 0 {
		post.Extra = all
	}

	return &post, nil
}

// URI returns the at:// resource locator for a commit op by the given actor.
func (c *Commit) URI(did string) string {
	return fmt.Sprintf("at://%s/%s/%s", did, c.Collection, c.RKey)
}
