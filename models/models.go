package models

// Record kinds this client cares about
const (
	KindMetadata    = 0
	KindNote        = 1
	KindContactList = 3
	KindRepost      = 6
	KindReaction    = 7
	KindZap         = 9735
)

// Tag is an ordered list of strings attached to a record, e.g. ["e", "<id>", "<relay>", "reply"]
type Tag []string

// RawRecord is an immutable protocol record as received from a relay.
// The JSON field names follow the relay wire format so records decode directly.
type RawRecord struct {
	Id        string `json:"id"`
	AuthorId  string `json:"pubkey"`
	CreatedAt int64  `json:"created_at"`
	Kind      int    `json:"kind"`
	Tags      []Tag  `json:"tags"`
	Content   string `json:"content"`
	Sig       string `json:"sig"`
}

// AuthorSummary is the best-effort display information for a record author
type AuthorSummary struct {
	Id    string `json:"id"`
	Label string `json:"label"`
}

// FeedItem is the display-ready form of a RawRecord
type FeedItem struct {
	Id            string        `json:"id"`
	Author        AuthorSummary `json:"author"`
	Content       string        `json:"content"`
	CreatedAt     int64         `json:"createdAt"`
	ParentReplyId string        `json:"parentReplyId,omitempty"`
	ThreadRootId  string        `json:"threadRootId,omitempty"`
	Reactions     int64         `json:"reactions"`
	Reposts       int64         `json:"reposts"`
	Zaps          int64         `json:"zaps"`
}

// FeedBatch is one emission of a synchronization session
type FeedBatch struct {
	Items      []FeedItem `json:"items"`
	IsComplete bool       `json:"isComplete"`
	HasMore    bool       `json:"hasMore"`
	// Error describes a failure the session recovered from, if any
	Error string `json:"error,omitempty"`
}

// Filter is a relay query
type Filter struct {
	Ids     []string `json:"ids,omitempty"`
	Kinds   []int    `json:"kinds,omitempty"`
	Authors []string `json:"authors,omitempty"`
	Since   *int64   `json:"since,omitempty"`
	Until   *int64   `json:"until,omitempty"`
	Limit   int      `json:"limit,omitempty"`
}
