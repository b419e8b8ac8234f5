package entities

import (
	"errors"
	"sort"
	"time"
	"unicode/utf8"
)

var (
	ErrInvalidVote    = errors.New("vote value must be +1 or -1")
	ErrEmptyComment   = errors.New("comment text is required")
	ErrCommentTooLong = errors.New("comment text exceeds 200 characters")
)

// VoteValue is the value of a single user's vote on an incident. The zero
// value means "no active vote".
type VoteValue int

const (
	VoteNone VoteValue = 0
	VoteUp   VoteValue = 1
	VoteDown VoteValue = -1
)

// Valid reports whether v is a castable vote (+1 or -1).
func (v VoteValue) Valid() bool {
	return v == VoteUp || v == VoteDown
}

// VoteTransition resolves what happens when a user who currently holds prev
// casts next. A repeat of the same value cancels the vote; a different value
// replaces it. It returns the user's resulting vote and the change to the
// incident's net score.
//
//	prev  next  → vote  delta
//	 0    +1       +1    +1
//	+1    +1        0    -1   (cancel)
//	-1    +1       +1    +2   (replace)
func VoteTransition(prev, next VoteValue) (VoteValue, int) {
	if prev == next {
		return VoteNone, -int(prev)
	}
	return next, int(next) - int(prev)
}

// Vote is the body of POST /incidents/{id}/vote.
type Vote struct {
	IncidentID string    `json:"incidentId,omitempty"`
	UserID     string    `json:"userId,omitempty"`
	Value      VoteValue `json:"value"`
}

// Comment is an append-only remark on an incident. An empty UserID means the
// comment was posted anonymously.
type Comment struct {
	ID         string    `json:"id"`
	IncidentID string    `json:"incidentId"`
	UserID     string    `json:"userId,omitempty"`
	Text       string    `json:"text"`
	CreatedAt  time.Time `json:"createdAt"`
}

// ValidateCommentText enforces the non-empty and length rules for comments.
func ValidateCommentText(text string) error {
	if text == "" {
		return ErrEmptyComment
	}
	if utf8.RuneCountInString(text) > MaxCommentTextLen {
		return ErrCommentTooLong
	}
	return nil
}

// SortComments orders comments by CreatedAt ascending, keeping the relative
// order of comments that share a timestamp.
func SortComments(comments []Comment) {
	sort.SliceStable(comments, func(i, j int) bool {
		return comments[i].CreatedAt.Before(comments[j].CreatedAt)
	})
}

// IncidentDetail is the payload of GET /incidents/{id}.
type IncidentDetail struct {
	Incident *Incident `json:"incident"`
	Comments []Comment `json:"comments"`
	MyVote   VoteValue `json:"myVote,omitempty"`
}
