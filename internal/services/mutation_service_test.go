package services

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hazardwatch/internal/api"
	"hazardwatch/internal/apperr"
	"hazardwatch/internal/domain/entities"
	"hazardwatch/internal/repository/memory"
)

func seedIncident(d *testDeps, id string, score int) {
	d.cache.Upsert(incident(id, 37.7750, -122.4190, score), memory.SourceFetch)
}

func confirmed(id string, score int, mutate func(*entities.Incident)) *entities.Incident {
	inc := incident(id, 37.7750, -122.4190, score)
	inc.UpdatedAt = baseTime.Add(time.Minute)
	if mutate != nil {
		mutate(inc)
	}
	return inc
}

func TestMutationService_Vote(t *testing.T) {
	tests := []struct {
		name          string
		prev          entities.VoteValue
		cast          entities.VoteValue
		wantDuring    int
		wantVote      entities.VoteValue
		wantVisibleUp bool
	}{
		{"first upvote", entities.VoteNone, entities.VoteUp, 4, entities.VoteUp, true},
		{"repeat cancels", entities.VoteUp, entities.VoteUp, 2, entities.VoteNone, false},
		{"switch to down", entities.VoteUp, entities.VoteDown, 1, entities.VoteDown, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := setupDeps(t)
			seedIncident(d, "a", 3)
			d.cache.SetMyVote("a", tt.prev)

			d.backend.vote = func(id string, v entities.VoteValue) (*api.VoteResult, error) {
				v2, ok := d.cache.View(id)
				require.True(t, ok)
				assert.Equal(t, tt.wantDuring, v2.Incident.Score, "optimistic score")
				assert.Equal(t, tt.wantVote, v2.MyVote, "optimistic vote")
				assert.Equal(t, tt.cast, v, "the cast value is sent, not the resolved one")
				return &api.VoteResult{Incident: confirmed(id, tt.wantDuring, nil), MyVote: tt.wantVote}, nil
			}
			d.backend.detail = func(id string) (*entities.IncidentDetail, error) {
				return &entities.IncidentDetail{Incident: confirmed(id, tt.wantDuring, nil), MyVote: tt.wantVote}, nil
			}

			got, err := d.mutations().Vote(context.Background(), "a", tt.cast)
			require.NoError(t, err)
			d.queries.Wait()

			assert.Equal(t, tt.wantVote, got)
			v, _ := d.cache.View("a")
			assert.Equal(t, tt.wantDuring, v.Incident.Score)
			assert.Equal(t, tt.wantVote, v.MyVote)
			assert.Zero(t, v.Pending)
			assert.Equal(t, 1, d.backend.count("detail"), "detail refetched after the vote")
		})
	}
}

func TestMutationService_VoteRollsBackOnFailure(t *testing.T) {
	d := setupDeps(t)
	seedIncident(d, "a", 3)
	d.backend.vote = func(string, entities.VoteValue) (*api.VoteResult, error) {
		return nil, apperr.FromStatus("POST /incidents/{id}/vote", 503, "")
	}

	got, err := d.mutations().Vote(context.Background(), "a", entities.VoteUp)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.Network))
	assert.Equal(t, entities.VoteNone, got)

	v, _ := d.cache.View("a")
	assert.Equal(t, 3, v.Incident.Score)
	assert.Equal(t, entities.VoteNone, v.MyVote)
	assert.Zero(t, v.Pending)
	assert.Equal(t, 1.0, testutil.ToFloat64(d.metrics.OptimisticRollbacks.WithLabelValues("vote")))
	assert.Zero(t, d.backend.count("detail"))
}

func TestMutationService_VoteRejectsConcurrentTap(t *testing.T) {
	d := setupDeps(t)
	seedIncident(d, "a", 0)
	ok, err := d.locks.AcquireLock(context.Background(), "vote:a", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = d.mutations().Vote(context.Background(), "a", entities.VoteUp)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.Conflict))
	assert.Zero(t, d.backend.count("vote"))

	v, _ := d.cache.View("a")
	assert.Zero(t, v.Pending)
}

func TestMutationService_VoteValidation(t *testing.T) {
	d := setupDeps(t)
	seedIncident(d, "a", 0)
	svc := d.mutations()

	_, err := svc.Vote(context.Background(), "a", entities.VoteValue(2))
	assert.True(t, apperr.Is(err, apperr.Validation))
	assert.True(t, errors.Is(err, entities.ErrInvalidVote))

	_, err = svc.Vote(context.Background(), "missing", entities.VoteUp)
	assert.True(t, apperr.Is(err, apperr.NotFound))
	assert.Zero(t, d.backend.count("vote"))
}

func TestMutationService_VotePanicBecomesInternal(t *testing.T) {
	d := setupDeps(t)
	seedIncident(d, "a", 0)
	d.backend.vote = func(string, entities.VoteValue) (*api.VoteResult, error) {
		panic("boom")
	}
	svc := d.mutations()

	_, err := svc.Vote(context.Background(), "a", entities.VoteUp)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.Internal))
	assert.Contains(t, err.Error(), "boom")

	locked, err := d.locks.IsLocked(context.Background(), "vote:a")
	require.NoError(t, err)
	assert.False(t, locked, "lock released after a panic")
}

func TestMutationService_Comment(t *testing.T) {
	d := setupDeps(t)
	seedIncident(d, "a", 0)
	var clientID string
	d.backend.comment = func(id, cid, text string) (*api.CommentResult, error) {
		clientID = cid
		comments := d.cache.Comments(id)
		require.Len(t, comments, 1)
		assert.Equal(t, cid, comments[0].ID)
		inc, _ := d.cache.Get(id)
		assert.Equal(t, 1, inc.CommentsCount)

		return &api.CommentResult{
			Comment:  &entities.Comment{ID: "c-1", IncidentID: id, Text: text, CreatedAt: baseTime.Add(time.Minute)},
			Incident: confirmed(id, 0, func(i *entities.Incident) { i.CommentsCount = 1 }),
		}, nil
	}

	cm, err := d.mutations().Comment(context.Background(), "a", "  still blocking the lane  ")
	require.NoError(t, err)
	d.queries.Wait()

	assert.True(t, strings.HasPrefix(clientID, "tmp_"))
	assert.Equal(t, "c-1", cm.ID)
	assert.Equal(t, "still blocking the lane", cm.Text)

	comments := d.cache.Comments("a")
	require.Len(t, comments, 1, "provisional comment replaced, not duplicated")
	assert.Equal(t, "c-1", comments[0].ID)
	inc, _ := d.cache.Get("a")
	assert.Equal(t, 1, inc.CommentsCount)
}

func TestMutationService_CommentValidation(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		wantMsg string
	}{
		{"empty", "", "Write a comment before sending."},
		{"whitespace only", "   \n\t", "Write a comment before sending."},
		{"too long", strings.Repeat("x", entities.MaxCommentTextLen+1), "Comments can be at most 200 characters."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := setupDeps(t)
			seedIncident(d, "a", 0)

			_, err := d.mutations().Comment(context.Background(), "a", tt.text)
			require.Error(t, err)
			assert.True(t, apperr.Is(err, apperr.Validation))
			assert.Equal(t, tt.wantMsg, apperr.UserMessage(err))
			assert.Zero(t, d.backend.count("comment"))
		})
	}
}

func TestMutationService_CommentRollsBack(t *testing.T) {
	d := setupDeps(t)
	seedIncident(d, "a", 0)
	d.backend.comment = func(string, string, string) (*api.CommentResult, error) {
		return nil, apperr.FromStatus("POST /incidents/{id}/comment", 422, "comment rejected")
	}

	_, err := d.mutations().Comment(context.Background(), "a", "hello")
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.Conflict))
	assert.Equal(t, "comment rejected", apperr.UserMessage(err))

	assert.Empty(t, d.cache.Comments("a"))
	inc, _ := d.cache.Get("a")
	assert.Zero(t, inc.CommentsCount)
	assert.Equal(t, 1.0, testutil.ToFloat64(d.metrics.OptimisticRollbacks.WithLabelValues("comment")))
}

func TestMutationService_UpdateStatus(t *testing.T) {
	d := setupDeps(t)
	seedIncident(d, "a", 0)
	d.backend.status = func(id string, st entities.IncidentStatus) (*entities.Incident, error) {
		inc, _ := d.cache.Get(id)
		assert.Equal(t, st, inc.Status, "status visible before the server answers")
		return confirmed(id, 0, func(i *entities.Incident) { i.Status = st }), nil
	}
	svc := d.mutations()

	inc, err := svc.UpdateStatus(context.Background(), "a", entities.IncidentStatusResolved)
	require.NoError(t, err)
	d.queries.Wait()
	assert.Equal(t, entities.IncidentStatusResolved, inc.Status)

	_, err = svc.UpdateStatus(context.Background(), "a", entities.IncidentStatusAcknowledged)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.Validation))
	assert.True(t, errors.Is(err, entities.ErrInvalidTransition))
	assert.Equal(t, 1, d.backend.count("status"))

	_, err = svc.UpdateStatus(context.Background(), "a", entities.IncidentStatus("closed"))
	assert.True(t, apperr.Is(err, apperr.Validation))

	_, err = svc.UpdateStatus(context.Background(), "missing", entities.IncidentStatusResolved)
	assert.True(t, apperr.Is(err, apperr.NotFound))
}

func TestMutationService_UpdateStatusRollsBack(t *testing.T) {
	d := setupDeps(t)
	seedIncident(d, "a", 0)
	d.backend.status = func(string, entities.IncidentStatus) (*entities.Incident, error) {
		return nil, apperr.FromStatus("PATCH /incidents/{id}/status", 403, "")
	}

	_, err := d.mutations().UpdateStatus(context.Background(), "a", entities.IncidentStatusAcknowledged)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.Permission))

	inc, _ := d.cache.Get("a")
	assert.Equal(t, entities.IncidentStatusOpen, inc.Status)
	assert.Equal(t, 1.0, testutil.ToFloat64(d.metrics.OptimisticRollbacks.WithLabelValues("update status")))
}
