package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hazardwatch/internal/apperr"
	"hazardwatch/internal/domain/entities"
)

func TestQueryKeys(t *testing.T) {
	tests := []struct {
		name string
		got  QueryKey
		want QueryKey
	}{
		{"nearby", NearbyKey(37.7749, -122.4194, 5), "nearby:9q8yyk:5"},
		{"nearby same cell", NearbyKey(37.7750, -122.4193, 5), "nearby:9q8yyk:5"},
		{"nearby fractional radius", NearbyKey(37.7749, -122.4194, 2.5), "nearby:9q8yyk:2.5"},
		{"detail", DetailKey("abc"), "incident:abc"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %q, want %q", tt.got, tt.want)
			}
		})
	}
}

func TestQueryRegistry_Staleness(t *testing.T) {
	d := setupDeps(t)
	now := baseTime
	r := NewQueryRegistry(d.backend, d.cache, time.Minute, d.logger)
	r.now = func() time.Time { return now }
	defer r.Close()

	key := DetailKey("a")
	assert.True(t, r.IsStale(key), "never fetched")

	r.MarkFresh(key)
	assert.False(t, r.IsStale(key))

	now = now.Add(2 * time.Minute)
	assert.True(t, r.IsStale(key), "aged past stale time")

	r.MarkFresh(key)
	r.Invalidate(key)
	assert.True(t, r.IsStale(key), "invalidated")
}

func TestQueryRegistry_DetailServesFreshCopy(t *testing.T) {
	d := setupDeps(t)
	d.backend.detail = func(id string) (*entities.IncidentDetail, error) {
		return &entities.IncidentDetail{
			Incident: incident(id, 37.7750, -122.4190, 4),
			Comments: []entities.Comment{
				{ID: "c2", IncidentID: id, Text: "second", CreatedAt: baseTime.Add(2 * time.Minute)},
				{ID: "c1", IncidentID: id, Text: "first", CreatedAt: baseTime.Add(time.Minute)},
			},
			MyVote: entities.VoteDown,
		}, nil
	}
	ctx := context.Background()

	got, err := d.queries.Detail(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 4, got.Incident.Score)
	assert.Equal(t, entities.VoteDown, got.MyVote)
	require.Len(t, got.Comments, 2)
	assert.Equal(t, "c1", got.Comments[0].ID)

	_, err = d.queries.Detail(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 1, d.backend.count("detail"), "fresh detail served from cache")

	d.queries.Invalidate(DetailKey("a"))
	_, err = d.queries.Detail(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 2, d.backend.count("detail"))
}

func TestQueryRegistry_DetailSharesInFlightFetch(t *testing.T) {
	d := setupDeps(t)
	release := make(chan struct{})
	d.backend.detail = func(id string) (*entities.IncidentDetail, error) {
		<-release
		return &entities.IncidentDetail{Incident: incident(id, 37.7750, -122.4190, 1)}, nil
	}

	var wg sync.WaitGroup
	results := make([]*entities.IncidentDetail, 2)
	errs := make([]error, 2)
	fetch := func(i int) {
		defer wg.Done()
		results[i], errs[i] = d.queries.Detail(context.Background(), "a")
	}

	wg.Add(2)
	go fetch(0)
	require.Eventually(t, func() bool { return d.backend.count("detail") == 1 }, time.Second, 5*time.Millisecond)
	go fetch(1)
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for i := range results {
		require.NoError(t, errs[i])
		assert.Equal(t, "a", results[i].Incident.ID)
	}
	assert.Equal(t, 1, d.backend.count("detail"))
}

func TestQueryRegistry_DetailErrors(t *testing.T) {
	d := setupDeps(t)
	ctx := context.Background()

	_, err := d.queries.Detail(ctx, "gone")
	assert.True(t, apperr.Is(err, apperr.NotFound))

	d.backend.detail = func(string) (*entities.IncidentDetail, error) {
		return &entities.IncidentDetail{Incident: incident("other", 0, 0, 0)}, nil
	}
	_, err = d.queries.Detail(ctx, "a")
	assert.True(t, apperr.Is(err, apperr.Internal))
	_, ok := d.cache.Get("other")
	assert.False(t, ok, "mismatched response not cached")
}

func TestQueryRegistry_RefetchAfterClose(t *testing.T) {
	d := setupDeps(t)
	d.queries.MarkFresh(DetailKey("a"))
	d.queries.Close()

	d.queries.Refetch("a")
	d.queries.Wait()
	assert.True(t, d.queries.IsStale(DetailKey("a")))
	assert.Zero(t, d.backend.count("detail"))
}
