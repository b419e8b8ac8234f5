package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hazardwatch/internal/apperr"
	"hazardwatch/internal/domain/entities"
	"hazardwatch/internal/state"
)

type locatorFunc func(ctx context.Context) (entities.Coordinate, error)

func (f locatorFunc) CurrentLocation(ctx context.Context) (entities.Coordinate, error) {
	return f(ctx)
}

func TestLocationService_Current(t *testing.T) {
	d := setupDeps(t)
	here := entities.NewCoordinate(37.7749, -122.4194)
	svc := NewLocationService(StaticLocator{Coordinate: &here}, d.store, d.logger)
	svc.now = func() time.Time { return baseTime }
	ctx := context.Background()

	got, err := svc.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, here, got)

	perm, err := svc.Permission(ctx)
	require.NoError(t, err)
	assert.Equal(t, state.PermissionGranted, perm)

	fix, err := svc.LastKnown(ctx)
	require.NoError(t, err)
	require.NotNil(t, fix)
	assert.Equal(t, here, fix.Coordinate)
	assert.True(t, baseTime.Equal(fix.TakenAt))
}

func TestLocationService_PermissionDenied(t *testing.T) {
	d := setupDeps(t)
	svc := NewLocationService(locatorFunc(func(context.Context) (entities.Coordinate, error) {
		return entities.Coordinate{}, ErrPermissionDenied
	}), d.store, d.logger)
	ctx := context.Background()

	_, err := svc.Current(ctx)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.Permission))
	assert.True(t, errors.Is(err, ErrPermissionDenied))

	perm, err := svc.Permission(ctx)
	require.NoError(t, err)
	assert.Equal(t, state.PermissionDenied, perm)
}

func TestLocationService_Resolve(t *testing.T) {
	last := entities.NewCoordinate(37.78, -122.41)
	tests := []struct {
		name          string
		locErr        error
		allowFallback bool
		want          entities.Coordinate
		wantKind      apperr.Kind
		wantErr       bool
	}{
		{"unavailable falls back", ErrLocationUnavailable, true, last, 0, false},
		{"fallback disabled", ErrLocationUnavailable, false, entities.Coordinate{}, apperr.Internal, true},
		{"denied never falls back", ErrPermissionDenied, true, entities.Coordinate{}, apperr.Permission, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := setupDeps(t)
			ctx := context.Background()
			require.NoError(t, d.store.SaveLocation(ctx, state.Location{
				Permission: state.PermissionGranted,
				LastKnown:  &entities.LocationFix{Coordinate: last, TakenAt: baseTime},
			}))
			svc := NewLocationService(locatorFunc(func(context.Context) (entities.Coordinate, error) {
				return entities.Coordinate{}, tt.locErr
			}), d.store, d.logger)

			got, err := svc.Resolve(ctx, tt.allowFallback)
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, tt.wantKind, apperr.KindOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLocationService_RejectsInvalidFix(t *testing.T) {
	d := setupDeps(t)
	bad := entities.NewCoordinate(95, 0)
	svc := NewLocationService(StaticLocator{Coordinate: &bad}, d.store, d.logger)

	_, err := svc.Current(context.Background())
	assert.True(t, apperr.Is(err, apperr.Validation))

	fix, err := svc.LastKnown(context.Background())
	require.NoError(t, err)
	assert.Nil(t, fix)
}
