package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"hazardwatch/internal/apperr"
	"hazardwatch/internal/domain/entities"
	"hazardwatch/internal/metrics"
	"hazardwatch/internal/repository"
	"hazardwatch/internal/repository/memory"
	"hazardwatch/pkg/utils"
)

const mutationLockTTL = 30 * time.Second

// MutationService runs user actions as compensating transactions: the
// change is applied to the cache optimistically, sent to the server, and
// then either confirmed with the server's answer or rolled back exactly.
type MutationService struct {
	api     Backend
	cache   *memory.IncidentCache
	queries *QueryRegistry
	locks   repository.LockManager
	logger  logrus.FieldLogger
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewMutationService(
	backend Backend,
	cache *memory.IncidentCache,
	queries *QueryRegistry,
	locks repository.LockManager,
	logger logrus.FieldLogger,
	m *metrics.Metrics,
) *MutationService {
	return &MutationService{
		api:     backend,
		cache:   cache,
		queries: queries,
		locks:   locks,
		logger:  logger.WithField("component", "mutations"),
		metrics: m,
		now:     time.Now,
	}
}

// Vote casts value on incident id. Casting the value the user already holds
// cancels the vote. It returns the user's resulting vote.
func (s *MutationService) Vote(ctx context.Context, id string, value entities.VoteValue) (_ entities.VoteValue, err error) {
	const op = "vote"
	defer recoverMutation(op, &err)

	if !value.Valid() {
		return entities.VoteNone, apperr.Wrap(apperr.Validation, op, entities.ErrInvalidVote)
	}
	release, err := s.lock(ctx, op, id)
	if err != nil {
		return entities.VoteNone, err
	}
	defer release()

	prev := s.cache.MyVote(id)
	next, scoreDelta := entities.VoteTransition(prev, value)
	token, err := s.apply(op, id, memory.Delta{Score: scoreDelta, Vote: &next})
	if err != nil {
		return entities.VoteNone, err
	}

	res, err := s.api.Vote(ctx, id, value)
	if err != nil {
		s.rollback(op, id, token, err)
		return prev, err
	}

	s.confirm(op, token, memory.Confirmation{Incident: res.Incident})
	s.cache.SetMyVote(id, res.MyVote)
	s.queries.Refetch(id)
	return res.MyVote, nil
}

// Comment posts text on incident id. The comment shows up immediately under
// a provisional id and is replaced by the server's copy once confirmed.
func (s *MutationService) Comment(ctx context.Context, id, text string) (_ *entities.Comment, err error) {
	const op = "comment"
	defer recoverMutation(op, &err)

	text = strings.TrimSpace(text)
	if err := entities.ValidateCommentText(text); err != nil {
		return nil, &apperr.Error{Kind: apperr.Validation, Op: op, Message: validationMessage(err), Err: err}
	}

	provisional := entities.Comment{
		ID:         utils.ProvisionalID(),
		IncidentID: id,
		Text:       text,
		CreatedAt:  s.now(),
	}
	token, err := s.apply(op, id, memory.Delta{CommentsCount: 1, Comment: &provisional})
	if err != nil {
		return nil, err
	}

	res, err := s.api.Comment(ctx, id, provisional.ID, text)
	if err != nil {
		s.rollback(op, id, token, err)
		return nil, err
	}

	s.confirm(op, token, memory.Confirmation{Incident: res.Incident, Comment: res.Comment})
	s.queries.Refetch(id)
	if res.Comment == nil {
		return &provisional, nil
	}
	return res.Comment, nil
}

// UpdateStatus moves incident id to status, checking the transition table
// before anything is sent.
func (s *MutationService) UpdateStatus(ctx context.Context, id string, status entities.IncidentStatus) (_ *entities.Incident, err error) {
	const op = "update status"
	defer recoverMutation(op, &err)

	if !status.Valid() {
		return nil, apperr.Validationf(op, "unknown status %q", status)
	}
	current, ok := s.cache.Get(id)
	if !ok {
		return nil, apperr.Wrap(apperr.NotFound, op, memory.ErrIncidentNotFound)
	}
	if !current.CanTransitionTo(status) {
		err := fmt.Errorf("%w: %s to %s", entities.ErrInvalidTransition, current.Status, status)
		return nil, &apperr.Error{Kind: apperr.Validation, Op: op, Message: fmt.Sprintf("An incident that is %s cannot be marked %s.", current.Status, status), Err: err}
	}

	release, err := s.lock(ctx, op, id)
	if err != nil {
		return nil, err
	}
	defer release()

	token, err := s.apply(op, id, memory.Delta{Status: &status})
	if err != nil {
		return nil, err
	}

	inc, err := s.api.UpdateStatus(ctx, id, status)
	if err != nil {
		s.rollback(op, id, token, err)
		return nil, err
	}

	s.confirm(op, token, memory.Confirmation{Incident: inc})
	s.queries.Refetch(id)
	updated, _ := s.cache.Get(id)
	return updated, nil
}

// lock takes the per-incident lock for op so two taps on the same button
// never race each other's compensation.
func (s *MutationService) lock(ctx context.Context, op, id string) (func(), error) {
	key := repository.MutationLockKey(op, id)
	ok, err := s.locks.AcquireLock(ctx, key, mutationLockTTL)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, op, err)
	}
	if !ok {
		return nil, apperr.New(apperr.Conflict, op, "This change is already being saved. Please wait a moment.")
	}
	return func() {
		if err := s.locks.ReleaseLock(context.Background(), key); err != nil {
			s.logger.WithError(err).WithField("lock", key).Warn("failed to release lock")
		}
	}, nil
}

func (s *MutationService) apply(op, id string, delta memory.Delta) (memory.MutationToken, error) {
	token, err := s.cache.ApplyOptimistic(id, delta)
	if errors.Is(err, memory.ErrIncidentNotFound) {
		return 0, apperr.Wrap(apperr.NotFound, op, err)
	}
	if err != nil {
		return 0, apperr.Wrap(apperr.Internal, op, err)
	}
	return token, nil
}

func (s *MutationService) confirm(op string, token memory.MutationToken, conf memory.Confirmation) {
	if err := s.cache.Confirm(token, conf); err != nil {
		s.logger.WithError(err).WithField("mutation", op).Warn("confirm failed")
	}
}

func (s *MutationService) rollback(op, id string, token memory.MutationToken, cause error) {
	if err := s.cache.Rollback(token); err != nil {
		s.logger.WithError(err).WithField("mutation", op).Warn("rollback failed")
	}
	if s.metrics != nil {
		s.metrics.OptimisticRollbacks.WithLabelValues(op).Inc()
	}
	s.logger.WithError(cause).WithFields(logrus.Fields{
		"mutation":    op,
		"incident_id": id,
	}).Warn("mutation failed, rolled back")
}

// recoverMutation turns a panic inside a mutation into an internal error.
func recoverMutation(op string, err *error) {
	if r := recover(); r != nil {
		*err = apperr.Wrap(apperr.Internal, op, fmt.Errorf("panic: %v", r))
	}
}

func validationMessage(err error) string {
	switch {
	case errors.Is(err, entities.ErrEmptyComment):
		return "Write a comment before sending."
	case errors.Is(err, entities.ErrCommentTooLong):
		return fmt.Sprintf("Comments can be at most %d characters.", entities.MaxCommentTextLen)
	}
	return err.Error()
}
