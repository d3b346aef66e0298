package account

import (
	"context"
	"errors"

	"github.com/gofrs/uuid"
	"github.com/rs/zerolog/log"

	"github.com/vasiliy-maslov/grocery-service/internal/apperror"
)

type Service interface {
	GetAccountByID(ctx context.Context, id uuid.UUID) (*Account, error)
	// ResolveRider returns the account only if it is an active rider.
	ResolveRider(ctx context.Context, id uuid.UUID) (*Account, error)
}

type service struct {
	repo Repository
}

func NewService(repo Repository) Service {
	return &service{repo: repo}
}

func (s *service) GetAccountByID(ctx context.Context, id uuid.UUID) (*Account, error) {
	const op = "account.GetAccountByID"

	a, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, apperror.NotFound(op, "account", id)
		}
		log.Error().Err(err).Stringer("account_id", id).Msg("service: failed to get account by id in repository")
		return nil, apperror.Internal(op, err)
	}

	return a, nil
}

func (s *service) ResolveRider(ctx context.Context, id uuid.UUID) (*Account, error) {
	const op = "account.ResolveRider"

	a, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			log.Warn().Stringer("rider_id", id).Msg("service: rider not found")
			return nil, apperror.NotFound(op, "rider", id)
		}
		log.Error().Err(err).Stringer("rider_id", id).Msg("service: failed to get rider in repository")
		return nil, apperror.Internal(op, err)
	}

	if a.Role != RoleRider || !a.IsActive {
		log.Warn().Stringer("rider_id", id).Stringer("role", a.Role).Bool("is_active", a.IsActive).Msg("service: account is not an active rider")
		return nil, apperror.Validation(op, apperror.FieldProblem{Field: "rider_id", Message: "must reference an active rider account"})
	}

	return a, nil
}
