package service

import (
	"context"
	"errors"

	"github.com/baechuer/real-time-ressys/services/invite-service/internal/domain"
	"github.com/baechuer/real-time-ressys/services/invite-service/internal/pkg/logger"
	"github.com/google/uuid"
)

// AccessGuard decides who may read and write a channel. Results are never cached: a block or a
// status change takes effect on the next call.
type AccessGuard struct {
	admissions domain.AdmissionRepository
	blocks     domain.BlockChecker
}

func NewAccessGuard(admissions domain.AdmissionRepository, blocks domain.BlockChecker) *AccessGuard {
	return &AccessGuard{admissions: admissions, blocks: blocks}
}

// CanMessage is true only for the host or requester of an accepted admission whose parties have
// not blocked each other. Lookup failures deny.
func (g *AccessGuard) CanMessage(ctx context.Context, channelID, actorID uuid.UUID) bool {
	req, err := g.admissions.GetAdmission(ctx, channelID)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			logger.WithCtx(ctx).Warn().Err(err).Str("channel_id", channelID.String()).Msg("access lookup failed")
		}
		return false
	}
	if req.Status != domain.StatusAccepted || !req.IsParty(actorID) {
		return false
	}
	if g.blocks == nil {
		return true
	}
	blocked, err := g.blocks.IsBlocked(ctx, req.HostID, req.RequesterID)
	if err != nil {
		logger.WithCtx(ctx).Warn().Err(err).Str("channel_id", channelID.String()).Msg("block check failed")
		return false
	}
	return !blocked
}
