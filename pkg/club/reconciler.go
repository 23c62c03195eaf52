package club

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"sophiasocial/pkg/domain"
	"sophiasocial/pkg/queue"
	"sophiasocial/pkg/store"
)

// Reconciler re-applies the missing second step of a drifted update. Every
// repair reads current state first, so replays and stale jobs are harmless.
type Reconciler struct {
	clubs  store.Collection
	users  store.Collection
	logger *slog.Logger
}

func NewReconciler(clubs, users store.Collection, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{clubs: clubs, users: users, logger: logger}
}

// HandleJob decodes a queued drift and repairs it.
func (r *Reconciler) HandleJob(ctx context.Context, job queue.Job) error {
	var d Drift
	if err := job.Decode(&d); err != nil {
		r.logger.Error("drop undecodable drift job", "job_id", job.ID, "err", err)
		return nil
	}
	return r.Repair(ctx, d)
}

// Repair converges one drifted relationship.
func (r *Reconciler) Repair(ctx context.Context, d Drift) error {
	switch d.Op {
	case OpJoin, OpCreate:
		return r.repairMembership(ctx, d)
	case OpLeave:
		return r.repairLeave(ctx, d)
	case OpDelete:
		return r.repairDelete(ctx, d)
	default:
		r.logger.Warn("unknown drift op", "op", d.Op, "club_id", d.ClubID)
		return nil
	}
}

// repairMembership adds the club back-reference for users still in the club.
// A member whose user record is gone is removed from the club instead.
func (r *Reconciler) repairMembership(ctx context.Context, d Drift) error {
	club, err := r.clubs.Get(ctx, d.ClubID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load club: %w", err)
	}
	members := club.Strings(domain.FieldMembers)
	for _, userID := range d.UserIDs {
		if !slices.Contains(members, userID) {
			continue
		}
		_, err := r.users.Update(ctx, userID, store.AddToSet(domain.FieldClubs, d.ClubID))
		if errors.Is(err, store.ErrNotFound) {
			if _, err := r.clubs.Update(ctx, d.ClubID, store.Merge(
				store.Pull(domain.FieldMembers, userID),
				store.Pull(domain.FieldAdmins, userID),
			)); err != nil && !errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("drop dangling member: %w", err)
			}
			r.logger.Info("dangling member removed", "club_id", d.ClubID, "user_id", userID)
			continue
		}
		if err != nil {
			return fmt.Errorf("restore user clubs: %w", err)
		}
		r.logger.Info("membership repaired", "op", d.Op, "club_id", d.ClubID, "user_id", userID)
	}
	return nil
}

// repairLeave drops the back-reference unless the user has rejoined.
func (r *Reconciler) repairLeave(ctx context.Context, d Drift) error {
	club, err := r.clubs.Get(ctx, d.ClubID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("load club: %w", err)
	}
	members := club.Strings(domain.FieldMembers)
	for _, userID := range d.UserIDs {
		if slices.Contains(members, userID) {
			continue
		}
		if _, err := r.users.Update(ctx, userID, store.Pull(domain.FieldClubs, d.ClubID)); err != nil && !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("drop user club: %w", err)
		}
		r.logger.Info("leave repaired", "club_id", d.ClubID, "user_id", userID)
	}
	return nil
}

// repairDelete finishes a deletion, clearing back-references of anyone who
// joined in between.
func (r *Reconciler) repairDelete(ctx context.Context, d Drift) error {
	club, err := r.clubs.Get(ctx, d.ClubID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load club: %w", err)
	}
	if _, err := r.users.UpdateMany(ctx, memberIDs(club), store.Pull(domain.FieldClubs, d.ClubID)); err != nil {
		return fmt.Errorf("clear user clubs: %w", err)
	}
	if _, err := r.clubs.Delete(ctx, d.ClubID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("delete club: %w", err)
	}
	r.logger.Info("delete repaired", "club_id", d.ClubID)
	return nil
}
