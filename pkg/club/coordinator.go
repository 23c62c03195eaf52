// Package club keeps club membership and the users' back-references in sync.
//
// Each operation writes two collections in a fixed order without a
// transaction. If the first write fails nothing changed. If the second fails
// the first is left in place, the drift is reported and a *SagaError
// matching ErrPartialConsistency is returned.
package club

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"sophiasocial/internal/util"
	"sophiasocial/pkg/domain"
	"sophiasocial/pkg/record"
	"sophiasocial/pkg/store"
)

// Coordinator applies membership changes to clubs and users.
type Coordinator struct {
	clubs  store.Collection
	users  store.Collection
	drift  DriftRecorder
	logger *slog.Logger
}

// NewCoordinator wires the two collections. A nil recorder logs drift only.
func NewCoordinator(clubs, users store.Collection, drift DriftRecorder, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	if drift == nil {
		drift = LogDriftRecorder{Logger: logger}
	}
	return &Coordinator{clubs: clubs, users: users, drift: drift, logger: logger}
}

// Result carries the saga outcome and the club as written by the first step.
type Result struct {
	Outcome Outcome
	Club    record.Record
}

// Join adds userID to the club members and clubID to the user's clubs.
func (c *Coordinator) Join(ctx context.Context, clubID, userID string) (Result, error) {
	if err := validateIDs(clubID, userID); err != nil {
		return Result{Outcome: FirstFailed}, err
	}
	if _, err := c.users.Get(ctx, userID); err != nil {
		return c.firstFailed(OpJoin, clubID, userID, fmt.Errorf("user: %w", err))
	}
	club, err := c.clubs.Update(ctx, clubID, store.AddToSet(domain.FieldMembers, userID))
	if err != nil {
		return c.firstFailed(OpJoin, clubID, userID, fmt.Errorf("club: %w", err))
	}
	if _, err := c.users.Update(ctx, userID, store.AddToSet(domain.FieldClubs, clubID)); err != nil {
		return c.secondFailed(ctx, OpJoin, club, []string{userID}, err)
	}
	c.logger.Info("club joined", "club_id", clubID, "user_id", userID)
	return Result{Outcome: BothSucceeded, Club: club}, nil
}

// Leave removes userID from the club members and admins and clubID from the
// user's clubs. The last admin cannot leave.
func (c *Coordinator) Leave(ctx context.Context, clubID, userID string) (Result, error) {
	if err := validateIDs(clubID, userID); err != nil {
		return Result{Outcome: FirstFailed}, err
	}
	current, err := c.clubs.Get(ctx, clubID)
	if err != nil {
		return c.firstFailed(OpLeave, clubID, userID, fmt.Errorf("club: %w", err))
	}
	admins := current.Strings(domain.FieldAdmins)
	if slices.Contains(admins, userID) && len(admins) == 1 {
		return c.firstFailed(OpLeave, clubID, userID, ErrLastAdmin)
	}
	club, err := c.clubs.Update(ctx, clubID, store.Merge(
		store.Pull(domain.FieldMembers, userID),
		store.Pull(domain.FieldAdmins, userID),
	))
	if err != nil {
		return c.firstFailed(OpLeave, clubID, userID, fmt.Errorf("club: %w", err))
	}
	if _, err := c.users.Update(ctx, userID, store.Pull(domain.FieldClubs, clubID)); err != nil {
		return c.secondFailed(ctx, OpLeave, club, []string{userID}, err)
	}
	c.logger.Info("club left", "club_id", clubID, "user_id", userID)
	return Result{Outcome: BothSucceeded, Club: club}, nil
}

// Create stores a club with the creator as sole admin and member, then adds
// the club to the creator's clubs.
func (c *Coordinator) Create(ctx context.Context, fields map[string]any, creatorID string) (Result, error) {
	if !util.IsID(creatorID) {
		return Result{Outcome: FirstFailed}, fmt.Errorf("%w: user id %q", ErrInvalidID, creatorID)
	}
	if _, err := c.users.Get(ctx, creatorID); err != nil {
		return c.firstFailed(OpCreate, "", creatorID, fmt.Errorf("user: %w", err))
	}
	data := make(map[string]any, len(fields)+2)
	for k, v := range fields {
		if k == record.IDField {
			continue
		}
		data[k] = v
	}
	data[domain.FieldAdmins] = []any{creatorID}
	data[domain.FieldMembers] = []any{creatorID}
	club, err := c.clubs.Create(ctx, record.New("", data))
	if err != nil {
		return c.firstFailed(OpCreate, "", creatorID, fmt.Errorf("club: %w", err))
	}
	if _, err := c.users.Update(ctx, creatorID, store.AddToSet(domain.FieldClubs, club.ID)); err != nil {
		return c.secondFailed(ctx, OpCreate, club, []string{creatorID}, err)
	}
	c.logger.Info("club created", "club_id", club.ID, "user_id", creatorID)
	return Result{Outcome: BothSucceeded, Club: club}, nil
}

// Delete removes clubID from every member's clubs and then deletes the club.
// Only an admin may delete. Ids are looked up as given; an id that matches no
// club is NotFound and a requester outside admins is NotAuthorized.
func (c *Coordinator) Delete(ctx context.Context, clubID, requesterID string) (Result, error) {
	club, err := c.clubs.Get(ctx, clubID)
	if err != nil {
		return c.firstFailed(OpDelete, clubID, requesterID, fmt.Errorf("club: %w", err))
	}
	if !slices.Contains(club.Strings(domain.FieldAdmins), requesterID) {
		return c.firstFailed(OpDelete, clubID, requesterID, ErrNotAuthorized)
	}
	affected := memberIDs(club)
	if _, err := c.users.UpdateMany(ctx, affected, store.Pull(domain.FieldClubs, clubID)); err != nil {
		return c.firstFailed(OpDelete, clubID, requesterID, fmt.Errorf("users: %w", err))
	}
	if _, err := c.clubs.Delete(ctx, clubID); err != nil {
		return c.secondFailed(ctx, OpDelete, club, affected, err)
	}
	c.logger.Info("club deleted", "club_id", clubID, "user_id", requesterID, "members", len(affected))
	return Result{Outcome: BothSucceeded, Club: club}, nil
}

func (c *Coordinator) firstFailed(op Operation, clubID, userID string, err error) (Result, error) {
	return Result{Outcome: FirstFailed}, &SagaError{Op: op, Outcome: FirstFailed, ClubID: clubID, UserID: userID, Err: err}
}

func (c *Coordinator) secondFailed(ctx context.Context, op Operation, club record.Record, userIDs []string, err error) (Result, error) {
	drift := Drift{
		Op:      op,
		ClubID:  club.ID,
		UserIDs: userIDs,
		Error:   err.Error(),
		At:      time.Now().UTC(),
	}
	if recErr := c.drift.RecordDrift(ctx, drift); recErr != nil {
		c.logger.Error("record drift failed", "op", op, "club_id", club.ID, "err", recErr)
	}
	userID := ""
	if len(userIDs) == 1 {
		userID = userIDs[0]
	}
	return Result{Outcome: FirstSucceededSecondFailed, Club: club}, &SagaError{
		Op:      op,
		Outcome: FirstSucceededSecondFailed,
		ClubID:  club.ID,
		UserID:  userID,
		Err:     err,
	}
}

// memberIDs returns members and admins without duplicates.
func memberIDs(club record.Record) []string {
	seen := map[string]struct{}{}
	var out []string
	for _, field := range []string{domain.FieldMembers, domain.FieldAdmins} {
		for _, id := range club.Strings(field) {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}

func validateIDs(clubID, userID string) error {
	var errs []error
	if !util.IsID(clubID) {
		errs = append(errs, fmt.Errorf("%w: club id %q", ErrInvalidID, clubID))
	}
	if !util.IsID(userID) {
		errs = append(errs, fmt.Errorf("%w: user id %q", ErrInvalidID, userID))
	}
	return errors.Join(errs...)
}
