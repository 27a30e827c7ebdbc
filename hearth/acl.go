package hearth

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// AccessSubject is the member being permitted or blocked
type AccessSubject struct {
	ID    string
	Bot   bool
	Roles []string
}

func subjectFromMember(m *discordgo.Member) AccessSubject {
	s := AccessSubject{Roles: m.Roles}
	if m.User != nil {
		s.ID = m.User.ID
		s.Bot = m.User.Bot
	}
	return s
}

// AccessChange is emitted after an owner's lists change
type AccessChange struct {
	OwnerID   string
	SubjectID string
	State     AccessKind
}

func (c AccessChange) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String(columnOwnerID, c.OwnerID),
		slog.String(columnSubjectID, c.SubjectID),
		slog.String("state", string(c.State)),
	)
}

// AccessToggleResult is the outcome of a permit/block toggle
type AccessToggleResult struct {
	// State is the subject's state after the toggle
	State AccessKind

	// Count is the size of the list that was toggled
	Count int
}

// ACL manages per-owner trusted/blocked lists. Lists belong to the owner,
// not a channel, and persist across the owner's channels. Listeners are
// notified of every change, which is how the owner's current channel
// picks up new overwrites.
type ACL struct {
	store        *Store
	logger       *slog.Logger
	modRoleID    string
	superOwnerID string
	ownerLocks   *keyedMutex

	mu        sync.RWMutex
	listeners []func(context.Context, AccessChange)
}

func NewACL(store *Store, modRoleID, superOwnerID string, logger *slog.Logger) *ACL {
	if logger == nil {
		logger = slog.Default()
	}
	return &ACL{
		store:        store,
		logger:       logger.With(loggerNameKey, "acl"),
		modRoleID:    modRoleID,
		superOwnerID: superOwnerID,
		ownerLocks:   newKeyedMutex(),
	}
}

// Subscribe registers fn to be called after each access change
func (a *ACL) Subscribe(fn func(context.Context, AccessChange)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.listeners = append(a.listeners, fn)
}

func (a *ACL) emit(ctx context.Context, change AccessChange) {
	a.mu.RLock()
	listeners := slices.Clone(a.listeners)
	a.mu.RUnlock()

	for _, fn := range listeners {
		fn(ctx, change)
	}
}

func (a *ACL) isModerator(roles []string) bool {
	return a.modRoleID != "" && slices.Contains(roles, a.modRoleID)
}

func (a *ACL) validate(ownerID string, subject AccessSubject) error {
	switch {
	case subject.ID == "":
		return fmt.Errorf("%w: missing subject", ErrBotTarget)
	case subject.ID == ownerID:
		return ErrSelfTarget
	case subject.Bot:
		return ErrBotTarget
	}
	return nil
}

// Permit toggles the subject's trusted state. A blocked subject becomes
// trusted, a trusted one returns to neither.
func (a *ACL) Permit(ctx context.Context, ownerID string, subject AccessSubject) (AccessToggleResult, error) {
	if err := a.validate(ownerID, subject); err != nil {
		return AccessToggleResult{}, err
	}
	return a.toggle(ctx, ownerID, subject.ID, AccessTrusted)
}

// Block toggles the subject's blocked state. Moderators can only be
// blocked by the super-owner.
func (a *ACL) Block(ctx context.Context, ownerID string, subject AccessSubject) (AccessToggleResult, error) {
	if err := a.validate(ownerID, subject); err != nil {
		return AccessToggleResult{}, err
	}
	if a.isModerator(subject.Roles) && (a.superOwnerID == "" || ownerID != a.superOwnerID) {
		return AccessToggleResult{}, ErrProtectedSubject
	}
	return a.toggle(ctx, ownerID, subject.ID, AccessBlocked)
}

func (a *ACL) toggle(
	ctx context.Context,
	ownerID, subjectID string,
	kind AccessKind,
) (AccessToggleResult, error) {
	if !a.store.Available() {
		return AccessToggleResult{}, ErrStoreUnavailable
	}
	unlock := a.ownerLocks.Lock(ownerID)
	current, err := a.store.GetAccess(ctx, ownerID, subjectID)
	if err != nil {
		unlock()
		return AccessToggleResult{}, err
	}

	next := kind
	if current == kind {
		next = AccessNone
	}
	if err = a.store.SetAccess(ctx, ownerID, subjectID, next); err != nil {
		unlock()
		return AccessToggleResult{}, err
	}

	var ids []string
	if kind == AccessTrusted {
		ids, err = a.store.ListTrusted(ctx, ownerID)
	} else {
		ids, err = a.store.ListBlocked(ctx, ownerID)
	}
	unlock()
	if err != nil {
		return AccessToggleResult{}, err
	}

	change := AccessChange{OwnerID: ownerID, SubjectID: subjectID, State: next}
	a.logger.InfoContext(ctx, "access changed", "change", change, "previous", current)
	a.emit(ctx, change)

	return AccessToggleResult{State: next, Count: len(ids)}, nil
}

// State returns the subject's current state on the owner's lists
func (a *ACL) State(ctx context.Context, ownerID, subjectID string) AccessKind {
	kind, err := a.store.GetAccess(ctx, ownerID, subjectID)
	if err != nil {
		a.logger.WarnContext(ctx, "error reading access", tint.Err(err))
		return AccessNone
	}
	return kind
}

func (a *ACL) Trusted(ctx context.Context, ownerID string) []string {
	ids, err := a.store.ListTrusted(ctx, ownerID)
	if err != nil {
		a.logger.WarnContext(ctx, "error listing trusted", tint.Err(err))
	}
	return ids
}

func (a *ACL) Blocked(ctx context.Context, ownerID string) []string {
	ids, err := a.store.ListBlocked(ctx, ownerID)
	if err != nil {
		a.logger.WarnContext(ctx, "error listing blocked", tint.Err(err))
	}
	return ids
}

// CleanupStale removes entries from both of the owner's lists whose
// subject isn't in valid
func (a *ACL) CleanupStale(ctx context.Context, ownerID string, valid map[string]bool) (int, error) {
	unlock := a.ownerLocks.Lock(ownerID)
	defer unlock()

	trusted, err := a.store.ListTrusted(ctx, ownerID)
	if err != nil {
		return 0, err
	}
	blocked, err := a.store.ListBlocked(ctx, ownerID)
	if err != nil {
		return 0, err
	}

	var stale []string
	for _, id := range append(trusted, blocked...) {
		if !valid[id] {
			stale = append(stale, id)
		}
	}
	if len(stale) == 0 {
		return 0, nil
	}
	removed, err := a.store.RemoveAccessSubjects(ctx, ownerID, stale)
	if err != nil {
		return 0, err
	}
	a.logger.InfoContext(
		ctx,
		"removed stale access entries",
		columnOwnerID, ownerID,
		"removed", removed,
	)
	return int(removed), nil
}
