package ap

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/baudrate/baudrate/internal/config"
	"github.com/baudrate/baudrate/internal/store"
)

// FollowService drives outbound follow state from the local side: a user
// following remote accounts and boards, unfollowing, and moderators deciding
// pending board followers.
type FollowService struct {
	store     *store.Store
	config    *config.Config
	publisher *Publisher
	sender    Sender
}

// NewFollowService wires the follow state machine.
func NewFollowService(st *store.Store, cfg *config.Config, pub *Publisher, snd Sender) *FollowService {
	return &FollowService{store: st, config: cfg, publisher: pub, sender: snd}
}

// FollowRemoteActor starts a pending follow of a remote account and queues
// the Follow activity. Re-following an existing target is a no-op.
func (f *FollowService) FollowRemoteActor(ctx context.Context, user *store.User, target *store.RemoteActor) error {
	actorURI := UserURI(f.config, user.Username)
	act := f.publisher.Follow(actorURI, target.APID)

	err := f.store.InsertUserFollow(ctx, &store.UserFollow{
		UserID:        user.ID,
		RemoteActorID: &target.ID,
		APID:          act.ID,
		State:         store.FollowPending,
	})
	if err == store.ErrDuplicate {
		return nil
	}
	if err != nil {
		return err
	}
	return f.sender.Send(ctx, act, actorURI, []string{target.Inbox})
}

// FollowLocalUser records a local-to-local follow; no federation involved and
// no approval step, it is accepted immediately.
func (f *FollowService) FollowLocalUser(ctx context.Context, user *store.User, target *store.User) error {
	if user.ID == target.ID {
		return fmt.Errorf("ap: cannot follow yourself")
	}
	err := f.store.InsertUserFollow(ctx, &store.UserFollow{
		UserID:         user.ID,
		FollowedUserID: &target.ID,
		State:          store.FollowAccepted,
	})
	if err == store.ErrDuplicate {
		return nil
	}
	return err
}

// FollowBoard follows a local board (accepted immediately) or a remote group
// actor (pending until their Accept arrives).
func (f *FollowService) FollowBoard(ctx context.Context, user *store.User, board *store.Board, remote *store.RemoteActor) error {
	if board != nil {
		err := f.store.InsertBoardFollow(ctx, &store.BoardFollow{
			UserID:  user.ID,
			BoardID: &board.ID,
			State:   store.FollowAccepted,
		})
		if err == store.ErrDuplicate {
			return nil
		}
		return err
	}

	actorURI := UserURI(f.config, user.Username)
	act := f.publisher.Follow(actorURI, remote.APID)
	err := f.store.InsertBoardFollow(ctx, &store.BoardFollow{
		UserID:        user.ID,
		RemoteActorID: &remote.ID,
		APID:          act.ID,
		State:         store.FollowPending,
	})
	if err == store.ErrDuplicate {
		return nil
	}
	if err != nil {
		return err
	}
	return f.sender.Send(ctx, act, actorURI, []string{remote.Inbox})
}

// UnfollowRemoteActor removes the follow and queues an Undo(Follow).
func (f *FollowService) UnfollowRemoteActor(ctx context.Context, user *store.User, target *store.RemoteActor) error {
	uf, err := f.store.UserFollowByTarget(ctx, user.ID, &target.ID, nil)
	if err == store.ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	if err := f.store.DeleteUserFollow(ctx, uf.ID); err != nil {
		return err
	}

	actorURI := UserURI(f.config, user.Username)
	inner := &Activity{ID: uf.APID, Type: "Follow", Actor: actorURI, Object: target.APID}
	return f.sender.Send(ctx, f.publisher.Undo(actorURI, inner), actorURI, []string{target.Inbox})
}

// UnfollowLocalUser removes a local-to-local follow.
func (f *FollowService) UnfollowLocalUser(ctx context.Context, user *store.User, target *store.User) error {
	uf, err := f.store.UserFollowByTarget(ctx, user.ID, nil, &target.ID)
	if err == store.ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	return f.store.DeleteUserFollow(ctx, uf.ID)
}

// DecideBoardFollower settles a pending inbound follow on a followers_only
// board and queues the Accept or Reject toward the remote actor.
func (f *FollowService) DecideBoardFollower(ctx context.Context, board *store.Board, remoteActorID int64, accept bool) error {
	follower, err := f.store.FollowerByTarget(ctx, remoteActorID, nil, &board.ID)
	if err != nil {
		return err
	}
	state := store.FollowRejected
	if accept {
		state = store.FollowAccepted
	}
	if err := f.store.SetFollowerState(ctx, follower.ID, state); err != nil {
		if err == store.ErrNotFound {
			return nil // already decided
		}
		return err
	}

	actor, err := f.store.RemoteActorByID(ctx, follower.RemoteActorID)
	if err != nil {
		return err
	}
	boardURI := BoardURI(f.config, board.Slug)
	follow := &IncomingActivity{
		ID:     follower.APID,
		Type:   "Follow",
		Actor:  actor.APID,
		Object: json.RawMessage(strconv.Quote(boardURI)),
	}
	var resp *Activity
	if accept {
		resp = f.publisher.Accept(boardURI, follow)
	} else {
		resp = f.publisher.Reject(boardURI, follow)
	}
	return f.sender.Send(ctx, resp, boardURI, []string{actor.Inbox})
}
