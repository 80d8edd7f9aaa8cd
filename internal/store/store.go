// Package store defines the narrow persistence contracts the rest of the
// server codes against. It mirrors the teacher's server/store/adapter
// split (server code never touches a driver directly, only this
// interface), generalized from the teacher's topic/subscription model to
// this spec's accounts/groups/messages model.
package store

import (
	"context"

	"github.com/bcmapp/bcm-server-sub002/internal/model"
)

// AccountStore persists Account/Device records.
type AccountStore interface {
	GetAccount(ctx context.Context, uid string) (*model.Account, error)
	CreateAccount(ctx context.Context, acc *model.Account) error
	ModifyAccount(ctx context.Context, mod model.ModifyAccount) error
	DeleteDevice(ctx context.Context, uid string, deviceID uint32) error
}

// GroupStore persists Group metadata and membership.
type GroupStore interface {
	GetGroup(ctx context.Context, gid uint64) (*model.Group, error)
	GetGroupUser(ctx context.Context, gid uint64, uid string) (*model.GroupUser, error)
	ListGroupUsers(ctx context.Context, gid uint64) ([]model.GroupUser, error)
	UpdateLastAckMID(ctx context.Context, gid uint64, uid string, mid uint64) error
	BumpGroupLastMID(ctx context.Context, gid uint64, mid uint64) error
	// AllocateMID atomically increments and returns a group's next mid
	// (spec.md §4.5's "DAO assigns the new mid atomically").
	AllocateMID(ctx context.Context, gid uint64) (uint64, error)
}

// MessageStore persists GroupMessage rows.
type MessageStore interface {
	AppendMessage(ctx context.Context, msg *model.GroupMessage) error
	GetMessage(ctx context.Context, gid, mid uint64) (*model.GroupMessage, error)
	RecallMessage(ctx context.Context, gid, mid uint64, recallMID uint64) error
	FetchRange(ctx context.Context, gid uint64, fromMID, toMID uint64, limit int) ([]model.GroupMessage, error)
}
