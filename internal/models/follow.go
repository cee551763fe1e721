package models

import (
	"time"
)

// Follow is a directed edge: Follower actively follows Following.
// The composite unique index guarantees at most one edge per ordered pair;
// it also backstops concurrent follow attempts that race past the
// transactional state check.
type Follow struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	FollowerID  uint      `gorm:"not null;index;uniqueIndex:idx_follows_pair" json:"followerId"`
	FollowingID uint      `gorm:"not null;index;uniqueIndex:idx_follows_pair" json:"followingId"`
	CreatedAt   time.Time `json:"createdAt"`

	Follower  *User `gorm:"foreignKey:FollowerID" json:"follower,omitempty"`
	Following *User `gorm:"foreignKey:FollowingID" json:"following,omitempty"`
}

// RequestStatus is the lifecycle state of a follow request.
type RequestStatus string

const (
	// RequestStatusPending means the receiver has not yet acted on the request.
	RequestStatusPending RequestStatus = "PENDING"
	// RequestStatusAccepted means the receiver approved the request and a
	// follow edge was created.
	RequestStatusAccepted RequestStatus = "ACCEPTED"
	// RequestStatusRejected means the receiver declined. Rejected records are
	// retained for audit but do not block a fresh request.
	RequestStatusRejected RequestStatus = "REJECTED"
)

// FollowRequest is a pending ask to follow a private account. At most one
// PENDING request may exist per ordered (sender, receiver) pair at any time.
type FollowRequest struct {
	ID         uint          `gorm:"primaryKey" json:"id"`
	SenderID   uint          `gorm:"not null;index" json:"senderId"`
	ReceiverID uint          `gorm:"not null;index" json:"receiverId"`
	Status     RequestStatus `gorm:"type:varchar(16);not null;default:'PENDING';index" json:"status"`
	CreatedAt  time.Time     `json:"createdAt"`
	UpdatedAt  time.Time     `json:"updatedAt"`

	Sender   *User `gorm:"foreignKey:SenderID" json:"sender,omitempty"`
	Receiver *User `gorm:"foreignKey:ReceiverID" json:"receiver,omitempty"`
}

// PairState is the relationship state of an ordered (viewer, target) pair as
// read inside a single transactional view: at most one of Edge and Pending is
// non-nil under the store invariants.
type PairState struct {
	Edge    *Follow
	Pending *FollowRequest
}
