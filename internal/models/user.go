// Package models contains data structures for the service's domain models.
package models

import (
	"time"
)

// User is the read model of an account. Account lifecycle (registration,
// credentials, profile edits) is owned by the identity service; the social
// graph only references user IDs and reads profile fields for display.
type User struct {
	ID                uint      `gorm:"primaryKey" json:"id"`
	Username          string    `gorm:"unique;not null" json:"username"`
	FullName          string    `json:"fullName"`
	Bio               string    `json:"bio,omitempty"`
	ProfilePictureURL string    `json:"profilePictureUrl,omitempty"`
	InstagramUsername string    `json:"instagramUsername,omitempty"`
	IsPrivate         bool      `gorm:"not null;default:false" json:"isPrivate"`
	CreatedAt         time.Time `json:"createdAt"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

// UserView is a user annotated with viewer-relative relationship state and
// projected counts, as embedded in list and profile responses.
type UserView struct {
	User
	FollowersCount      int64          `json:"followersCount"`
	FollowingCount      int64          `json:"followingCount"`
	IsFollowing         bool           `json:"isFollowing"`
	FollowRequestStatus *RequestStatus `json:"followRequestStatus"`
}
