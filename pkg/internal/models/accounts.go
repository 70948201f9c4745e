package models

import "time"

// Friendship is one direction of a friend relation. Two parties are friends
// when both directions exist.
type Friendship struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	UserID    string    `json:"user_id" gorm:"uniqueIndex:idx_friendship_pair"`
	FriendID  string    `json:"friend_id" gorm:"uniqueIndex:idx_friendship_pair"`
	CreatedAt time.Time `json:"created_at"`
}
