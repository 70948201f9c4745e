package services

import (
	"context"

	"git.solsynth.dev/hypernet/calling/pkg/internal/database"
	"git.solsynth.dev/hypernet/calling/pkg/internal/models"
	"github.com/samber/lo"
	"github.com/spf13/viper"
)

// FriendGraph answers whether two parties may call each other. Both
// directions of the friendship have to exist. Without a database the pairs
// listed in debug.friends are used instead.
type FriendGraph struct{}

func (FriendGraph) IsFriend(ctx context.Context, a, b string) (bool, error) {
	if database.C == nil {
		return lo.Contains(viper.GetStringSlice("debug.friends"), models.ChatID(a, b)), nil
	}

	var count int64
	if err := database.C.WithContext(ctx).
		Model(&models.Friendship{}).
		Where("(user_id = ? AND friend_id = ?) OR (user_id = ? AND friend_id = ?)", a, b, b, a).
		Count(&count).Error; err != nil {
		return false, err
	}
	return count == 2, nil
}
