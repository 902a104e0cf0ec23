package discord

import (
	"slices"

	"github.com/bwmarrin/discordgo"
)

// PermissionChecker decides who may use the bot.
type PermissionChecker struct {
	roleID string
}

// NewPermissionChecker creates a PermissionChecker requiring roleID.
func NewPermissionChecker(roleID string) *PermissionChecker {
	return &PermissionChecker{roleID: roleID}
}

// Allowed reports whether member carries the configured role. With no role
// configured everyone is allowed, including direct-message senders (nil
// member); otherwise direct messages are refused.
func (p *PermissionChecker) Allowed(member *discordgo.Member) bool {
	if p.roleID == "" {
		return true
	}
	if member == nil {
		return false
	}
	return slices.Contains(member.Roles, p.roleID)
}
