// ABOUTME: Outbound delivery interfaces for the user channel and the bot.
// ABOUTME: The lifecycle depends on these, concrete transports live alongside.

package channel

import "context"

// UserSender delivers a text message to the end user on their channel.
type UserSender interface {
	SendToUser(ctx context.Context, phoneNumberID, to, text string) error
}

// BotSender hands a message to the automated bot for processing. The bot
// replies out of band through the same channel as the user.
type BotSender interface {
	SendToBot(ctx context.Context, conversationID, from, text string) error
}
