package auth

// Messages posted by the bridge into chat rooms.
const (
	HelpText = `
Usage:
	help - get this help msg
	start - start the oauth flow
	logout - revoke oauth token
	status - get your current oauth status + name + email. (status is one of logged_out, logged_in or waiting_for_token)
	name ${name} - use ${name} as sender name to send the emails
	email ${email} - send emails from ${email} instead of the account address

To use gmail-bridge you'll have to complete an oauth flow.
OAUTH_FLOW:
	NOTE: Oauth room should only have you and the bot.
	1. send "start" in room (without quotes) to start the flow
	2. Bot will send an url. go to that allow the specified scopes and send the token in room.
	3. Bot will send a confirmation if everything went right.
	4. send "logout" anytime to revoke the token.
`

	authURLTemplate = "Visit the following link, select all scopes and send the token in this room.\n%s\n"

	TokenExpiredText = "Your token has expired (most prob it has been revoked). You'll be logged out now. Log back in to keep using bridge."

	PermissionText = "The Bot doesn't have required permissions to work. Please provide at least `state` and `event` permissions\n 50 should work in default cases or just set as `admin`"

	OneUserText = "Bridge only supports one regular user per room. Please try in a room with no additional user."

	NoMediaText = "Sorry, bridge does not support media messages in dm."

	SecurityText = "for security reasons, please perform oauth in a separate room. with no other users except bot."

	loginRetrySuffix = ": please retry by allowing all scopes"
)
