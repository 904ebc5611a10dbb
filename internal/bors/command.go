package bors

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Command is an instruction for the bot, posted as pull request comment.
type Command int

const (
	// CommandNone is returned when a comment does not contain a command.
	CommandNone Command = iota
	// CommandPing requests a liveness answer from the bot.
	CommandPing
	// CommandApprove approves the pull request (r+).
	CommandApprove
	// CommandUnapprove revokes the approval of the pull request (r-).
	CommandUnapprove
	// CommandTry starts a try build for the pull request.
	CommandTry
	// CommandTryCancel cancels the running try build of the pull request.
	CommandTryCancel
)

func (c Command) String() string {
	switch c {
	case CommandPing:
		return "ping"
	case CommandApprove:
		return "approve"
	case CommandUnapprove:
		return "unapprove"
	case CommandTry:
		return "try"
	case CommandTryCancel:
		return "try cancel"
	default:
		return "none"
	}
}

// ParseCommand extracts a command from a comment body.
//
// The trigger is matched case-sensitive and can occur anywhere in a line, it
// must be followed by whitespace and a keyword. Lines that mention the
// trigger without a recognized keyword are skipped, the first recognized
// command wins.
// CommandNone is returned when no line contains a command.
func ParseCommand(trigger, comment string) Command {
	for _, line := range strings.Split(comment, "\n") {
		idx := strings.Index(line, trigger)
		if idx == -1 {
			continue
		}

		rest := line[idx+len(trigger):]

		first, _ := utf8.DecodeRuneInString(rest)
		if !unicode.IsSpace(first) {
			continue
		}

		words := strings.Fields(rest)
		if len(words) == 0 {
			continue
		}

		switch words[0] {
		case "ping":
			return CommandPing

		case "r+":
			return CommandApprove

		case "r-":
			return CommandUnapprove

		case "try":
			if len(words) > 1 && words[1] == "cancel" {
				return CommandTryCancel
			}

			return CommandTry
		}
	}

	return CommandNone
}
