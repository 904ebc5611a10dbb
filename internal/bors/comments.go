package bors

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/borsbot/bors/internal/logfields"
)

func (b *Bors) handleCommentPosted(ctx context.Context, logger *zap.Logger, ev *CommentPosted) error {
	if ev.Author == b.botName {
		logger.Debug("ignoring comment of the bot itself", logEventIgnored, logReasonOwnComment)
		return nil
	}

	command := ParseCommand(b.trigger, ev.Comment)
	if command == CommandNone {
		return nil
	}

	logger = logger.With(logfields.Command(command.String()))
	logger.Info("executing command", logfields.Event("command_received"))

	switch command {
	case CommandPing:
		return b.postComment(ctx, ev.Repository, ev.PR, "Pong 🏓!")

	case CommandApprove:
		return b.approvePullRequest(ctx, logger, ev)

	case CommandUnapprove:
		return b.unapprovePullRequest(ctx, logger, ev)

	case CommandTry:
		return b.startTryBuild(ctx, logger, ev.Repository, ev.PR)

	case CommandTryCancel:
		return b.cancelTryBuild(ctx, logger, ev.Repository, ev.PR)

	default:
		return nil
	}
}

func approvedComment(commitSHA, approvedBy string) string {
	return fmt.Sprintf("Commit %s has been approved by `%s`", commitSHA, approvedBy)
}

// approvePullRequest records the comment author as approver of the pull
// request. A previous approval is overwritten.
func (b *Bors) approvePullRequest(ctx context.Context, logger *zap.Logger, ev *CommentPosted) error {
	pr, ghPR, err := b.getOrCreatePullRequest(ctx, ev.Repository, ev.PR)
	if err != nil {
		return err
	}

	if err := b.db.Approve(ctx, pr, ev.Author); err != nil {
		return err
	}

	logger.Info(
		"pull request approved",
		logfields.Event("pull_request_approved"),
		zap.String("approved_by", ev.Author),
		logfields.Commit(ghPR.HeadSHA),
	)

	if err := b.postComment(ctx, ev.Repository, ev.PR, approvedComment(ghPR.HeadSHA, ev.Author)); err != nil {
		return err
	}

	b.applyLabelChanges(ctx, logger, ev.Repository, ev.PR, TriggerApproved)

	return nil
}

func (b *Bors) unapprovePullRequest(ctx context.Context, logger *zap.Logger, ev *CommentPosted) error {
	pr, _, err := b.getOrCreatePullRequest(ctx, ev.Repository, ev.PR)
	if err != nil {
		return err
	}

	if err := b.db.Unapprove(ctx, pr); err != nil {
		return err
	}

	logger.Info("pull request unapproved", logEventUnapproved)

	if err := b.postComment(ctx, ev.Repository, ev.PR, "Pull request unapproved."); err != nil {
		return err
	}

	b.applyLabelChanges(ctx, logger, ev.Repository, ev.PR, TriggerUnapproved)

	return nil
}
