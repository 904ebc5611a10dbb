package bors

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/borsbot/bors/internal/database"
	"github.com/borsbot/bors/internal/logfields"
)

func (b *Bors) handlePullRequestOpened(ctx context.Context, logger *zap.Logger, ev *PullRequestOpened) error {
	err := b.db.CreatePullRequest(ctx, ev.Repository.String(), ev.PullRequest.Number, ev.PullRequest.BaseBranch)
	if err != nil {
		return err
	}

	logger.Debug("pull request recorded", logfields.Event("pull_request_recorded"))

	return nil
}

func baseBranchChangedComment(baseBranch string) string {
	return fmt.Sprintf(
		":warning: The base branch changed to `%s`, and the\nPR will need to be re-approved.",
		baseBranch,
	)
}

// handlePullRequestEdited refreshes the stored base branch and mergeable
// state of the pull request.
// When the base branch was changed the approval of the pull request is
// revoked, the result of a review does not transfer to another merge target.
func (b *Bors) handlePullRequestEdited(ctx context.Context, logger *zap.Logger, ev *PullRequestEdited) error {
	pr, err := b.db.GetOrCreatePullRequest(
		ctx,
		ev.Repository.String(),
		ev.PullRequest.Number,
		ev.PullRequest.BaseBranch,
		ev.PullRequest.MergeableState,
	)
	if err != nil {
		return err
	}

	if ev.FromBaseSHA == "" {
		logger.Debug("ignoring edit, base branch was not changed", logEventIgnored, logReasonBaseBranchUnchgd)
		return nil
	}

	if !pr.Approved() {
		logger.Debug("ignoring edit, pull request is not approved", logEventIgnored, logReasonNotApproved)
		return nil
	}

	if err := b.db.Unapprove(ctx, pr); err != nil {
		return err
	}

	logger.Info(
		"approval revoked, base branch was changed",
		logEventUnapproved,
		logfields.BaseBranch(ev.PullRequest.BaseBranch),
	)

	if err := b.postComment(ctx, ev.Repository, pr.Number, baseBranchChangedComment(ev.PullRequest.BaseBranch)); err != nil {
		return err
	}

	b.applyLabelChanges(ctx, logger, ev.Repository, pr.Number, TriggerUnapproved)

	return nil
}

func commitPushedComment(headSHA string) string {
	return fmt.Sprintf(
		":warning: A new commit `%s` was pushed to the branch, the\nPR will need to be re-approved.",
		headSHA,
	)
}

// handlePullRequestPushed revokes the approval of the pull request when new
// commits were pushed to it, the approval only covers the reviewed commit.
func (b *Bors) handlePullRequestPushed(ctx context.Context, logger *zap.Logger, ev *PullRequestPushed) error {
	pr, err := b.db.GetOrCreatePullRequest(
		ctx,
		ev.Repository.String(),
		ev.PullRequest.Number,
		ev.PullRequest.BaseBranch,
		ev.PullRequest.MergeableState,
	)
	if err != nil {
		return err
	}

	if !pr.Approved() {
		logger.Debug("ignoring push, pull request is not approved", logEventIgnored, logReasonNotApproved)
		return nil
	}

	if err := b.db.Unapprove(ctx, pr); err != nil {
		return err
	}

	logger.Info(
		"approval revoked, new commits were pushed",
		logEventUnapproved,
		logfields.Commit(ev.PullRequest.HeadSHA),
	)

	if err := b.postComment(ctx, ev.Repository, pr.Number, commitPushedComment(ev.PullRequest.HeadSHA)); err != nil {
		return err
	}

	b.applyLabelChanges(ctx, logger, ev.Repository, pr.Number, TriggerUnapproved)

	return nil
}

// handlePushToBranch resets the stored mergeable state of all pull requests
// that target the pushed branch. Whether they still merge cleanly is unknown
// until github reports a new state.
func (b *Bors) handlePushToBranch(ctx context.Context, logger *zap.Logger, ev *PushToBranch) error {
	rows, err := b.db.UpdateMergeableStatesByBaseBranch(ctx, ev.Repository.String(), ev.Branch, database.MergeableStateUnknown)
	if err != nil {
		return err
	}

	logger.Info(
		"mergeable state of pull requests reset to unknown",
		logfields.Event("mergeable_states_reset"),
		zap.Int64("affected_pull_requests", rows),
	)

	return nil
}
