package bors

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/borsbot/bors/internal/database"
	"github.com/borsbot/bors/internal/githubclt"
	"github.com/borsbot/bors/internal/logfields"
)

func tryBuildStartedComment(headSHA, mergeSHA string) string {
	return fmt.Sprintf(":hourglass: Trying commit %s with merge %s…", headSHA, mergeSHA)
}

func tryAlreadyRunningComment(trigger string) string {
	return fmt.Sprintf(":exclamation: A try build is currently in progress. You can cancel it with `%s try cancel`.", trigger)
}

const mergeConflictComment = ":lock: Merge conflict\n\n" +
	"This pull request and the base branch diverged in a way that cannot be " +
	"automatically merged. Please rebase your branch on top of the latest base " +
	"branch and let the reviewer approve again."

func nothingToMergeComment(baseBranch string) string {
	return fmt.Sprintf(":warning: There is nothing to build, branch `%s` already contains the changes of this pull request.", baseBranch)
}

func tryMergeCommitMessage(prNumber int, headSHA string) string {
	return fmt.Sprintf("Try build for #%d, merging %s", prNumber, headSHA)
}

// startTryBuild prepares a merge of the pull request with its base branch
// and starts CI for it.
//
// The head of the base branch is forced to the try merge branch, the pull
// request head is merged into it and the resulting merge commit is pushed to
// the try branch. The CI workflow runs that start for the try branch report
// into the created build record.
func (b *Bors) startTryBuild(ctx context.Context, logger *zap.Logger, repo RepoName, prNumber int) error {
	pr, ghPR, err := b.getOrCreatePullRequest(ctx, repo, prNumber)
	if err != nil {
		return err
	}

	if pr.TryBuild != nil && pr.TryBuild.Status == database.BuildStatusPending {
		logger.Info(
			"rejecting try command, a try build is already running",
			logfields.Event("try_build_rejected"),
			logfields.BuildID(pr.TryBuild.ID),
		)

		return b.postComment(ctx, repo, prNumber, tryAlreadyRunningComment(b.trigger))
	}

	baseSHA, err := b.branchHeadSHA(ctx, repo, ghPR.BaseBranch)
	if err != nil {
		return err
	}

	if err := b.setBranchToSHA(ctx, repo, tryMergeBranchName, baseSHA); err != nil {
		return err
	}

	mergeSHA, err := b.mergeBranches(ctx, repo, tryMergeBranchName, ghPR.HeadSHA, tryMergeCommitMessage(prNumber, ghPR.HeadSHA))
	if err != nil {
		if errors.Is(err, githubclt.ErrMergeConflict) {
			logger.Info(
				"try merge failed, pull request conflicts with base branch",
				logfields.Event("try_merge_conflict"),
			)

			return b.postComment(ctx, repo, prNumber, mergeConflictComment)
		}

		if errors.Is(err, githubclt.ErrNothingToMerge) {
			logger.Info(
				"try merge failed, base branch already contains the changes",
				logfields.Event("try_merge_empty"),
			)

			return b.postComment(ctx, repo, prNumber, nothingToMergeComment(ghPR.BaseBranch))
		}

		return err
	}

	if err := b.setBranchToSHA(ctx, repo, tryBranchName, mergeSHA); err != nil {
		return err
	}

	if err := b.db.AttachTryBuild(ctx, pr, tryBranchName, mergeSHA, baseSHA); err != nil {
		return err
	}

	metrics.TryBuildsStartedInc()

	logger.Info(
		"try build started",
		logfields.Event("try_build_started"),
		logfields.BuildID(pr.TryBuild.ID),
		logfields.Commit(mergeSHA),
	)

	if err := b.postComment(ctx, repo, prNumber, tryBuildStartedComment(ghPR.HeadSHA, mergeSHA)); err != nil {
		return err
	}

	b.applyLabelChanges(ctx, logger, repo, prNumber, TriggerTryBuildStarted)

	return nil
}

func tryCancelledComment(workflowURLs []string) string {
	if len(workflowURLs) == 0 {
		return "Try build cancelled."
	}

	var sb strings.Builder
	sb.WriteString("Try build cancelled. Cancelled workflows:")

	for _, url := range workflowURLs {
		sb.WriteString("\n- ")
		sb.WriteString(url)
	}

	return sb.String()
}

// cancelTryBuild cancels the running try build of the pull request and all
// its pending github workflow runs.
// Workflows of external CI services can not be cancelled via the github API,
// they are skipped.
func (b *Bors) cancelTryBuild(ctx context.Context, logger *zap.Logger, repo RepoName, prNumber int) error {
	pr, _, err := b.getOrCreatePullRequest(ctx, repo, prNumber)
	if err != nil {
		return err
	}

	if pr.TryBuild == nil || pr.TryBuild.Status != database.BuildStatusPending {
		logger.Info(
			"rejecting try cancel command, no try build is running",
			logfields.Event("try_cancel_rejected"),
		)

		return b.postComment(ctx, repo, prNumber, "There is currently no try build in progress.")
	}

	build := pr.TryBuild

	workflows, err := b.db.GetWorkflowsForBuild(ctx, build)
	if err != nil {
		return err
	}

	cancellationFailed := false
	var cancelledURLs []string

	for _, workflow := range workflows {
		if workflow.Status != database.WorkflowStatusPending || workflow.Type != database.WorkflowTypeGithub {
			continue
		}

		if err := b.cancelWorkflowRun(ctx, repo, workflow.RunID); err != nil {
			logger.Warn(
				"cancelling workflow run failed",
				logfields.Event("workflow_cancellation_failed"),
				logfields.RunID(workflow.RunID.Int64()),
				zap.Error(err),
			)

			cancellationFailed = true

			continue
		}

		cancelledURLs = append(cancelledURLs, workflow.URL)
	}

	if err := b.db.UpdateBuildStatus(ctx, build, database.BuildStatusCancelled); err != nil {
		return err
	}

	metrics.TryBuildsFinishedInc(database.BuildStatusCancelled)

	logger.Info(
		"try build cancelled",
		logfields.Event("try_build_cancelled"),
		logfields.BuildID(build.ID),
	)

	if cancellationFailed {
		return b.postComment(ctx, repo, prNumber, "Try build was cancelled. It was not possible to cancel some workflows.")
	}

	return b.postComment(ctx, repo, prNumber, tryCancelledComment(cancelledURLs))
}
