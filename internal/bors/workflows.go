package bors

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/borsbot/bors/internal/database"
	"github.com/borsbot/bors/internal/logfields"
)

// handleWorkflowStarted records a started CI workflow run when a pending
// build exists for the commit it runs on.
// Workflow runs on other branches and commits, for example CI of ordinary
// pull request pushes, are ignored.
func (b *Bors) handleWorkflowStarted(ctx context.Context, logger *zap.Logger, ev *WorkflowStarted) error {
	build, err := b.db.FindBuild(ctx, ev.Repository.String(), ev.Branch, ev.CommitSHA)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			logger.Debug("ignoring workflow run, no build exists for the commit", logEventIgnored, logReasonNoBuild)
			return nil
		}

		return err
	}

	if build.Status != database.BuildStatusPending {
		logger.Debug("ignoring workflow run, build is not pending", logEventIgnored, logReasonBuildNotPending)
		return nil
	}

	err = b.db.CreateWorkflow(ctx, build, ev.Workflow, ev.URL, ev.RunID, ev.Type, database.WorkflowStatusPending)
	if err != nil {
		return err
	}

	logger.Info(
		"workflow run recorded",
		logfields.Event("workflow_run_recorded"),
		logfields.BuildID(build.ID),
	)

	return nil
}

// handleWorkflowCompleted records the result of a workflow run and completes
// the build when it was the last outstanding run.
// Completions for unknown run ids change nothing, redeliveries and runs that
// were never recorded are tolerated.
func (b *Bors) handleWorkflowCompleted(ctx context.Context, logger *zap.Logger, ev *WorkflowCompleted) error {
	if err := b.db.UpdateWorkflowStatus(ctx, ev.RunID, ev.Status); err != nil {
		return err
	}

	return b.tryCompleteBuild(ctx, logger, ev.Repository, ev.Branch, ev.CommitSHA)
}

func (b *Bors) handleCheckSuiteCompleted(ctx context.Context, logger *zap.Logger, ev *CheckSuiteCompleted) error {
	return b.tryCompleteBuild(ctx, logger, ev.Repository, ev.Branch, ev.CommitSHA)
}

func workflowListing(workflows []*database.Workflow) string {
	var sb strings.Builder

	for i, workflow := range workflows {
		if i > 0 {
			sb.WriteByte('\n')
		}

		mark := ":white_check_mark:"
		if workflow.Status == database.WorkflowStatusFailure {
			mark = ":x:"
		}

		fmt.Fprintf(&sb, "- [%s](%s) %s", workflow.Name, workflow.URL, mark)
	}

	return sb.String()
}

func tryBuildSucceededComment(workflows []*database.Workflow) string {
	return ":sunny: Try build successful\n" + workflowListing(workflows)
}

func tryBuildFailedComment(workflows []*database.Workflow) string {
	return ":broken_heart: Test failed\n" + workflowListing(workflows)
}

// tryCompleteBuild finishes the pending build of the commit when all its
// recorded workflow runs reached a terminal status.
// The build succeeds when every run succeeded, otherwise it fails. The
// result is reported as comment on the pull request the build is attached
// to.
func (b *Bors) tryCompleteBuild(ctx context.Context, logger *zap.Logger, repo RepoName, branch, commitSHA string) error {
	build, err := b.db.FindBuild(ctx, repo.String(), branch, commitSHA)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			logger.Debug("no build exists for the commit", logEventIgnored, logReasonNoBuild)
			return nil
		}

		return err
	}

	if build.Status != database.BuildStatusPending {
		return nil
	}

	workflows, err := b.db.GetWorkflowsForBuild(ctx, build)
	if err != nil {
		return err
	}

	if len(workflows) == 0 {
		// the check suite can complete before any workflow run was
		// recorded
		return nil
	}

	hasFailure := false
	for _, workflow := range workflows {
		if workflow.Status == database.WorkflowStatusPending {
			logger.Debug(
				"build is not finished, a workflow run is still pending",
				logfields.Workflow(workflow.Name),
				logfields.BuildID(build.ID),
			)

			return nil
		}

		if workflow.Status == database.WorkflowStatusFailure {
			hasFailure = true
		}
	}

	status := database.BuildStatusSuccess
	trigger := TriggerTryBuildSucceeded
	comment := tryBuildSucceededComment(workflows)

	if hasFailure {
		status = database.BuildStatusFailure
		trigger = TriggerTryBuildFailed
		comment = tryBuildFailedComment(workflows)
	}

	if err := b.db.UpdateBuildStatus(ctx, build, status); err != nil {
		return err
	}

	metrics.TryBuildsFinishedInc(status)

	logger.Info(
		"try build finished",
		logEventTryBuildFinished,
		logfields.BuildID(build.ID),
		zap.String("build_status", string(status)),
	)

	pr, err := b.db.FindPullRequestByBuild(ctx, build.ID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			logger.Warn(
				"finished build is not attached to a pull request",
				logfields.Event("pull_request_not_found"),
				logfields.BuildID(build.ID),
			)

			return nil
		}

		return err
	}

	if err := b.postComment(ctx, repo, pr.Number, comment); err != nil {
		return err
	}

	b.applyLabelChanges(ctx, logger, repo, pr.Number, trigger)

	return nil
}
