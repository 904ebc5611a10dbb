package bors

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/borsbot/bors/internal/database"
	"github.com/borsbot/bors/internal/githubclt"
	"github.com/borsbot/bors/internal/logfields"
)

// handleRefresh runs the periodic maintenance of all monitored
// repositories, it times out stuck try builds and resolves unknown
// mergeable states via the github API.
func (b *Bors) handleRefresh(ctx context.Context, logger *zap.Logger) error {
	var errs []error

	for _, repo := range b.monitoredRepositories() {
		if err := b.timeoutStaleBuilds(ctx, logger, repo); err != nil {
			errs = append(errs, fmt.Errorf("%s: timing out stale builds failed: %w", repo, err))
		}

		if err := b.refreshMergeableStates(ctx, logger, repo); err != nil {
			errs = append(errs, fmt.Errorf("%s: refreshing mergeable states failed: %w", repo, err))
		}
	}

	return errors.Join(errs...)
}

// timeoutStaleBuilds marks pending builds that are older than the try build
// timeout as timed out and reports it on their pull requests.
// CI can lose workflow runs, without the timeout such builds would stay
// pending forever.
func (b *Bors) timeoutStaleBuilds(ctx context.Context, logger *zap.Logger, repo RepoName) error {
	builds, err := b.db.GetRunningBuilds(ctx, repo.String())
	if err != nil {
		return err
	}

	for _, build := range builds {
		age := time.Since(build.CreatedAt)
		if age < b.tryBuildTimeout {
			continue
		}

		if err := b.db.UpdateBuildStatus(ctx, build, database.BuildStatusTimeouted); err != nil {
			return err
		}

		metrics.TryBuildsFinishedInc(database.BuildStatusTimeouted)

		logger.Info(
			"try build timed out",
			logfields.Event("try_build_timeout"),
			logfields.BuildID(build.ID),
			zap.Duration("age", age),
		)

		pr, err := b.db.FindPullRequestByBuild(ctx, build.ID)
		if err != nil {
			if errors.Is(err, database.ErrNotFound) {
				continue
			}

			return err
		}

		if err := b.postComment(ctx, repo, pr.Number, ":boom: Test timed out"); err != nil {
			return err
		}

		b.applyLabelChanges(ctx, logger, repo, pr.Number, TriggerTryBuildFailed)
	}

	return nil
}

// refreshMergeableStates queries the github API for the mergeable state of
// pull requests whose stored state is unknown.
// The state is reset to unknown when commits are pushed to a base branch,
// github recomputes it asynchronously afterwards.
func (b *Bors) refreshMergeableStates(ctx context.Context, logger *zap.Logger, repo RepoName) error {
	prs, err := b.db.GetPullRequestsByMergeableState(ctx, repo.String(), database.MergeableStateUnknown)
	if err != nil {
		return err
	}

	for _, pr := range prs {
		var state githubclt.MergeableState

		err := b.retryer.Run(ctx, func(ctx context.Context) error {
			var err error
			state, err = b.ghClient.PullRequestMergeableState(ctx, repo.Owner, repo.Name, pr.Number)
			return err
		}, append(repo.logFields(), logfields.PullRequest(pr.Number)))
		if err != nil {
			return err
		}

		dbState := toDBMergeableState(state)
		if dbState == database.MergeableStateUnknown {
			// github has not finished computing the state
			continue
		}

		if _, err := b.db.GetOrCreatePullRequest(ctx, repo.String(), pr.Number, pr.BaseBranch, dbState); err != nil {
			return err
		}

		logger.Debug(
			"mergeable state refreshed",
			logfields.Event("mergeable_state_refreshed"),
			logfields.PullRequest(pr.Number),
			zap.String("mergeable_state", string(dbState)),
		)
	}

	return nil
}
