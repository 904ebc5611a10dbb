package bors

import (
	"context"

	"go.uber.org/zap"

	"github.com/borsbot/bors/internal/logfields"
)

// LabelTrigger is a pull request state transition that label modifications
// can be attached to in the configuration.
type LabelTrigger string

const (
	TriggerApproved          LabelTrigger = "approved"
	TriggerUnapproved        LabelTrigger = "unapproved"
	TriggerTryBuildStarted   LabelTrigger = "try_build_started"
	TriggerTryBuildSucceeded LabelTrigger = "try_build_succeeded"
	TriggerTryBuildFailed    LabelTrigger = "try_build_failed"
)

// LabelChange is a single label modification on a pull request.
type LabelChange struct {
	Label string
	// Remove removes the label instead of adding it.
	Remove bool
}

// applyLabelChanges applies the label modifications that are configured for
// the trigger to the pull request.
// Label modifications are a best effort notification, failures are logged
// and do not fail the event that fired the trigger.
func (b *Bors) applyLabelChanges(ctx context.Context, logger *zap.Logger, repo RepoName, prNumber int, trigger LabelTrigger) {
	for _, change := range b.labelChanges[trigger] {
		err := b.retryer.Run(ctx, func(ctx context.Context) error {
			if change.Remove {
				return b.ghClient.RemoveLabel(ctx, repo.Owner, repo.Name, prNumber, change.Label)
			}

			return b.ghClient.AddLabel(ctx, repo.Owner, repo.Name, prNumber, change.Label)
		}, append(repo.logFields(), logfields.PullRequest(prNumber), logfields.Label(change.Label)))
		if err != nil {
			logger.Warn(
				"applying label change failed",
				logEventLabelChangesFailed,
				logfields.Label(change.Label),
				zap.Bool("remove", change.Remove),
				zap.Error(err),
			)
		}
	}
}
