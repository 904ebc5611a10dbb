package bors

import (
	"go.uber.org/zap"

	"github.com/borsbot/bors/internal/logfields"
)

var (
	logEventIgnored            = logfields.Event("event_ignored")
	logEventUnapproved         = logfields.Event("pull_request_unapproved")
	logEventTryBuildFinished   = logfields.Event("try_build_finished")
	logEventLabelChangesFailed = logfields.Event("applying_label_changes_failed")

	logReasonNotApproved      = logFieldReason("pull_request_not_approved")
	logReasonOwnComment       = logFieldReason("own_comment")
	logReasonNoBuild          = logFieldReason("no_build_for_commit")
	logReasonBuildNotPending  = logFieldReason("build_not_pending")
	logReasonBaseBranchUnchgd = logFieldReason("base_branch_unchanged")
)

func logFieldReason(reason string) zap.Field {
	return zap.String("reason", reason)
}
