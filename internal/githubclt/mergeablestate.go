package githubclt

import (
	"context"

	"github.com/shurcooL/githubv4"
)

// MergeableState is github's evaluation if a pull request can be merged into
// its base branch without conflicts.
// The evaluation runs in the background, until it finished the state is
// unknown.
type MergeableState string

const (
	MergeableStateMergeable   = MergeableState(githubv4.MergeableStateMergeable)
	MergeableStateConflicting = MergeableState(githubv4.MergeableStateConflicting)
	MergeableStateUnknown     = MergeableState(githubv4.MergeableStateUnknown)
)

// MergeableStateFromV3 converts a mergeable_state field value of the v3 REST
// API to a MergeableState.
// The v3 API reports "dirty" when the pull request contains merge conflicts
// and "clean" when it is mergeable. All other values describe the branch
// protection or review state and do not state anything definite about
// conflicts.
func MergeableStateFromV3(state string) MergeableState {
	switch state {
	case "clean":
		return MergeableStateMergeable
	case "dirty":
		return MergeableStateConflicting
	default:
		return MergeableStateUnknown
	}
}

// PullRequestMergeableState queries the current merge conflict evaluation of
// a pull request via the GraphQL API.
//
// [mergeable]: https://docs.github.com/en/graphql/reference/enums#mergeablestate
func (clt *Client) PullRequestMergeableState(ctx context.Context, owner, repo string, prNumber int) (MergeableState, error) {
	var q struct {
		Repository struct {
			PullRequest struct {
				Mergeable githubv4.MergeableState
			} `graphql:"pullRequest(number: $number)"`
		} `graphql:"repository(owner: $owner, name: $name)"`
	}

	vars := map[string]any{
		"owner":  githubv4.String(owner),
		"name":   githubv4.String(repo),
		"number": githubv4.Int(prNumber),
	}

	if err := clt.graphQLClt.Query(ctx, &q, vars); err != nil {
		return MergeableStateUnknown, clt.wrapGraphQLRetryableErrors(err)
	}

	switch q.Repository.PullRequest.Mergeable {
	case githubv4.MergeableStateMergeable:
		return MergeableStateMergeable, nil
	case githubv4.MergeableStateConflicting:
		return MergeableStateConflicting, nil
	default:
		return MergeableStateUnknown, nil
	}
}
