// Package bors processes github webhook events for monitored repositories
// and runs the pull request commands of the bot.
//
// All events are processed serialized in a single event loop, handlers never
// run concurrently. State is kept in a database, the event loop itself is
// stateless and can be restarted at any time.
package bors

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/borsbot/bors/internal/database"
	"github.com/borsbot/bors/internal/githubclt"
	"github.com/borsbot/bors/internal/logfields"
)

//go:generate mockgen -destination mocks/githubclient.go -package mocks github.com/borsbot/bors/internal/bors GithubClient

const loggerName = "bors"

const (
	// DefEventChannelBufferSize is the buffer size of the event channel.
	// When the buffer is full, webhook deliveries are rejected.
	DefEventChannelBufferSize = 512

	// DefRefreshInterval is the default interval in that the event loop
	// generates an internal Refresh event.
	DefRefreshInterval = time.Minute

	// DefTryBuildTimeout is the default duration after which a running try
	// build is considered stuck and marked as timed out.
	DefTryBuildTimeout = time.Hour

	// defBotName is the default github login of the bot.
	defBotName = "bors"

	// defEventProcessingTimeout bounds processing a single event.
	// Handlers run serialized, one event that blocks forever would stall
	// the whole event loop.
	defEventProcessingTimeout = 5 * time.Minute
)

// Branches that the bot owns in the monitored repositories.
// The merge of a pull request with its base branch is prepared on
// tryMergeBranchName and then pushed to tryBranchName, the CI runs of that
// branch report into the try build.
const (
	tryMergeBranchName = "automation/bors/try-merge"
	tryBranchName      = "automation/bors/try"
)

// GithubClient provides the github API operations that the event handlers
// use.
// Operations that fail temporarily return an error that wraps
// borserr.RetryableError.
type GithubClient interface {
	CreateIssueComment(ctx context.Context, owner, repo string, issueOrPRNr int, comment string) error
	AddLabel(ctx context.Context, owner, repo string, pullRequestOrIssueNumber int, label string) error
	RemoveLabel(ctx context.Context, owner, repo string, pullRequestOrIssueNumber int, label string) error
	GetPullRequest(ctx context.Context, owner, repo string, number int) (*githubclt.PullRequest, error)
	BranchHeadSHA(ctx context.Context, owner, repo, branch string) (string, error)
	SetBranchToSHA(ctx context.Context, owner, repo, branch, sha string) error
	MergeBranches(ctx context.Context, owner, repo, base, head, commitMessage string) (string, error)
	CancelWorkflowRun(ctx context.Context, owner, repo string, runID int64) error
	PullRequestMergeableState(ctx context.Context, owner, repo string, prNumber int) (githubclt.MergeableState, error)
}

// DBClient provides the persistence operations of the bot.
type DBClient interface {
	GetOrCreatePullRequest(ctx context.Context, repo string, prNumber int, baseBranch string, state database.MergeableState) (*database.PullRequest, error)
	CreatePullRequest(ctx context.Context, repo string, prNumber int, baseBranch string) error
	FindPullRequestByBuild(ctx context.Context, buildID int64) (*database.PullRequest, error)
	AttachTryBuild(ctx context.Context, pr *database.PullRequest, branch, commitSHA, parentSHA string) error
	FindBuild(ctx context.Context, repo, branch, commitSHA string) (*database.Build, error)
	GetRunningBuilds(ctx context.Context, repo string) ([]*database.Build, error)
	UpdateBuildStatus(ctx context.Context, build *database.Build, status database.BuildStatus) error
	CreateWorkflow(ctx context.Context, build *database.Build, name, url string, runID database.RunID, workflowType database.WorkflowType, status database.WorkflowStatus) error
	UpdateWorkflowStatus(ctx context.Context, runID database.RunID, status database.WorkflowStatus) error
	GetWorkflowsForBuild(ctx context.Context, build *database.Build) ([]*database.Workflow, error)
	Approve(ctx context.Context, pr *database.PullRequest, approvedBy string) error
	Unapprove(ctx context.Context, pr *database.PullRequest) error
	UpdateMergeableStatesByBaseBranch(ctx context.Context, repo, branch string, state database.MergeableState) (int64, error)
	GetPullRequestsByMergeableState(ctx context.Context, repo string, state database.MergeableState) ([]*database.PullRequest, error)
	GetApprovedPullRequests(ctx context.Context, repo string) ([]*database.PullRequest, error)
}

// Bors runs the event loop of the bot.
// Events are submitted via the channel returned by C() and processed in FIFO
// order.
type Bors struct {
	ch     chan Event
	logger *zap.Logger

	db       DBClient
	ghClient GithubClient
	retryer  *Retryer

	botName string
	// trigger is the prefix that addresses commands to the bot, "@" +
	// botName.
	trigger string

	repositories    map[RepoName]struct{}
	labelChanges    map[LabelTrigger][]LabelChange
	tryBuildTimeout time.Duration
	refreshInterval time.Duration

	processedEventCnt atomic.Uint64

	wg sync.WaitGroup
}

type Opt func(*Bors)

// WithBotName sets the github login of the bot account.
// Commands are addressed to @name, comments authored by it are ignored.
func WithBotName(name string) Opt {
	return func(b *Bors) {
		b.botName = name
	}
}

// WithLabelChanges sets the label modifications that are applied when a
// trigger fires.
func WithLabelChanges(changes map[LabelTrigger][]LabelChange) Opt {
	return func(b *Bors) {
		b.labelChanges = changes
	}
}

// WithTryBuildTimeout overrides DefTryBuildTimeout.
func WithTryBuildTimeout(timeout time.Duration) Opt {
	return func(b *Bors) {
		b.tryBuildTimeout = timeout
	}
}

// WithRefreshInterval overrides DefRefreshInterval.
func WithRefreshInterval(interval time.Duration) Opt {
	return func(b *Bors) {
		b.refreshInterval = interval
	}
}

// New creates a Bors instance that processes events for the passed
// repositories. Events for other repositories are ignored.
// The event loop is run by calling Start().
func New(db DBClient, ghClient GithubClient, repos []RepoName, opts ...Opt) *Bors {
	repoMap := make(map[RepoName]struct{}, len(repos))
	for _, r := range repos {
		repoMap[r] = struct{}{}
	}

	b := Bors{
		ch:              make(chan Event, DefEventChannelBufferSize),
		logger:          zap.L().Named(loggerName),
		db:              db,
		ghClient:        ghClient,
		retryer:         NewRetryer(),
		botName:         defBotName,
		repositories:    repoMap,
		tryBuildTimeout: DefTryBuildTimeout,
		refreshInterval: DefRefreshInterval,
	}

	for _, opt := range opts {
		opt(&b)
	}

	b.trigger = "@" + b.botName

	return &b
}

// C returns the event channel.
// Events sent to the channel are processed by the event loop.
// The channel is closed when Stop() is called.
func (b *Bors) C() chan<- Event {
	return b.ch
}

// Start runs the event loop in a goroutine.
func (b *Bors) Start() {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.eventLoop()
	}()
}

// Stop terminates the event loop and waits until it finished.
// Events that were already queued are still read from the channel, github
// operations of their handlers are aborted.
// Stop must not be called concurrently with sending events to C().
func (b *Bors) Stop() {
	b.logger.Debug("terminating", logfields.Event("bors_terminating"))

	close(b.ch)
	b.retryer.Stop()
	b.wg.Wait()

	b.logger.Debug("terminated", logfields.Event("bors_terminated"))
}

func (b *Bors) eventLoop() {
	refreshTicker := time.NewTicker(b.refreshInterval)
	defer refreshTicker.Stop()

	b.logger.Info(
		"ready to process events",
		logfields.Event("bors_started"),
		zap.Duration("refresh_interval", b.refreshInterval),
		zap.Duration("try_build_timeout", b.tryBuildTimeout),
	)

	for {
		select {
		case event, open := <-b.ch:
			if !open {
				b.logger.Info(
					"event loop terminated, event channel was closed",
					logfields.Event("bors_eventloop_terminated"),
				)

				return
			}

			metrics.EventChannelLenSet(len(b.ch))
			b.processEvent(event)

		case <-refreshTicker.C:
			b.processEvent(&Refresh{})
		}
	}
}

func (b *Bors) processEvent(event Event) {
	defer func() {
		b.processedEventCnt.Inc()
		metrics.ProcessedEventsInc()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), defEventProcessingTimeout)
	defer cancel()

	logger := b.logger.With(event.LogFields()...)

	logger.Debug("event received", logfields.Event("event_received"))

	if _, isInternal := event.(*Refresh); !isInternal {
		if !b.isMonitoredRepository(event.Repo()) {
			logger.Debug(
				"event is for repository that is not monitored",
				logEventIgnored,
			)

			return
		}
	}

	var err error

	switch ev := event.(type) {
	case *CommentPosted:
		err = b.handleCommentPosted(ctx, logger, ev)

	case *PullRequestOpened:
		err = b.handlePullRequestOpened(ctx, logger, ev)

	case *PullRequestEdited:
		err = b.handlePullRequestEdited(ctx, logger, ev)

	case *PullRequestPushed:
		err = b.handlePullRequestPushed(ctx, logger, ev)

	case *PushToBranch:
		err = b.handlePushToBranch(ctx, logger, ev)

	case *WorkflowStarted:
		err = b.handleWorkflowStarted(ctx, logger, ev)

	case *WorkflowCompleted:
		err = b.handleWorkflowCompleted(ctx, logger, ev)

	case *CheckSuiteCompleted:
		err = b.handleCheckSuiteCompleted(ctx, logger, ev)

	case *Refresh:
		err = b.handleRefresh(ctx, logger)

	default:
		logger.Debug("event ignored", logEventIgnored)
	}

	if err != nil {
		metrics.EventProcessingErrorsInc(event.Name())
		logger.Error(
			"processing event failed",
			logfields.Event("event_processing_failed"),
			zap.Error(err),
		)

		return
	}

	logger.Debug("event processed", logfields.Event("event_processed"))
}

func (b *Bors) isMonitoredRepository(repo RepoName) bool {
	_, exist := b.repositories[repo]
	return exist
}

// monitoredRepositories returns the monitored repositories in a stable
// order.
func (b *Bors) monitoredRepositories() []RepoName {
	result := make([]RepoName, 0, len(b.repositories))
	for repo := range b.repositories {
		result = append(result, repo)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].String() < result[j].String()
	})

	return result
}

// toDBMergeableState converts the mergeable state reported by the github API
// into its stored representation.
func toDBMergeableState(state githubclt.MergeableState) database.MergeableState {
	switch state {
	case githubclt.MergeableStateMergeable:
		return database.MergeableStateMergeable
	case githubclt.MergeableStateConflicting:
		return database.MergeableStateHasConflicts
	default:
		return database.MergeableStateUnknown
	}
}

// getOrCreatePullRequest retrieves the current pull request state from the
// github API and returns the up to date database record for it.
func (b *Bors) getOrCreatePullRequest(ctx context.Context, repo RepoName, prNumber int) (*database.PullRequest, *githubclt.PullRequest, error) {
	var ghPR *githubclt.PullRequest

	err := b.retryer.Run(ctx, func(ctx context.Context) error {
		var err error
		ghPR, err = b.ghClient.GetPullRequest(ctx, repo.Owner, repo.Name, prNumber)
		return err
	}, append(repo.logFields(), logfields.PullRequest(prNumber)))
	if err != nil {
		return nil, nil, fmt.Errorf("retrieving pull request from github failed: %w", err)
	}

	if ghPR == nil {
		return nil, nil, errors.New("retrieving pull request was aborted")
	}

	pr, err := b.db.GetOrCreatePullRequest(ctx, repo.String(), prNumber, ghPR.BaseBranch, toDBMergeableState(ghPR.MergeableState))
	if err != nil {
		return nil, nil, err
	}

	return pr, ghPR, nil
}

// postComment posts a comment on the pull request, temporary github API
// failures are retried.
func (b *Bors) postComment(ctx context.Context, repo RepoName, prNumber int, comment string) error {
	return b.retryer.Run(ctx, func(ctx context.Context) error {
		return b.ghClient.CreateIssueComment(ctx, repo.Owner, repo.Name, prNumber, comment)
	}, append(repo.logFields(), logfields.PullRequest(prNumber)))
}

func (b *Bors) branchHeadSHA(ctx context.Context, repo RepoName, branch string) (string, error) {
	var sha string

	err := b.retryer.Run(ctx, func(ctx context.Context) error {
		var err error
		sha, err = b.ghClient.BranchHeadSHA(ctx, repo.Owner, repo.Name, branch)
		return err
	}, append(repo.logFields(), logfields.Branch(branch)))
	if err != nil {
		return "", fmt.Errorf("resolving head commit of branch %s failed: %w", branch, err)
	}

	if sha == "" {
		return "", fmt.Errorf("resolving head commit of branch %s was aborted", branch)
	}

	return sha, nil
}

func (b *Bors) setBranchToSHA(ctx context.Context, repo RepoName, branch, sha string) error {
	err := b.retryer.Run(ctx, func(ctx context.Context) error {
		return b.ghClient.SetBranchToSHA(ctx, repo.Owner, repo.Name, branch, sha)
	}, append(repo.logFields(), logfields.Branch(branch), logfields.Commit(sha)))
	if err != nil {
		return fmt.Errorf("setting branch %s to %s failed: %w", branch, sha, err)
	}

	return nil
}

func (b *Bors) mergeBranches(ctx context.Context, repo RepoName, base, head, commitMessage string) (string, error) {
	var mergeSHA string

	err := b.retryer.Run(ctx, func(ctx context.Context) error {
		var err error
		mergeSHA, err = b.ghClient.MergeBranches(ctx, repo.Owner, repo.Name, base, head, commitMessage)
		return err
	}, append(repo.logFields(), logfields.Branch(base), logfields.Commit(head)))
	if err != nil {
		return "", err
	}

	if mergeSHA == "" {
		return "", fmt.Errorf("merging %s into branch %s was aborted", head, base)
	}

	return mergeSHA, nil
}

func (b *Bors) cancelWorkflowRun(ctx context.Context, repo RepoName, runID database.RunID) error {
	return b.retryer.Run(ctx, func(ctx context.Context) error {
		return b.ghClient.CancelWorkflowRun(ctx, repo.Owner, repo.Name, runID.Int64())
	}, append(repo.logFields(), logfields.RunID(runID.Int64())))
}
