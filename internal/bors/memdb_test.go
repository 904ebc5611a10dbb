package bors

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/borsbot/bors/internal/database"
)

// fakeDB is an in-memory DBClient replacement for tests.
// It mirrors the guards of the real client, status updates only apply to rows
// that are still pending and losing such a race is not an error.
type fakeDB struct {
	mu sync.Mutex

	prs       map[string]*database.PullRequest
	builds    map[int64]*database.Build
	workflows []*database.Workflow

	nextPRID       int64
	nextBuildID    int64
	nextWorkflowID int64
}

var _ DBClient = (*fakeDB)(nil)

func newFakeDB() *fakeDB {
	return &fakeDB{
		prs:    map[string]*database.PullRequest{},
		builds: map[int64]*database.Build{},
	}
}

func prKey(repo string, prNumber int) string {
	return fmt.Sprintf("%s#%d", repo, prNumber)
}

func copyBuild(build *database.Build) *database.Build {
	if build == nil {
		return nil
	}

	clone := *build

	return &clone
}

func copyPR(pr *database.PullRequest) *database.PullRequest {
	clone := *pr
	clone.TryBuild = copyBuild(pr.TryBuild)

	return &clone
}

func (d *fakeDB) GetOrCreatePullRequest(_ context.Context, repo string, prNumber int, baseBranch string, state database.MergeableState) (*database.PullRequest, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if pr, exist := d.prs[prKey(repo, prNumber)]; exist {
		pr.BaseBranch = baseBranch
		pr.MergeableState = state

		return copyPR(pr), nil
	}

	d.nextPRID++
	pr := &database.PullRequest{
		ID:             d.nextPRID,
		Repository:     repo,
		Number:         prNumber,
		BaseBranch:     baseBranch,
		MergeableState: state,
		CreatedAt:      time.Now(),
	}
	d.prs[prKey(repo, prNumber)] = pr

	return copyPR(pr), nil
}

func (d *fakeDB) CreatePullRequest(_ context.Context, repo string, prNumber int, baseBranch string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exist := d.prs[prKey(repo, prNumber)]; exist {
		return nil
	}

	d.nextPRID++
	d.prs[prKey(repo, prNumber)] = &database.PullRequest{
		ID:             d.nextPRID,
		Repository:     repo,
		Number:         prNumber,
		BaseBranch:     baseBranch,
		MergeableState: database.MergeableStateUnknown,
		CreatedAt:      time.Now(),
	}

	return nil
}

func (d *fakeDB) FindPullRequestByBuild(_ context.Context, buildID int64) (*database.PullRequest, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, pr := range d.prs {
		if pr.TryBuild != nil && pr.TryBuild.ID == buildID {
			return copyPR(pr), nil
		}
	}

	return nil, database.ErrNotFound
}

func (d *fakeDB) AttachTryBuild(_ context.Context, pr *database.PullRequest, branch, commitSHA, parentSHA string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	stored, exist := d.prs[prKey(pr.Repository, pr.Number)]
	if !exist {
		return fmt.Errorf("pull request %s#%d does not exist", pr.Repository, pr.Number)
	}

	d.nextBuildID++
	build := &database.Build{
		ID:         d.nextBuildID,
		Repository: pr.Repository,
		Branch:     branch,
		CommitSHA:  commitSHA,
		Parent:     parentSHA,
		Status:     database.BuildStatusPending,
		CreatedAt:  time.Now(),
	}

	d.builds[build.ID] = build
	stored.TryBuild = build
	pr.TryBuild = copyBuild(build)

	return nil
}

func (d *fakeDB) FindBuild(_ context.Context, repo, branch, commitSHA string) (*database.Build, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var newest *database.Build
	for _, build := range d.builds {
		if build.Repository != repo || build.Branch != branch || build.CommitSHA != commitSHA {
			continue
		}

		if newest == nil || build.ID > newest.ID {
			newest = build
		}
	}

	if newest == nil {
		return nil, database.ErrNotFound
	}

	return copyBuild(newest), nil
}

func (d *fakeDB) GetRunningBuilds(_ context.Context, repo string) ([]*database.Build, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var result []*database.Build
	for _, build := range d.builds {
		if build.Repository == repo && build.Status == database.BuildStatusPending {
			result = append(result, copyBuild(build))
		}
	}

	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })

	return result, nil
}

func (d *fakeDB) UpdateBuildStatus(_ context.Context, build *database.Build, status database.BuildStatus) error {
	if err := database.ValidateBuildStatusTransition(build.Status, status); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	stored, exist := d.builds[build.ID]
	if !exist || stored.Status != database.BuildStatusPending {
		return nil
	}

	stored.Status = status
	build.Status = status

	return nil
}

func (d *fakeDB) CreateWorkflow(_ context.Context, build *database.Build, name, url string, runID database.RunID, workflowType database.WorkflowType, status database.WorkflowStatus) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.nextWorkflowID++
	d.workflows = append(d.workflows, &database.Workflow{
		ID:        d.nextWorkflowID,
		BuildID:   build.ID,
		Name:      name,
		URL:       url,
		RunID:     runID,
		Type:      workflowType,
		Status:    status,
		CreatedAt: time.Now(),
	})

	return nil
}

func (d *fakeDB) UpdateWorkflowStatus(_ context.Context, runID database.RunID, status database.WorkflowStatus) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, workflow := range d.workflows {
		if workflow.RunID == runID && workflow.Status == database.WorkflowStatusPending {
			workflow.Status = status
		}
	}

	return nil
}

func (d *fakeDB) GetWorkflowsForBuild(_ context.Context, build *database.Build) ([]*database.Workflow, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var result []*database.Workflow
	for _, workflow := range d.workflows {
		if workflow.BuildID == build.ID {
			clone := *workflow
			result = append(result, &clone)
		}
	}

	return result, nil
}

func (d *fakeDB) Approve(_ context.Context, pr *database.PullRequest, approvedBy string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	stored, exist := d.prs[prKey(pr.Repository, pr.Number)]
	if !exist {
		return fmt.Errorf("pull request %s#%d does not exist", pr.Repository, pr.Number)
	}

	stored.ApprovedBy = approvedBy
	pr.ApprovedBy = approvedBy

	return nil
}

func (d *fakeDB) Unapprove(_ context.Context, pr *database.PullRequest) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	stored, exist := d.prs[prKey(pr.Repository, pr.Number)]
	if !exist {
		return fmt.Errorf("pull request %s#%d does not exist", pr.Repository, pr.Number)
	}

	stored.ApprovedBy = ""
	pr.ApprovedBy = ""

	return nil
}

func (d *fakeDB) UpdateMergeableStatesByBaseBranch(_ context.Context, repo, branch string, state database.MergeableState) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var cnt int64
	for _, pr := range d.prs {
		if pr.Repository == repo && pr.BaseBranch == branch {
			pr.MergeableState = state
			cnt++
		}
	}

	return cnt, nil
}

func (d *fakeDB) GetPullRequestsByMergeableState(_ context.Context, repo string, state database.MergeableState) ([]*database.PullRequest, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var result []*database.PullRequest
	for _, pr := range d.prs {
		if pr.Repository == repo && pr.MergeableState == state {
			result = append(result, copyPR(pr))
		}
	}

	sort.Slice(result, func(i, j int) bool { return result[i].Number < result[j].Number })

	return result, nil
}

func (d *fakeDB) GetApprovedPullRequests(_ context.Context, repo string) ([]*database.PullRequest, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var result []*database.PullRequest
	for _, pr := range d.prs {
		if pr.Repository == repo && pr.ApprovedBy != "" {
			result = append(result, copyPR(pr))
		}
	}

	sort.Slice(result, func(i, j int) bool { return result[i].Number < result[j].Number })

	return result, nil
}

// pullRequest returns a copy of the stored pull request, nil when none is
// stored.
func (d *fakeDB) pullRequest(repo string, prNumber int) *database.PullRequest {
	d.mu.Lock()
	defer d.mu.Unlock()

	pr, exist := d.prs[prKey(repo, prNumber)]
	if !exist {
		return nil
	}

	return copyPR(pr)
}

// workflowByRunID returns a copy of the stored workflow run, nil when none is
// stored.
func (d *fakeDB) workflowByRunID(runID database.RunID) *database.Workflow {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, workflow := range d.workflows {
		if workflow.RunID == runID {
			clone := *workflow
			return &clone
		}
	}

	return nil
}

// rewindBuildCreatedAt moves the creation time of the build into the past.
func (d *fakeDB) rewindBuildCreatedAt(buildID int64, age time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.builds[buildID].CreatedAt = time.Now().Add(-age)
}
