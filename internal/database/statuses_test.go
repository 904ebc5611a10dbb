package database

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var terminalBuildStatuses = []BuildStatus{
	BuildStatusSuccess,
	BuildStatusFailure,
	BuildStatusCancelled,
	BuildStatusTimeouted,
}

func TestPendingBuildCanReachAllTerminalStatuses(t *testing.T) {
	for _, to := range terminalBuildStatuses {
		t.Run(string(to), func(t *testing.T) {
			assert.NoError(t, ValidateBuildStatusTransition(BuildStatusPending, to))
		})
	}
}

func TestTerminalBuildStatusesCanNotBeLeft(t *testing.T) {
	for _, from := range terminalBuildStatuses {
		for _, to := range append([]BuildStatus{BuildStatusPending}, terminalBuildStatuses...) {
			t.Run(string(from)+"_to_"+string(to), func(t *testing.T) {
				assert.Error(t, ValidateBuildStatusTransition(from, to))
			})
		}
	}
}

func TestBuildStatusTransitionRejectsInvalidStatus(t *testing.T) {
	require.Error(t, ValidateBuildStatusTransition(BuildStatusPending, BuildStatus("exploded")))
	require.Error(t, ValidateBuildStatusTransition(BuildStatusPending, BuildStatusPending))
}

func TestWorkflowStatusTransitions(t *testing.T) {
	assert.NoError(t, ValidateWorkflowStatusTransition(WorkflowStatusPending, WorkflowStatusSuccess))
	assert.NoError(t, ValidateWorkflowStatusTransition(WorkflowStatusPending, WorkflowStatusFailure))

	assert.Error(t, ValidateWorkflowStatusTransition(WorkflowStatusSuccess, WorkflowStatusFailure))
	assert.Error(t, ValidateWorkflowStatusTransition(WorkflowStatusFailure, WorkflowStatusSuccess))
	assert.Error(t, ValidateWorkflowStatusTransition(WorkflowStatusSuccess, WorkflowStatusPending))
	assert.Error(t, ValidateWorkflowStatusTransition(WorkflowStatusPending, WorkflowStatusPending))
	assert.Error(t, ValidateWorkflowStatusTransition(WorkflowStatusPending, WorkflowStatus("")))
}
