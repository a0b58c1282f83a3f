package harness

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScenarios(t *testing.T) {
	paths, err := filepath.Glob("testdata/scenarios/*.yaml")
	require.NoError(t, err)
	require.NotEmpty(t, paths)

	for _, path := range paths {
		t.Run(strings.TrimSuffix(filepath.Base(path), ".yaml"), func(t *testing.T) {
			scenario, err := LoadScenario(path)
			require.NoError(t, err)

			result, err := Run(scenario)
			require.NoError(t, err)
			assert.True(t, result.Pass, "errors:\n%s", strings.Join(result.Errors, "\n"))
		})
	}
}

func TestScenarios_Golden(t *testing.T) {
	for _, name := range []string{"happy_path", "dns_outage"} {
		t.Run(name, func(t *testing.T) {
			scenario, err := LoadScenario(filepath.Join("testdata/scenarios", name+".yaml"))
			require.NoError(t, err)

			result, err := RunWithGolden(t, scenario)
			require.NoError(t, err)
			assert.True(t, result.Pass, "errors:\n%s", strings.Join(result.Errors, "\n"))
		})
	}
}

func TestRun_IsDeterministic(t *testing.T) {
	scenario, err := LoadScenario("testdata/scenarios/partial_email.yaml")
	require.NoError(t, err)

	first, err := Run(scenario)
	require.NoError(t, err)
	second, err := Run(scenario)
	require.NoError(t, err)

	assert.Equal(t, first.Trace, second.Trace)
	assert.Equal(t, first.Outcome, second.Outcome)
}

func TestRun_ReportsOutcomeMismatch(t *testing.T) {
	scenario, err := LoadScenario("testdata/scenarios/happy_path.yaml")
	require.NoError(t, err)
	scenario.Expect.Status = "failed"
	sent := 5
	scenario.Expect.InvitationsSent = &sent

	result, err := Run(scenario)
	require.NoError(t, err)

	assert.False(t, result.Pass)
	assert.Contains(t, result.Errors, "outcome status: expected failed, got completed")
	assert.Contains(t, result.Errors, "outcome invitations_sent: expected 5, got 1")
}

func TestRun_ReportsFailedAssertion(t *testing.T) {
	scenario, err := LoadScenario("testdata/scenarios/stakeholder.yaml")
	require.NoError(t, err)
	scenario.Assertions = append(scenario.Assertions, Assertion{
		Type:  AssertTraceCount,
		Event: "organization.dns_configured",
		Count: 1,
	})

	result, err := Run(scenario)
	require.NoError(t, err)

	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "1 occurrences of organization.dns_configured")
}

func TestRun_CountsGatewayCalls(t *testing.T) {
	scenario, err := LoadScenario("testdata/scenarios/dns_outage.yaml")
	require.NoError(t, err)

	result, err := Run(scenario)
	require.NoError(t, err)

	assert.Equal(t, Calls{DNSCreates: 3}, result.Calls)
	assert.Equal(t, OrganizationID, result.Outcome.OrganizationID)
}
