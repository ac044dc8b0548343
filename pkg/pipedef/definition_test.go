package pipedef

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const sampleDoc = `
apiVersion: v1
kind: Pipeline
metadata:
  name: build-app
  labels:
    team: platform
failurePolicy: continue
trigger:
  cron: "0 4 * * *"
stages:
  - name: compile
    labels:
      os: linux
  - name: unit
    dependsOn: [compile]
  - name: lint
    dependsOn: [compile]
  - name: deploy
    dependsOn: [unit, lint]
    gate:
      requiredRole: release-manager
      approvers: [alice, bob, carol]
      minApprovals: 2
      timeout: 48h
`

func TestParseSample(t *testing.T) {
	def, err := Parse([]byte(sampleDoc))
	require.NoError(t, err)

	require.Equal(t, "build-app", def.Metadata.Name)
	require.Equal(t, FailurePolicyContinue, def.Policy())
	require.Equal(t, "0 4 * * *", def.Trigger.Cron)
	require.Len(t, def.Stages, 4)

	deploy := def.StageByName("deploy")
	require.NotNil(t, deploy)
	require.Equal(t, []string{"unit", "lint"}, deploy.DependsOn)
	require.NotNil(t, deploy.Gate)
	require.Equal(t, 2, deploy.Gate.MinApprovals)
	require.Equal(t, 48*time.Hour, deploy.Gate.Timeout)
}

func TestPolicyDefaultsToHalt(t *testing.T) {
	def, err := Parse([]byte(`
apiVersion: v1
kind: Pipeline
metadata:
  name: minimal
stages:
  - name: only
`))
	require.NoError(t, err)
	require.Equal(t, FailurePolicyHalt, def.Policy())
}

func TestGateMinApprovalsDefaultsToOne(t *testing.T) {
	def, err := Parse([]byte(`
apiVersion: v1
kind: Pipeline
metadata:
  name: gated
stages:
  - name: ship
    gate:
      requiredRole: admin
`))
	require.NoError(t, err)
	require.Equal(t, 1, def.Stages[0].Gate.MinApprovals)
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name string
		doc  string
	}{
		{"bad apiVersion", `
apiVersion: v2
kind: Pipeline
metadata: {name: x}
stages: [{name: a}]`},
		{"bad kind", `
apiVersion: v1
kind: Job
metadata: {name: x}
stages: [{name: a}]`},
		{"missing name", `
apiVersion: v1
kind: Pipeline
metadata: {name: ""}
stages: [{name: a}]`},
		{"no stages", `
apiVersion: v1
kind: Pipeline
metadata: {name: x}
stages: []`},
		{"duplicate stage", `
apiVersion: v1
kind: Pipeline
metadata: {name: x}
stages: [{name: a}, {name: a}]`},
		{"unknown dependency", `
apiVersion: v1
kind: Pipeline
metadata: {name: x}
stages: [{name: a, dependsOn: [ghost]}]`},
		{"self dependency", `
apiVersion: v1
kind: Pipeline
metadata: {name: x}
stages: [{name: a, dependsOn: [a]}]`},
		{"bad failure policy", `
apiVersion: v1
kind: Pipeline
metadata: {name: x}
failurePolicy: explode
stages: [{name: a}]`},
		{"quorum above group", `
apiVersion: v1
kind: Pipeline
metadata: {name: x}
stages: [{name: a, gate: {approvers: [solo], minApprovals: 2}}]`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.doc))
			require.Error(t, err)
		})
	}
}
