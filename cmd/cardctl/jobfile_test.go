package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseJobFile(t *testing.T) {
	job, err := parseJobFile([]byte(`
name: AMC intro campaign
description: Reach out to new AMC contacts
params:
  target_type: contacts
  target_filter:
    client_type: amc
  review_mode: true
  cadence:
    day0: true
    day4: true
    custom_days: [30]
  templates:
    Day 0 Intro:
      subject: Hello {{first_name}}
      body: Hi {{first_name}}, checking in.
`))
	require.NoError(t, err)
	assert.Equal(t, "AMC intro campaign", job.Name)
	assert.True(t, job.Params.ReviewMode)
	require.NotNil(t, job.Params.TargetFilter)
	assert.Equal(t, "amc", job.Params.TargetFilter.ClientType)
	require.NotNil(t, job.Params.Cadence)
	assert.Equal(t, []int{30}, job.Params.Cadence.CustomDays)
	assert.Equal(t, "Hello {{first_name}}", job.Params.Templates["Day 0 Intro"].Subject)
}

func TestParseJobFileRejectsIncompleteJobs(t *testing.T) {
	_, err := parseJobFile([]byte("params:\n  bulk_mode: true\n"))
	assert.ErrorContains(t, err, "name is required")

	_, err = parseJobFile([]byte("name: empty\n"))
	assert.ErrorContains(t, err, "template")

	_, err = parseJobFile([]byte("name: [unterminated"))
	assert.Error(t, err)
}
