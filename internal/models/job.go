package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// JobType is the restic operation a job runs.
type JobType string

const (
	// JobTypeBackup creates a new snapshot of Job.Directory.
	JobTypeBackup JobType = "backup"
	// JobTypeForget removes snapshots according to the policy in AdditionalArgs.
	JobTypeForget JobType = "forget"
	// JobTypePrune removes unreferenced data from the repository.
	JobTypePrune JobType = "prune"
	// JobTypeCheck verifies repository integrity.
	JobTypeCheck JobType = "check"
	// JobTypeUnlock removes stale repository locks. It is only used for
	// on-demand maintenance and is never accepted for configured jobs.
	JobTypeUnlock JobType = "unlock"
)

// ValidJobTypes returns the job types that can be configured and scheduled.
func ValidJobTypes() []JobType {
	return []JobType{
		JobTypeBackup,
		JobTypeForget,
		JobTypePrune,
		JobTypeCheck,
	}
}

// Job is a named, schedulable restic operation bound to one repository.
type Job struct {
	Name           string  `json:"name"`
	TargetRepo     string  `json:"target_repo"`
	Type           JobType `json:"type"`
	Schedule       string  `json:"schedule"`
	Directory      string  `json:"directory"`
	AdditionalArgs string  `json:"additional_args"`
	Enabled        bool    `json:"enabled"`
}

// IsValidType checks if the job type can be configured.
func (j *Job) IsValidType() bool {
	for _, t := range ValidJobTypes() {
		if j.Type == t {
			return true
		}
	}
	return false
}

// Validate checks the fields required to store a job.
// The schedule string is validated by the schedule package.
func (j *Job) Validate() error {
	if strings.TrimSpace(j.Name) == "" {
		return errors.New("job name is required")
	}
	if strings.TrimSpace(j.TargetRepo) == "" {
		return errors.New("job target repository is required")
	}
	if !j.IsValidType() {
		return fmt.Errorf("invalid job type %q", j.Type)
	}
	if j.Type == JobTypeBackup && strings.TrimSpace(j.Directory) == "" {
		return errors.New("backup job requires a directory")
	}
	return nil
}

// ExtraArgs splits AdditionalArgs on whitespace.
func (j *Job) ExtraArgs() []string {
	return strings.Fields(j.AdditionalArgs)
}

// UnmarshalJSON decodes a job, treating a missing "enabled" field as true.
func (j *Job) UnmarshalJSON(data []byte) error {
	type plain Job
	aux := struct {
		*plain
		Enabled *bool `json:"enabled"`
	}{plain: (*plain)(j)}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	j.Enabled = aux.Enabled == nil || *aux.Enabled
	return nil
}
