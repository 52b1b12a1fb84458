// Package retention enforces retention, archival and erasure policies on
// stored sessions. Active sessions are never touched.
package retention

import (
	"errors"
	"fmt"
	"time"
)

// ResourceType selects what a policy governs.
type ResourceType string

const (
	// ResourceSession hard-deletes the whole session, leaving a tombstone.
	ResourceSession ResourceType = "session"
	// ResourceCheckpoint hard-deletes checkpoint state and keeps the record.
	ResourceCheckpoint ResourceType = "checkpoint"
	// ResourceAuditRecord expires audit records.
	ResourceAuditRecord ResourceType = "audit_record"
)

// Valid reports whether r is a known resource type.
func (r ResourceType) Valid() bool {
	switch r {
	case ResourceSession, ResourceCheckpoint, ResourceAuditRecord:
		return true
	}
	return false
}

// Policy is one retention rule. Ages are measured from a session's last
// activity, or an audit record's timestamp.
type Policy struct {
	// Name labels metrics and audit records. Defaults to the resource type.
	Name                string       `yaml:"name"`
	ResourceType        ResourceType `yaml:"resource_type"`
	ActiveRetentionDays int          `yaml:"active_retention_days"`
	ArchiveAfterDays    int          `yaml:"archive_after_days"`
	HardDeleteAfterDays int          `yaml:"hard_delete_after_days"`
}

// Label returns the policy name used in metrics and audit records.
func (p Policy) Label() string {
	if p.Name != "" {
		return p.Name
	}
	return string(p.ResourceType)
}

// Validate checks 0 < active <= archive <= hard delete.
func (p Policy) Validate() error {
	if !p.ResourceType.Valid() {
		return fmt.Errorf("policy %q: unknown resource type %q", p.Label(), p.ResourceType)
	}
	if p.ActiveRetentionDays <= 0 || p.ArchiveAfterDays <= 0 || p.HardDeleteAfterDays <= 0 {
		return fmt.Errorf("policy %q: retention days must be positive", p.Label())
	}
	if p.ActiveRetentionDays > p.ArchiveAfterDays {
		return fmt.Errorf("policy %q: active_retention_days (%d) exceeds archive_after_days (%d)",
			p.Label(), p.ActiveRetentionDays, p.ArchiveAfterDays)
	}
	if p.ArchiveAfterDays > p.HardDeleteAfterDays {
		return fmt.Errorf("policy %q: archive_after_days (%d) exceeds hard_delete_after_days (%d)",
			p.Label(), p.ArchiveAfterDays, p.HardDeleteAfterDays)
	}
	return nil
}

func days(n int) time.Duration {
	return time.Duration(n) * 24 * time.Hour
}

// stage is how far past its thresholds a resource is.
type stage int

const (
	stageNone stage = iota
	stageEvict
	stageArchive
	stageHardDelete
)

// stageAt classifies an age against the policy thresholds.
func (p Policy) stageAt(age time.Duration) stage {
	switch {
	case age >= days(p.HardDeleteAfterDays):
		return stageHardDelete
	case age >= days(p.ArchiveAfterDays):
		return stageArchive
	case age >= days(p.ActiveRetentionDays):
		return stageEvict
	}
	return stageNone
}

// ValidatePolicies validates each policy and rejects duplicate names.
func ValidatePolicies(policies []Policy) error {
	seen := make(map[string]bool, len(policies))
	var errs []error
	for _, p := range policies {
		if err := p.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		if seen[p.Label()] {
			errs = append(errs, fmt.Errorf("policy %q: duplicate name", p.Label()))
		}
		seen[p.Label()] = true
	}
	return errors.Join(errs...)
}
