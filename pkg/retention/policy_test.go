package retention

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPolicyValidate(t *testing.T) {
	tests := []struct {
		name    string
		policy  Policy
		wantErr bool
	}{
		{"valid", defaultPolicy, false},
		{"equal thresholds", Policy{ResourceType: ResourceCheckpoint, ActiveRetentionDays: 7, ArchiveAfterDays: 7, HardDeleteAfterDays: 7}, false},
		{"unknown resource", Policy{ResourceType: "blob", ActiveRetentionDays: 1, ArchiveAfterDays: 1, HardDeleteAfterDays: 1}, true},
		{"zero days", Policy{ResourceType: ResourceSession, ArchiveAfterDays: 1, HardDeleteAfterDays: 1}, true},
		{"archive before active", Policy{ResourceType: ResourceSession, ActiveRetentionDays: 30, ArchiveAfterDays: 10, HardDeleteAfterDays: 90}, true},
		{"delete before archive", Policy{ResourceType: ResourceSession, ActiveRetentionDays: 30, ArchiveAfterDays: 60, HardDeleteAfterDays: 45}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.policy.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidatePoliciesRejectsDuplicates(t *testing.T) {
	named := defaultPolicy
	named.Name = "sessions-eu"

	assert.NoError(t, ValidatePolicies([]Policy{defaultPolicy, named}))
	assert.Error(t, ValidatePolicies([]Policy{defaultPolicy, defaultPolicy}))
}

func TestPolicyStage(t *testing.T) {
	assert.Equal(t, stageNone, defaultPolicy.stageAt(day(29)))
	assert.Equal(t, stageEvict, defaultPolicy.stageAt(day(30)))
	assert.Equal(t, stageArchive, defaultPolicy.stageAt(day(89)))
	assert.Equal(t, stageHardDelete, defaultPolicy.stageAt(day(100)))
}

func TestShardOwnership(t *testing.T) {
	assert.True(t, Shard{}.Owns("anything"))
	assert.NoError(t, Shard{}.Validate())
	assert.Error(t, Shard{Index: -1, Count: 2}.Validate())
	assert.Equal(t, "1/4", Shard{Index: 1, Count: 4}.String())

	owners := 0
	for i := range 4 {
		if (Shard{Index: i, Count: 4}).Owns("session-42") {
			owners++
		}
	}
	assert.Equal(t, 1, owners)
}

func TestReportSummary(t *testing.T) {
	r := newReport(testNow, Shard{})
	r.scanned()
	r.applied(ActionPurge, 1)
	r.applied(ActionArchive, 2)
	r.fail(Failure{SessionID: "s1", Policy: "session", Action: ActionPurge, Err: errIOTimeout})

	assert.Equal(t, "scanned=1 archive=2 purge=1 skipped=0 failed=1", r.String())
	assert.True(t, errors.Is(r.Err(), errIOTimeout))
	assert.Contains(t, r.Err().Error(), "session purge s1")
}
