package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRecorder(t *testing.T) *Recorder {
	t.Helper()
	return NewRecorder(prometheus.NewRegistry())
}

func TestRecorder_RecordValidation(t *testing.T) {
	r := newTestRecorder(t)

	r.RecordValidation("acme.User", true)
	r.RecordValidation("acme.User", false)
	r.RecordValidation("acme.Order", false)

	snap := r.Snapshot()
	assert.Equal(t, int64(3), snap.ValidationChecksTotal)
	assert.Equal(t, int64(2), snap.ValidationFailuresTotal)
	assert.Equal(t, int64(1), snap.ValidationFailuresByType["acme.User"])
	assert.Equal(t, int64(1), snap.ValidationFailuresByType["acme.Order"])
}

func TestRecorder_RecordRuleLookup(t *testing.T) {
	r := newTestRecorder(t)

	r.RecordRuleLookup("acme.UserService/GetUser", true)
	r.RecordRuleLookup("acme.UserService/GetUser", true)
	r.RecordRuleLookup("acme.UserService/DeleteUser", false)

	snap := r.Snapshot()
	assert.Equal(t, int64(3), snap.RuleMatchingAttemptsTotal)
	assert.Equal(t, int64(2), snap.RuleMatchingMatchesTotal)
	assert.Equal(t, int64(1), snap.RuleMatchingMissesTotal)
	assert.Equal(t, int64(2), snap.RuleMatchingMatchesByRule["acme.UserService/GetUser"])
	assert.NotContains(t, snap.RuleMatchingMatchesByRule, "acme.UserService/DeleteUser")
}

func TestRecorder_RecordRequest_DoesNotPanic(t *testing.T) {
	r := newTestRecorder(t)
	require.NotPanics(t, func() {
		r.RecordRequest("grpc", "acme.UserService", "GetUser", "OK")
		r.RecordRequest("connect", "acme.UserService", "GetUser", "NOT_FOUND")
	})
}

func TestRecorder_SnapshotIsCopy(t *testing.T) {
	r := newTestRecorder(t)
	r.RecordValidation("acme.User", false)

	snap := r.Snapshot()
	snap.ValidationFailuresByType["acme.User"] = 999

	snap2 := r.Snapshot()
	assert.Equal(t, int64(1), snap2.ValidationFailuresByType["acme.User"])
}
