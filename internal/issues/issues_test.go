package issues

import (
	"testing"

	"github.com/harrison/auto-dev-scheduler/internal/logger"
	"github.com/harrison/auto-dev-scheduler/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePauser struct {
	calls []models.PauseReason
}

func (f *fakePauser) Pause(reason models.PauseReason) {
	f.calls = append(f.calls, reason)
}

func TestReport_DedupBySignature(t *testing.T) {
	tr := New(logger.NopLogger{}, false)

	tr.Report(models.Issue{Title: "flaky test", Signature: "sig-1", Severity: models.SeverityWarning, ReporterTaskID: "T1"})
	tr.Report(models.Issue{Title: "flaky test, reworded", Signature: "sig-1", Severity: models.SeverityError, ReporterTaskID: "T2"})

	all := tr.GetAll()
	require.Len(t, all, 1)
	assert.Equal(t, 2, all[0].Occurrences)
	assert.Equal(t, models.SeverityError, all[0].Severity, "severity widens to the more severe report")
}

func TestReport_DedupByTitleAndFiles(t *testing.T) {
	tr := New(logger.NopLogger{}, false)

	tr.Report(models.Issue{Title: "nil deref", Files: []string{"b.go", "a.go"}, Severity: models.SeverityError})
	tr.Report(models.Issue{Title: "nil deref", Files: []string{"a.go", "b.go"}, Severity: models.SeverityError})

	all := tr.GetAll()
	require.Len(t, all, 1, "file order must not affect the dedup key")
	assert.Equal(t, 2, all[0].Occurrences)
}

func TestReport_MergeUnionsFilesAndFillsOptionalFields(t *testing.T) {
	tr := New(logger.NopLogger{}, false)

	tr.Report(models.Issue{Title: "nil deref", Signature: "sig-nil", Files: []string{"a.go"}, Severity: models.SeverityWarning, OwnerTaskID: "T1"})
	tr.Report(models.Issue{Title: "nil deref", Signature: "sig-nil", Files: []string{"b.go"}, Severity: models.SeverityWarning, Details: "seen in parser"})

	all := tr.GetAll()
	require.Len(t, all, 1, "same signature, disjoint files still dedup to one issue")
	assert.Equal(t, []string{"a.go", "b.go"}, all[0].Files, "file lists from both reports must be unioned")
	assert.Equal(t, "T1", all[0].OwnerTaskID, "optional field from the first report is preserved")
	assert.Equal(t, "seen in parser", all[0].Details, "optional field missing from the first report is filled from the second")
}

func TestReport_ReopensFixedButNotIgnored(t *testing.T) {
	tr := New(logger.NopLogger{}, false)
	tr.Report(models.Issue{Title: "leak", Signature: "sig-leak", Severity: models.SeverityWarning})
	id := tr.GetAll()[0].ID

	tr.UpdateStatus(id, models.IssueFixed)
	tr.Report(models.Issue{Title: "leak", Signature: "sig-leak", Severity: models.SeverityWarning})
	assert.Equal(t, models.IssueOpen, tr.GetAll()[0].Status, "a fixed issue reopens on reoccurrence")

	tr.UpdateStatus(id, models.IssueIgnored)
	tr.Report(models.Issue{Title: "leak", Signature: "sig-leak", Severity: models.SeverityWarning})
	assert.Equal(t, models.IssueIgnored, tr.GetAll()[0].Status, "an ignored issue stays ignored")
}

func TestReport_BlockerTriggersAutoPause(t *testing.T) {
	tr := New(logger.NopLogger{}, true)
	pauser := &fakePauser{}
	tr.SetPauser(pauser)

	tr.Report(models.Issue{Title: "breaking change", Signature: "sig-block", Severity: models.SeverityBlocker})

	require.Len(t, pauser.calls, 1)
	assert.Equal(t, models.PauseBlocker, pauser.calls[0])
	assert.Equal(t, 1, tr.OpenBlockerCount())
}

func TestReport_AutoPauseDisabledNeverCallsPauser(t *testing.T) {
	tr := New(logger.NopLogger{}, false)
	pauser := &fakePauser{}
	tr.SetPauser(pauser)

	tr.Report(models.Issue{Title: "breaking change", Signature: "sig-block", Severity: models.SeverityBlocker})

	assert.Empty(t, pauser.calls)
	assert.Equal(t, 1, tr.OpenBlockerCount(), "the issue itself is still tracked")
}

func TestGetOpen_ExcludesFixedAndIgnored(t *testing.T) {
	tr := New(logger.NopLogger{}, false)
	tr.Report(models.Issue{Title: "a", Signature: "sig-a", Severity: models.SeverityWarning})
	tr.Report(models.Issue{Title: "b", Signature: "sig-b", Severity: models.SeverityError})
	tr.Report(models.Issue{Title: "c", Signature: "sig-c", Severity: models.SeverityWarning})
	ids := make([]string, 0, 3)
	for _, i := range tr.GetAll() {
		ids = append(ids, i.ID)
	}
	tr.UpdateStatus(ids[0], models.IssueFixed)
	tr.UpdateStatus(ids[2], models.IssueIgnored)

	open := tr.GetOpen()
	require.Len(t, open, 1)
	assert.Equal(t, ids[1], open[0].ID)
}

func TestGetAll_SortedBySeverityThenAge(t *testing.T) {
	tr := New(logger.NopLogger{}, false)
	tr.Report(models.Issue{Title: "warn", Signature: "sig-w", Severity: models.SeverityWarning})
	tr.Report(models.Issue{Title: "block", Signature: "sig-b", Severity: models.SeverityBlocker})
	tr.Report(models.Issue{Title: "err", Signature: "sig-e", Severity: models.SeverityError})

	all := tr.GetAll()
	require.Len(t, all, 3)
	assert.Equal(t, models.SeverityBlocker, all[0].Severity)
	assert.Equal(t, models.SeverityError, all[1].Severity)
	assert.Equal(t, models.SeverityWarning, all[2].Severity)
}

func TestRenderDigest_GroupsBySeverityAndSkipsWhenEmpty(t *testing.T) {
	tr := New(logger.NopLogger{}, false)
	assert.Equal(t, "", tr.RenderDigest(), "no open issues renders nothing")

	tr.Report(models.Issue{Title: "missing test", Signature: "sig-1", Severity: models.SeverityWarning, Files: []string{"x.go"}})
	tr.Report(models.Issue{Title: "breaks build", Signature: "sig-2", Severity: models.SeverityBlocker})

	digest := tr.RenderDigest()
	assert.Contains(t, digest, "BLOCKER")
	assert.Contains(t, digest, "breaks build")
	assert.Contains(t, digest, "WARNING")
	assert.Contains(t, digest, "missing test (x.go)")
}
