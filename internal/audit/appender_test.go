package audit_test

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jvs-project/agentlock/internal/audit"
	"github.com/jvs-project/agentlock/pkg/errclass"
	"github.com/jvs-project/agentlock/pkg/model"
)

func TestFileAppender_AppendCreatesJSONL(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "audit", "audit.jsonl")

	appender := audit.NewFileAppender(logPath)
	err := appender.Append(model.EventLockForceReleased, "pytest-myrepo", "sess-a", map[string]any{"previous_holder": "sess-b"})
	require.NoError(t, err)

	file, err := os.Open(logPath)
	require.NoError(t, err)
	defer file.Close()

	scanner := bufio.NewScanner(file)
	require.True(t, scanner.Scan())

	var record model.AuditRecord
	require.NoError(t, json.Unmarshal(scanner.Bytes(), &record))
	assert.Equal(t, model.EventLockForceReleased, record.EventType)
	assert.Equal(t, "pytest-myrepo", record.Subject)
	assert.Equal(t, "sess-a", record.Actor)
	assert.Equal(t, "sess-b", record.Details["previous_holder"])
}

func TestFileAppender_HashChain(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "audit.jsonl")
	appender := audit.NewFileAppender(logPath)

	require.NoError(t, appender.Append(model.EventLockForceReleased, "a", "s1", nil))
	require.NoError(t, appender.Append(model.EventSessionReclaimed, "s2", "s1", map[string]any{"locks": 2}))

	records, err := appender.Records()
	require.NoError(t, err)
	require.Len(t, records, 2)

	assert.Equal(t, model.HashValue(""), records[0].PrevHash)
	assert.Equal(t, records[0].RecordHash, records[1].PrevHash)
	assert.NotEmpty(t, records[0].RecordHash)
	assert.NotEmpty(t, records[1].RecordHash)
}

func TestFileAppender_Clock(t *testing.T) {
	at := time.Date(2026, 4, 5, 6, 7, 8, 0, time.UTC)
	appender := audit.NewFileAppender(filepath.Join(t.TempDir(), "audit.jsonl")).WithClock(func() time.Time { return at })
	require.NoError(t, appender.Append(model.EventClaimOverridden, "repo#7", "s", nil))

	records, err := appender.Records()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.True(t, at.Equal(records[0].Timestamp))
}

func TestFileAppender_ConcurrentAppends(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "audit.jsonl")
	appender := audit.NewFileAppender(logPath)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			assert.NoError(t, appender.Append(model.EventLockForceReleased, "x", "s", map[string]any{"idx": idx}))
		}(i)
	}
	wg.Wait()

	n, err := appender.Verify()
	require.NoError(t, err)
	assert.Equal(t, 10, n)
}

func TestFileAppender_SeparateAppendersShareChain(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "audit.jsonl")
	a := audit.NewFileAppender(logPath)
	b := audit.NewFileAppender(logPath)

	require.NoError(t, a.Append(model.EventLockForceReleased, "x", "s1", nil))
	require.NoError(t, b.Append(model.EventLockForceReleased, "y", "s2", nil))

	n, err := a.Verify()
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestFileAppender_GetLastRecordHash(t *testing.T) {
	appender := audit.NewFileAppender(filepath.Join(t.TempDir(), "audit.jsonl"))

	hash, err := appender.GetLastRecordHash()
	require.NoError(t, err)
	assert.Equal(t, model.HashValue(""), hash)

	require.NoError(t, appender.Append(model.EventLockForceReleased, "x", "s", nil))

	hash, err = appender.GetLastRecordHash()
	require.NoError(t, err)
	assert.NotEmpty(t, hash)
}

func TestFileAppender_VerifyDetectsTampering(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "audit.jsonl")
	appender := audit.NewFileAppender(logPath)
	require.NoError(t, appender.Append(model.EventLockForceReleased, "build", "s1", nil))
	require.NoError(t, appender.Append(model.EventLockForceReleased, "deploy", "s1", nil))

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	tampered := strings.Replace(string(data), `"subject":"build"`, `"subject":"other"`, 1)
	require.NoError(t, os.WriteFile(logPath, []byte(tampered), 0644))

	n, err := appender.Verify()
	require.Error(t, err)
	assert.ErrorIs(t, err, errclass.ErrAuditChainBroken)
	assert.Equal(t, 0, n)
}

func TestFileAppender_RecordsMissingLog(t *testing.T) {
	appender := audit.NewFileAppender(filepath.Join(t.TempDir(), "none.jsonl"))
	records, err := appender.Records()
	require.NoError(t, err)
	assert.Empty(t, records)

	n, err := appender.Verify()
	require.NoError(t, err)
	assert.Zero(t, n)
}
