package eventlog

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conductor/pkg/proto"
)

func TestAppendAndReadBack(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir)
	require.NoError(t, err)
	defer w.Close()

	ev1 := proto.NewEvent(proto.EventSessionStarted, "s1", "")
	ev1.SetPayload("tasks", 3)
	ev2 := proto.NewEvent(proto.EventTaskFinished, "s1", "readme")
	ev2.SetPayload("status", string(proto.TaskSucceeded))

	require.NoError(t, w.Append(ev1))
	require.NoError(t, w.Append(ev2))

	path := w.CurrentLogFile()
	require.NotEmpty(t, path)
	assert.Equal(t, filepath.Join(dir, "events-"+time.Now().Format("2006-01-02")+".jsonl"), path)

	events, err := ReadEvents(path)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, proto.EventSessionStarted, events[0].Type)
	assert.Equal(t, "s1", events[0].SessionID)
	assert.Equal(t, proto.EventTaskFinished, events[1].Type)
	assert.Equal(t, "readme", events[1].TaskName)
	assert.Equal(t, string(proto.TaskSucceeded), events[1].Payload["status"])
}

func TestWriterCreatesDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "logs")
	w, err := NewWriter(dir)
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, w.Append(proto.NewEvent(proto.EventBatchStarted, "s1", "")))

	files, err := ListLogFiles(dir)
	require.NoError(t, err)
	assert.Len(t, files, 1)
}

func TestCloseIsIdempotent(t *testing.T) {
	w, err := NewWriter(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, w.Close())
	require.NoError(t, w.Close())
	assert.Empty(t, w.CurrentLogFile())
}

func TestReadEventsSkipsBlankLines(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir)
	require.NoError(t, err)
	require.NoError(t, w.Append(proto.NewEvent(proto.EventRecoveryAttempt, "s2", "design")))
	path := w.CurrentLogFile()
	require.NoError(t, w.Close())

	events, err := ReadEvents(path)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, proto.EventRecoveryAttempt, events[0].Type)
}
