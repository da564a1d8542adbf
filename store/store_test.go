package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dnschat/dnschat/chat"
	"github.com/dnschat/dnschat/transport"
)

func testStore(t *testing.T) *Store {
	t.Helper()

	s, err := Open(t.TempDir(), Options{Retention: 100})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	return s
}

func sampleChats() []chat.Chat {
	c := chat.NewChat()
	c.Append(chat.Message{ID: "m1", Role: chat.RoleUser, Text: "hello", Status: chat.StatusComplete, CreatedAt: time.Now()})
	c.Append(chat.Message{ID: "m2", Role: chat.RoleAssistant, Text: "Hello!", Status: chat.StatusComplete, CreatedAt: time.Now()})
	return []chat.Chat{*c}
}

func Test_ChatsRoundTrip(t *testing.T) {
	s := testStore(t)

	saved := sampleChats()
	require.NoError(t, s.SaveChats(saved))

	loaded, err := s.LoadChats(nil)
	require.NoError(t, err)

	// byte-identical content after the encrypt/decrypt round trip
	want, _ := json.Marshal(saved)
	got, _ := json.Marshal(loaded)
	assert.Equal(t, want, got)
}

func Test_LoadChatsEmpty(t *testing.T) {
	s := testStore(t)

	chats, err := s.LoadChats(nil)
	require.NoError(t, err)
	assert.Empty(t, chats)
}

func Test_LoadChatsCorruptionRecovers(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(dir, Options{})
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.SaveChats(sampleChats()))

	// flip bytes in the middle of the ciphertext
	path := filepath.Join(dir, chatsFileName)
	payload, err := os.ReadFile(path)
	require.NoError(t, err)
	payload[len(payload)/2] ^= 0xff
	require.NoError(t, os.WriteFile(path, payload, 0o600))

	chats, err := s.LoadChats(nil)
	require.NoError(t, err)
	assert.Empty(t, chats)

	// primary slot cleared, raw payload backed up
	assert.NoFileExists(t, path)

	matches, err := filepath.Glob(path + ".corrupt-*")
	require.NoError(t, err)
	assert.Len(t, matches, 1)
}

func Test_LoadChatsCorruptionStrict(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(dir, Options{})
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.SaveChats(sampleChats()))

	path := filepath.Join(dir, chatsFileName)
	require.NoError(t, os.WriteFile(path, []byte("not encrypted at all"), 0o600))

	_, err = s.LoadChats(&LoadOptions{RecoverOnCorruption: false})

	var cerr *CorruptionError
	assert.ErrorAs(t, err, &cerr)

	// slot untouched in strict mode
	assert.FileExists(t, path)
}

func Test_KeyRegenerationInvalidatesData(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(dir, Options{})
	require.NoError(t, err)
	require.NoError(t, s.SaveChats(sampleChats()))
	require.NoError(t, s.Close())

	// truncate the key file, the next open must regenerate
	require.NoError(t, os.WriteFile(filepath.Join(dir, keyFileName), []byte("c2hvcnQ="), 0o600))

	s2, err := Open(dir, Options{})
	require.NoError(t, err)
	defer s2.Close()

	chats, err := s2.LoadChats(nil)
	require.NoError(t, err)
	assert.Empty(t, chats, "old payloads must be unreadable after regeneration")
}

func Test_KeyPassphraseRoundTrip(t *testing.T) {
	dir := t.TempDir()
	pass := []byte("correct horse battery staple")

	s, err := Open(dir, Options{Passphrase: pass})
	require.NoError(t, err)
	require.NoError(t, s.SaveChats(sampleChats()))
	require.NoError(t, s.Close())

	s2, err := Open(dir, Options{Passphrase: pass})
	require.NoError(t, err)
	defer s2.Close()

	chats, err := s2.LoadChats(nil)
	require.NoError(t, err)
	assert.Len(t, chats, 1)
}

func Test_KeyWrongPassphraseRegenerates(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(dir, Options{Passphrase: []byte("first")})
	require.NoError(t, err)
	require.NoError(t, s.SaveChats(sampleChats()))
	require.NoError(t, s.Close())

	s2, err := Open(dir, Options{Passphrase: []byte("second")})
	require.NoError(t, err)
	defer s2.Close()

	chats, err := s2.LoadChats(nil)
	require.NoError(t, err)
	assert.Empty(t, chats)
}

func logEntry(i int) transport.LogEntry {
	return transport.LogEntry{
		Time:   time.Now(),
		Name:   fmt.Sprintf("q%d.example.com", i),
		Server: "127.0.0.1:53",
		Proto:  "udp",
	}
}

func Test_LogRetentionCap(t *testing.T) {
	s, err := Open(t.TempDir(), Options{Retention: 100})
	require.NoError(t, err)
	defer s.Close()

	for i := 0; i < 101; i++ {
		s.AppendLog(logEntry(i))
	}

	logs, err := s.Logs()
	require.NoError(t, err)

	require.Len(t, logs, 100)
	assert.Equal(t, "q1.example.com", logs[0].Name, "oldest entry evicted first")
	assert.Equal(t, "q100.example.com", logs[99].Name, "newest entry present")
}

func Test_LogsPersistAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(dir, Options{Retention: 10})
	require.NoError(t, err)
	s.AppendLog(logEntry(0))
	s.AppendLog(logEntry(1))
	require.NoError(t, s.Close())

	s2, err := Open(dir, Options{Retention: 10})
	require.NoError(t, err)
	defer s2.Close()

	logs, err := s2.Logs()
	require.NoError(t, err)
	assert.Len(t, logs, 2)
}

func Test_LogObserver(t *testing.T) {
	s := testStore(t)

	var seen int32
	s.OnLogAppended(func(e transport.LogEntry) {
		atomic.AddInt32(&seen, 1)
	})

	s.AppendLog(logEntry(0))
	s.AppendLog(logEntry(1))

	assert.Equal(t, int32(2), atomic.LoadInt32(&seen))
}

func Test_AppendLogAfterClose(t *testing.T) {
	s, err := Open(t.TempDir(), Options{Retention: 10})
	require.NoError(t, err)
	s.AppendLog(logEntry(0))
	require.NoError(t, s.Close())

	// a late entry from an in-flight query racing shutdown must be
	// dropped, not crash the process
	assert.NotPanics(t, func() { s.AppendLog(logEntry(1)) })

	assert.ErrorIs(t, s.queue.do(func() error { return nil }), ErrStoreClosed)
}

func Test_LogsSurviveTransientReadFailure(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(dir, Options{Retention: 10})
	require.NoError(t, err)
	s.AppendLog(logEntry(0))
	require.NoError(t, s.Close())

	// make the log slot temporarily unreadable
	path := filepath.Join(dir, logsFileName)
	require.NoError(t, os.Rename(path, path+".bak"))
	require.NoError(t, os.Mkdir(path, 0o700))

	s2, err := Open(dir, Options{Retention: 10})
	require.NoError(t, err)
	defer s2.Close()

	_, err = s2.Logs()
	require.Error(t, err)

	// the failed load must not let this append flush over the history
	s2.AppendLog(logEntry(1))

	require.NoError(t, os.Remove(path))
	require.NoError(t, os.Rename(path+".bak", path))

	logs, err := s2.Logs()
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "q0.example.com", logs[0].Name)
}

func Test_QueueSurvivesPanickingOperation(t *testing.T) {
	s := testStore(t)

	err := s.queue.do(func() error {
		panic("boom")
	})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "panicked")

	// the next operation must still execute
	require.NoError(t, s.SaveChats(sampleChats()))

	chats, err := s.LoadChats(nil)
	require.NoError(t, err)
	assert.Len(t, chats, 1)
}

func Test_ExportLogsJSON(t *testing.T) {
	s := testStore(t)
	s.AppendLog(logEntry(0))

	var buf bytes.Buffer
	require.NoError(t, s.ExportLogs(&buf, FormatJSON))

	var logs []transport.LogEntry
	require.NoError(t, json.Unmarshal(buf.Bytes(), &logs))
	assert.Len(t, logs, 1)
	assert.Equal(t, "q0.example.com", logs[0].Name)
}

func Test_ExportLogsCSV(t *testing.T) {
	s := testStore(t)
	s.AppendLog(logEntry(0))

	var buf bytes.Buffer
	require.NoError(t, s.ExportLogs(&buf, FormatCSV))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "transaction_id")
	assert.Contains(t, lines[1], "q0.example.com")
}

func Test_ExportLogsUnknownFormat(t *testing.T) {
	s := testStore(t)

	var buf bytes.Buffer
	assert.Error(t, s.ExportLogs(&buf, "xml"))
}
