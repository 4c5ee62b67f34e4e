package logger

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClock() func() time.Time {
	t0 := time.Date(2025, 1, 2, 13, 4, 5, 6_000_000, time.UTC)
	return func() time.Time { return t0 }
}

func TestEntry_String(t *testing.T) {
	e := Entry{Time: time.Date(2025, 1, 2, 13, 4, 5, 6_000_000, time.UTC), Service: "ragServer", Kind: KindStdout, Message: "listening"}
	assert.Equal(t, "[13:04:05.006] [RAGSERVER] [STDOUT] listening", e.String())
}

func TestJournal_AppendOrderAndRender(t *testing.T) {
	var out bytes.Buffer
	j := NewJournal(WithOutput(&out), WithClock(fixedClock()))

	j.Log("ollama", KindInfo, "starting\n")
	j.Logf("ollama", KindSuccess, "ready on %d", 11434)
	j.Log("syncWatcher", KindError, "boom")

	entries := j.Entries()
	require.Len(t, entries, 3)
	assert.Equal(t, uint64(1), entries[0].Seq)
	assert.Equal(t, "starting", entries[0].Message)
	assert.Equal(t, "ready on 11434", entries[1].Message)
	assert.Equal(t, KindError, entries[2].Kind)

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "[13:04:05.006] [OLLAMA] [SUCCESS] ready on 11434", lines[1])
}

func TestJournal_ForServiceAndClear(t *testing.T) {
	j := NewJournal()
	j.Log("a", KindInfo, "1")
	j.Log("b", KindInfo, "2")
	j.Log("a", KindInfo, "3")

	got := j.ForService("a")
	require.Len(t, got, 2)
	assert.Equal(t, "1", got[0].Message)
	assert.Equal(t, "3", got[1].Message)

	j.Clear("a")
	assert.Empty(t, j.ForService("a"))
	assert.Len(t, j.ForService("b"), 1)
	assert.Len(t, j.Entries(), 3, "clear must not drop the audit trail")

	j.Log("a", KindInfo, "4")
	got = j.ForService("a")
	require.Len(t, got, 1)
	assert.Equal(t, "4", got[0].Message)
}

func TestJournal_ConcurrentWritersKeepPerWriterOrder(t *testing.T) {
	j := NewJournal()
	var wg sync.WaitGroup
	const writers, lines = 8, 200
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			svc := fmt.Sprintf("svc%d", w)
			for i := 0; i < lines; i++ {
				j.Log(svc, KindStdout, fmt.Sprintf("%d", i))
			}
		}(w)
	}
	wg.Wait()

	require.Len(t, j.Entries(), writers*lines)
	for w := 0; w < writers; w++ {
		got := j.ForService(fmt.Sprintf("svc%d", w))
		require.Len(t, got, lines)
		for i, e := range got {
			assert.Equal(t, fmt.Sprintf("%d", i), e.Message)
		}
	}
}

func TestJournal_RetentionPerService(t *testing.T) {
	var out bytes.Buffer
	j := NewJournal(WithOutput(&out), WithRetention(3))
	j.Log("quiet", KindInfo, "kept")
	for i := 0; i < 5; i++ {
		j.Log("chatty", KindStdout, fmt.Sprintf("line %d", i))
	}

	got := j.ForService("chatty")
	require.Len(t, got, 3)
	assert.Equal(t, "line 2", got[0].Message)
	assert.Equal(t, uint64(6), got[2].Seq)
	require.Len(t, j.ForService("quiet"), 1)
	assert.Len(t, j.Entries(), 4)
	assert.Equal(t, "quiet", j.Entries()[0].Service)
	// The text output is not trimmed.
	assert.Equal(t, 6, strings.Count(out.String(), "\n"))

	j = NewJournal(WithRetention(0))
	for i := 0; i < DefaultRetention+10; i++ {
		j.Log("chatty", KindStdout, "x")
	}
	assert.Len(t, j.ForService("chatty"), DefaultRetention+10)

	j = NewJournal()
	for i := 0; i < DefaultRetention+10; i++ {
		j.Log("chatty", KindStdout, "x")
	}
	assert.Len(t, j.ForService("chatty"), DefaultRetention)
}

func TestJournal_Subscribe(t *testing.T) {
	j := NewJournal()
	ch, cancel := j.Subscribe(4)
	j.Log("x", KindInfo, "hello")

	select {
	case e := <-ch:
		assert.Equal(t, "hello", e.Message)
	case <-time.After(time.Second):
		t.Fatal("no entry delivered")
	}

	cancel()
	cancel()
	_, ok := <-ch
	assert.False(t, ok, "channel must be closed after cancel")
	j.Log("x", KindInfo, "after cancel")
}

func TestJournal_SlowSubscriberDoesNotBlock(t *testing.T) {
	j := NewJournal()
	_, cancel := j.Subscribe(1)
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			j.Log("x", KindInfo, "spam")
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("journal blocked on a full subscriber")
	}
}

func TestJournal_Files(t *testing.T) {
	dir := t.TempDir()
	j := NewJournal(WithFiles(FileConfig{Dir: dir}), WithClock(fixedClock()))
	j.Log("ragServer", KindStderr, "warn line")
	require.NoError(t, j.Close())

	b, err := os.ReadFile(filepath.Join(dir, "ragServer.log"))
	require.NoError(t, err)
	assert.Equal(t, "[13:04:05.006] [RAGSERVER] [STDERR] warn line\n", string(b))
}
