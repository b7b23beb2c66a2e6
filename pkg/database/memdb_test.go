package database

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AyhanMehrzad/Secure-Chanel/pkg/logger"
)

func TestMain(m *testing.M) {
	logger.Disable()
	os.Exit(m.Run())
}

func newTestStore(t *testing.T) *MemStore {
	t.Helper()

	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)

	store, err := NewMemStore(db, 50*time.Millisecond)
	require.NoError(t, err)

	t.Cleanup(func() {
		store.Close()
		db.Close()
	})
	return store
}

func TestAppendAssignsSequentialIDs(t *testing.T) {
	store := newTestStore(t)

	first, err := store.Append("sana", "text", "hi", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), first.ID)
	assert.Nil(t, first.Reply)

	replyTo := first.ID
	second, err := store.Append("ayhan", "", "there", &replyTo)
	require.NoError(t, err)
	assert.Equal(t, int64(2), second.ID)
	assert.Greater(t, second.CreatedAt, first.CreatedAt)

	// Snapshot captured the target's display fields at append time.
	require.NotNil(t, second.Reply)
	assert.Equal(t, "sana", second.Reply.Author)
	assert.Equal(t, "text", second.Reply.Kind)
	assert.Equal(t, "hi", second.Reply.Body)

	// Replying to an identifier that has not been assigned yet fails.
	future := int64(3)
	_, err = store.Append("sana", "text", "too soon", &future)
	assert.ErrorIs(t, err, ErrInvalidReply)
}

func TestAppendEmptyBody(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Append("sana", "text", "", nil)
	assert.ErrorIs(t, err, ErrEmptyBody)

	_, err = store.Append("sana", "text", "   \t\n", nil)
	assert.ErrorIs(t, err, ErrEmptyBody)

	// Empty kind defaults to text and gets the same check.
	_, err = store.Append("sana", "", " ", nil)
	assert.ErrorIs(t, err, ErrEmptyBody)

	// The whitespace rule applies to literal text only, not media URLs.
	_, err = store.Append("sana", "image", "/uploads/a.png", nil)
	assert.NoError(t, err)
}

func TestIDsNeverReusedAcrossClear(t *testing.T) {
	store := newTestStore(t)

	for i := 0; i < 3; i++ {
		_, err := store.Append("sana", "text", "msg", nil)
		require.NoError(t, err)
	}

	store.ClearAll()

	for _, limit := range []int{0, 1, 10, 1000} {
		page, hasMore := store.Tail(limit)
		assert.Empty(t, page)
		assert.False(t, hasMore)
	}

	msg, err := store.Append("ayhan", "text", "after clear", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(4), msg.ID)
}

func TestReplyToClearedTargetIsDangling(t *testing.T) {
	store := newTestStore(t)

	first, err := store.Append("sana", "text", "hi", nil)
	require.NoError(t, err)

	store.ClearAll()

	replyTo := first.ID
	_, err = store.Append("ayhan", "text", "late reply", &replyTo)
	assert.ErrorIs(t, err, ErrInvalidReply)
}

func TestPageBefore(t *testing.T) {
	store := newTestStore(t)

	var all []*Message
	for i := 0; i < 10; i++ {
		msg, err := store.Append("sana", "text", "msg", nil)
		require.NoError(t, err)
		all = append(all, msg)
	}

	// Page ending just before the newest message.
	page, hasMore := store.PageBefore(all[9].CreatedAt, 3)
	require.Len(t, page, 3)
	assert.True(t, hasMore)
	assert.Equal(t, all[6].ID, page[0].ID)
	assert.Equal(t, all[8].ID, page[2].ID)
	for _, m := range page {
		assert.Less(t, m.CreatedAt, all[9].CreatedAt)
	}

	// Limit larger than what remains drains the log and reports no more.
	page, hasMore = store.PageBefore(all[2].CreatedAt, 50)
	require.Len(t, page, 2)
	assert.False(t, hasMore)
	assert.Equal(t, all[0].ID, page[0].ID)

	// Cursor older than everything.
	page, hasMore = store.PageBefore(all[0].CreatedAt, 5)
	assert.Empty(t, page)
	assert.False(t, hasMore)

	// Zero limit returns an empty page but still signals older history.
	page, hasMore = store.PageBefore(all[5].CreatedAt, 0)
	assert.Empty(t, page)
	assert.True(t, hasMore)
}

func TestTail(t *testing.T) {
	store := newTestStore(t)

	page, hasMore := store.Tail(5)
	assert.Empty(t, page)
	assert.False(t, hasMore)

	var all []*Message
	for i := 0; i < 6; i++ {
		msg, err := store.Append("ayhan", "text", "msg", nil)
		require.NoError(t, err)
		all = append(all, msg)
	}

	page, hasMore = store.Tail(4)
	require.Len(t, page, 4)
	assert.True(t, hasMore)
	assert.Equal(t, all[2].ID, page[0].ID)
	assert.Equal(t, all[5].ID, page[3].ID)

	page, hasMore = store.Tail(100)
	assert.Len(t, page, 6)
	assert.False(t, hasMore)
}

func TestConcurrentAppendsKeepIDsUnique(t *testing.T) {
	store := newTestStore(t)

	const workers = 8
	const perWorker = 50

	var wg sync.WaitGroup
	ids := make(chan int64, workers*perWorker)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				msg, err := store.Append("sana", "text", "concurrent", nil)
				if err != nil {
					t.Error(err)
					return
				}
				ids <- msg.ID
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[int64]bool)
	for id := range ids {
		assert.False(t, seen[id], "id %d assigned twice", id)
		seen[id] = true
	}
	assert.Len(t, seen, workers*perWorker)

	// Log order is strictly increasing in both ID and timestamp.
	page, _ := store.Tail(workers * perWorker)
	for i := 1; i < len(page); i++ {
		assert.Greater(t, page[i].ID, page[i-1].ID)
		assert.Greater(t, page[i].CreatedAt, page[i-1].CreatedAt)
	}
}

func TestPersistenceAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chat.db")

	db, err := Open(path)
	require.NoError(t, err)
	store, err := NewMemStore(db, time.Hour)
	require.NoError(t, err)

	first, err := store.Append("sana", "text", "hi", nil)
	require.NoError(t, err)
	replyTo := first.ID
	_, err = store.Append("ayhan", "text", "there", &replyTo)
	require.NoError(t, err)

	// Close flushes the final snapshot.
	require.NoError(t, store.Close())
	require.NoError(t, db.Close())

	db, err = Open(path)
	require.NoError(t, err)
	store, err = NewMemStore(db, time.Hour)
	require.NoError(t, err)
	defer func() {
		store.Close()
		db.Close()
	}()

	page, hasMore := store.Tail(10)
	require.Len(t, page, 2)
	assert.False(t, hasMore)
	assert.Equal(t, "hi", page[0].Body)
	require.NotNil(t, page[1].Reply)
	assert.Equal(t, "hi", page[1].Reply.Body)

	// The counter continues from the persisted value.
	msg, err := store.Append("sana", "text", "welcome back", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(3), msg.ID)
}

func TestClearPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chat.db")

	db, err := Open(path)
	require.NoError(t, err)
	store, err := NewMemStore(db, time.Hour)
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		_, err := store.Append("sana", "text", "msg", nil)
		require.NoError(t, err)
	}
	store.ClearAll()

	require.NoError(t, store.Close())
	require.NoError(t, db.Close())

	db, err = Open(path)
	require.NoError(t, err)
	store, err = NewMemStore(db, time.Hour)
	require.NoError(t, err)
	defer func() {
		store.Close()
		db.Close()
	}()

	page, hasMore := store.Tail(10)
	assert.Empty(t, page)
	assert.False(t, hasMore)

	// Identifiers stay monotonic even across clear plus restart.
	msg, err := store.Append("ayhan", "text", "fresh start", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(5), msg.ID)
}

func TestStats(t *testing.T) {
	store := newTestStore(t)

	s := store.Stats()
	assert.Equal(t, 0, s.Messages)

	first, err := store.Append("sana", "text", "a", nil)
	require.NoError(t, err)
	second, err := store.Append("sana", "text", "b", nil)
	require.NoError(t, err)

	s = store.Stats()
	assert.Equal(t, 2, s.Messages)
	assert.Equal(t, first.CreatedAt, s.OldestTS)
	assert.Equal(t, second.CreatedAt, s.NewestTS)
}
