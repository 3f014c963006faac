package sqlite

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"faucet-service/internal/models"
	"faucet-service/internal/repository"
)

const testAddress = "0xABCDEF0123456789ABCDEF0123456789ABCDEF01"

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestRepo(t *testing.T) (*LedgerRepository, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	repo, err := Open(filepath.Join(t.TempDir(), "ledger.db"), nil, WithClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	return repo, clock
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	for i := 0; i < 3; i++ {
		repo, err := Open(path, nil)
		require.NoError(t, err, "iteration %d", i)
		require.NoError(t, repo.Close())
	}
}

func TestHasRecentEntry_Window(t *testing.T) {
	ctx := context.Background()
	repo, clock := newTestRepo(t)

	recent, err := repo.HasRecentEntry(ctx, testAddress, 24)
	require.NoError(t, err)
	assert.False(t, recent)

	_, err = repo.RecordAttempt(ctx, testAddress, "0.001")
	require.NoError(t, err)

	recent, err = repo.HasRecentEntry(ctx, testAddress, 24)
	require.NoError(t, err)
	assert.True(t, recent)

	clock.Advance(24*time.Hour + time.Second)
	recent, err = repo.HasRecentEntry(ctx, testAddress, 24)
	require.NoError(t, err)
	assert.False(t, recent)
}

func TestHasRecentEntry_ExactAddressMatch(t *testing.T) {
	ctx := context.Background()
	repo, _ := newTestRepo(t)

	_, err := repo.RecordAttempt(ctx, testAddress, "0.001")
	require.NoError(t, err)

	recent, err := repo.HasRecentEntry(ctx, "0xabcdef0123456789abcdef0123456789abcdef01", 24)
	require.NoError(t, err)
	assert.False(t, recent, "addresses are compared exactly as stored")
}

func TestHasRecentEntry_RejectsNonPositiveWindow(t *testing.T) {
	repo, _ := newTestRepo(t)
	_, err := repo.HasRecentEntry(context.Background(), testAddress, 0)
	assert.ErrorIs(t, err, repository.ErrInvalidWindow)
}

func TestTimeUntilNextAllowed(t *testing.T) {
	ctx := context.Background()
	repo, clock := newTestRepo(t)

	next, err := repo.TimeUntilNextAllowed(ctx, testAddress, 24)
	require.NoError(t, err)
	assert.Nil(t, next)

	_, err = repo.RecordAttempt(ctx, testAddress, "0.001")
	require.NoError(t, err)
	start := clock.Now()

	next, err = repo.TimeUntilNextAllowed(ctx, testAddress, 24)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, int64(24*3600), next.SecondsRemaining)
	assert.True(t, next.LastRequestAt.Equal(start))
	assert.True(t, next.NextAllowedAt.Equal(start.Add(24*time.Hour)))

	prev := next.SecondsRemaining
	for i := 0; i < 3; i++ {
		clock.Advance(90 * time.Second)
		next, err = repo.TimeUntilNextAllowed(ctx, testAddress, 24)
		require.NoError(t, err)
		require.NotNil(t, next)
		assert.Less(t, next.SecondsRemaining, prev)
		assert.GreaterOrEqual(t, next.SecondsRemaining, int64(0))
		prev = next.SecondsRemaining
	}
}

func TestMarkCompleted_TargetsLatestPendingRecord(t *testing.T) {
	ctx := context.Background()
	repo, clock := newTestRepo(t)

	_, err := repo.RecordAttempt(ctx, testAddress, "0.001")
	require.NoError(t, err)
	n, err := repo.MarkFailed(ctx, testAddress, "Insufficient funds in faucet wallet")
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	clock.Advance(25 * time.Hour)
	secondID, err := repo.RecordAttempt(ctx, testAddress, "0.001")
	require.NoError(t, err)

	n, err = repo.MarkCompleted(ctx, testAddress, "0xabc")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	latest, err := repo.Latest(ctx, testAddress)
	require.NoError(t, err)
	assert.Equal(t, secondID, latest.ID)
	assert.Equal(t, models.StatusCompleted, latest.Status)
	require.NotNil(t, latest.TxHash)
	assert.Equal(t, "0xabc", *latest.TxHash)
	assert.Nil(t, latest.ErrorMessage)

	stats, err := repo.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.LedgerStats{Total: 2, Success: 1, Failed: 1}, *stats)
}

func TestMarkFailed_TerminalStateIsFinal(t *testing.T) {
	ctx := context.Background()
	repo, _ := newTestRepo(t)

	_, err := repo.RecordAttempt(ctx, testAddress, "0.001")
	require.NoError(t, err)
	n, err := repo.MarkCompleted(ctx, testAddress, "0xabc")
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	n, err = repo.MarkFailed(ctx, testAddress, "late failure")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	latest, err := repo.Latest(ctx, testAddress)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, latest.Status)
}

func TestMark_NoRecordAffectsZeroRows(t *testing.T) {
	repo, _ := newTestRepo(t)
	n, err := repo.MarkCompleted(context.Background(), testAddress, "0xabc")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	_, err = repo.Latest(context.Background(), testAddress)
	assert.ErrorIs(t, err, repository.ErrRecordNotFound)
}

func TestFailedAttemptStillCountsAgainstWindow(t *testing.T) {
	ctx := context.Background()
	repo, _ := newTestRepo(t)

	_, err := repo.RecordAttempt(ctx, testAddress, "0.001")
	require.NoError(t, err)
	_, err = repo.MarkFailed(ctx, testAddress, "boom")
	require.NoError(t, err)

	recent, err := repo.HasRecentEntry(ctx, testAddress, 24)
	require.NoError(t, err)
	assert.True(t, recent)
}

func TestConcurrentWritesForDifferentAddresses(t *testing.T) {
	ctx := context.Background()
	repo, _ := newTestRepo(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			addr := fmt.Sprintf("0x%040x", i)
			_, err := repo.RecordAttempt(ctx, addr, "0.001")
			assert.NoError(t, err)
			_, err = repo.MarkCompleted(ctx, addr, fmt.Sprintf("0x%064x", i))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	stats, err := repo.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(20), stats.Total)
	assert.Equal(t, int64(20), stats.Success)
}
