package state

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func increment(s *Store[int], key string) {
	s.Update(key, func(cur int, _ bool) (int, bool) {
		return cur + 1, true
	})
}

func TestUpdateCreatesAndMutates(t *testing.T) {
	s := New[int](Options{})

	s.Update("S1", func(cur int, found bool) (int, bool) {
		require.False(t, found)
		require.Zero(t, cur)
		return 10, true
	})
	s.Update("S1", func(cur int, found bool) (int, bool) {
		require.True(t, found)
		require.Equal(t, 10, cur)
		return cur + 5, true
	})

	got, ok := s.Get("S1")
	require.True(t, ok)
	require.Equal(t, 15, got)
	require.Equal(t, 1, s.Len())
}

func TestUpdateWithoutStoreLeavesEntryUntouched(t *testing.T) {
	s := New[int](Options{})
	s.Update("S1", func(int, bool) (int, bool) { return 3, false })

	_, ok := s.Get("S1")
	require.False(t, ok)
	require.Zero(t, s.Len())
}

func TestUnboundedByDefault(t *testing.T) {
	s := New[int](Options{Shards: 4})
	for i := 0; i < 1000; i++ {
		increment(s, fmt.Sprintf("sensor-%d", i))
	}
	require.Equal(t, 1000, s.Len())
	require.Zero(t, s.Evicted())
}

func TestMaxEntriesEvictsLeastRecent(t *testing.T) {
	s := New[int](Options{Shards: 1, MaxEntries: 2})

	increment(s, "a")
	increment(s, "b")
	increment(s, "a")
	increment(s, "c")

	_, ok := s.Get("b")
	require.False(t, ok, "b was least recently updated")
	_, ok = s.Get("a")
	require.True(t, ok)
	_, ok = s.Get("c")
	require.True(t, ok)
	require.Equal(t, uint64(1), s.Evicted())
}

func TestMaxEntriesNeverExceeded(t *testing.T) {
	s := New[int](Options{Shards: 16, MaxEntries: 20})
	for i := 0; i < 500; i++ {
		increment(s, fmt.Sprintf("sensor-%d", i))
	}
	require.Equal(t, 20, s.Len())
}

func TestMaxEntriesIsGlobalAcrossShards(t *testing.T) {
	s := New[int](Options{Shards: 16, MaxEntries: 20})
	for i := 0; i < 5; i++ {
		increment(s, fmt.Sprintf("sensor-%d", i))
	}
	require.Equal(t, 5, s.Len())
	require.Zero(t, s.Evicted())

	full := New[int](Options{Shards: 16, MaxEntries: 100})
	for i := 0; i < 100; i++ {
		increment(full, fmt.Sprintf("sensor-%d", i))
	}
	require.Equal(t, 100, full.Len())
	require.Zero(t, full.Evicted())

	increment(full, "sensor-100")
	require.Equal(t, 100, full.Len())
	require.Equal(t, uint64(1), full.Evicted())
	_, ok := full.Get("sensor-0")
	require.False(t, ok, "oldest key across all shards goes first")
	_, ok = full.Get("sensor-100")
	require.True(t, ok)
}

func TestSweepFreesCapacity(t *testing.T) {
	now := time.Unix(0, 0)
	s := New[int](Options{Shards: 4, MaxEntries: 2, IdleTTL: time.Minute, Now: func() time.Time { return now }})

	increment(s, "a")
	now = now.Add(2 * time.Minute)
	increment(s, "b")
	require.Equal(t, 1, s.Sweep())

	increment(s, "c")
	require.Equal(t, 2, s.Len())
	require.Equal(t, uint64(1), s.Evicted(), "only the swept key counts")
	_, ok := s.Get("b")
	require.True(t, ok)
}

func TestIdleTTLExpiry(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	s := New[int](Options{IdleTTL: time.Minute, Now: func() time.Time { return now }})

	increment(s, "old")
	now = now.Add(45 * time.Second)
	increment(s, "fresh")
	now = now.Add(30 * time.Second)

	_, ok := s.Get("old")
	require.False(t, ok)

	s.Update("old", func(cur int, found bool) (int, bool) {
		require.False(t, found, "expired entry must look absent")
		return 1, true
	})

	now = now.Add(2 * time.Minute)
	require.Equal(t, 2, s.Sweep())
	require.Zero(t, s.Len())
}

func TestConcurrentUpdatesAreSerialisedPerKey(t *testing.T) {
	s := New[int](Options{Shards: 4})

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				increment(s, "shared")
				increment(s, fmt.Sprintf("k%d", i%10))
			}
		}()
	}
	wg.Wait()

	got, _ := s.Get("shared")
	require.Equal(t, 4000, got)
	total := 0
	for i := 0; i < 10; i++ {
		v, _ := s.Get(fmt.Sprintf("k%d", i))
		total += v
	}
	require.Equal(t, 4000, total)
}
