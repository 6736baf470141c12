package locking

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMutualExclusion(t *testing.T, g Group) {
	t.Helper()

	var (
		wg      sync.WaitGroup
		active  atomic.Int32
		overlap atomic.Bool
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := g.DoWithLock("key", func() (interface{}, error) {
				if active.Add(1) > 1 {
					overlap.Store(true)
				}
				time.Sleep(time.Millisecond)
				active.Add(-1)
				return nil, nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	require.False(t, overlap.Load(), "two callers held the same lock")
}

func TestMemLock(t *testing.T) {
	g := NewMemLock()
	testMutualExclusion(t, g)
	require.Equal(t, 0, g.size())
}

func TestFlockGroup(t *testing.T) {
	g, err := NewFlockGroup(t.TempDir(), time.Second)
	require.NoError(t, err)
	testMutualExclusion(t, g)
}

func TestGroupsReturnResult(t *testing.T) {
	flockGroup, err := NewFlockGroup(t.TempDir(), 0)
	require.NoError(t, err)

	groups := map[string]Group{
		"memory":       NewMemLock(),
		"fslock":       flockGroup,
		"singleflight": NewSingleflightGroup(),
		"noop":         NewNoOpGroup(),
	}

	boom := errors.New("boom")
	for name, g := range groups {
		t.Run(name, func(t *testing.T) {
			v, err := g.DoWithLock("k", func() (interface{}, error) { return 42, nil })
			require.NoError(t, err)
			require.Equal(t, 42, v)

			_, err = g.DoWithLock("k", func() (interface{}, error) { return nil, boom })
			require.ErrorIs(t, err, boom)
		})
	}
}
