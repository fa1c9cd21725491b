package clock

import (
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFakeClockAdvance(t *testing.T) {
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	fake := NewFake(start)

	assert.Equal(t, start, fake.Now())

	fake.Advance(90 * time.Second)
	assert.Equal(t, start.Add(90*time.Second), fake.Now())
	assert.Equal(t, 90*time.Second, fake.Since(start))
}

func TestIDMinterSortable(t *testing.T) {
	fake := NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	minter := NewIDMinter(fake)

	var ids []string
	for i := 0; i < 10; i++ {
		ids = append(ids, minter.New(PrefixOrder))
		fake.Advance(time.Millisecond)
	}

	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	assert.Equal(t, ids, sorted, "ids minted later must sort after earlier ones")
}

func TestIDMinterUnique(t *testing.T) {
	minter := NewIDMinter(System{})

	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := minter.New(PrefixEvent)
		require.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}

func TestIDMinterPrefix(t *testing.T) {
	minter := NewIDMinter(System{})
	id := minter.New(PrefixFill)
	assert.Regexp(t, `^fil_[0-9a-f]{16}_[0-9a-f]{8}$`, id)
}
