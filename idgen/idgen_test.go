package idgen

import (
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSequential(t *testing.T) {
	g := NewSequential()
	assert.Equal(t, "1", g.Next())
	assert.Equal(t, "2", g.Next())
	assert.Equal(t, "3", g.Next())
}

func TestSequentialConcurrentUnique(t *testing.T) {
	g := NewSequential()
	var mu sync.Mutex
	seen := make(map[string]bool)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				id := g.Next()
				mu.Lock()
				seen[id] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Len(t, seen, 5000)
}

func TestUUID(t *testing.T) {
	g := UUID()
	a, b := g.Next(), g.Next()
	assert.NotEqual(t, a, b)
	_, err := uuid.Parse(a)
	assert.NoError(t, err)
}

func TestParse(t *testing.T) {
	g, err := Parse("")
	require.NoError(t, err)
	assert.IsType(t, &Sequential{}, g)

	g, err = Parse("UUID")
	require.NoError(t, err)
	assert.NotEmpty(t, g.Next())

	_, err = Parse("snowflake")
	assert.Error(t, err)
}

func TestFunc(t *testing.T) {
	g := Func(func() string { return "fixed" })
	assert.Equal(t, "fixed", g.Next())
}
