package model

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRunStats_AddError_Concurrent(t *testing.T) {
	t.Parallel()
	stats := &RunStats{}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			stats.AddError(fmt.Sprintf("source %d: fetch failed", n))
		}(i)
	}
	wg.Wait()

	assert.Len(t, stats.Errors, 50)
}

func TestSelection_TopicsRepresented(t *testing.T) {
	sel := &Selection{
		TopicPicks: []Pick{
			{ClusterID: 1, TopicKey: "taiwan_seguridad"},
			{ClusterID: 2, TopicKey: "taiwan_seguridad"},
			{ClusterID: 3, TopicKey: "ai_research"},
		},
	}
	assert.Equal(t, 2, sel.TopicsRepresented())
	assert.Equal(t, 3, sel.TotalPicks())
}
