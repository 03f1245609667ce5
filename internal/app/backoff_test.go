package app

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffDoublesToCap(t *testing.T) {
	var b backoff
	assert.Equal(t, 5*time.Second, b.Next())
	assert.Equal(t, 10*time.Second, b.Next())
	assert.Equal(t, 20*time.Second, b.Next())
	assert.Equal(t, 40*time.Second, b.Next())
	assert.Equal(t, 60*time.Second, b.Next())
	assert.Equal(t, 60*time.Second, b.Next(), "stays at the cap")
}

func TestBackoffResetsAfterSustainedHealth(t *testing.T) {
	var b backoff
	b.Next()
	b.Next()

	start := time.Now()
	b.Started(start)
	b.Observe(start.Add(time.Minute))
	assert.Equal(t, 20*time.Second, b.Next(), "a short healthy spell does not reset")

	b.Started(start)
	b.Observe(start.Add(6 * time.Minute))
	assert.Equal(t, 5*time.Second, b.Next(), "sustained health resets to the base delay")
}

func TestBackoffStoppedClearsHealthMark(t *testing.T) {
	var b backoff
	b.Next()
	start := time.Now()
	b.Started(start)
	b.Stopped()
	// With no health mark a later Observe must not reset.
	b.Observe(start.Add(10 * time.Minute))
	assert.Equal(t, 10*time.Second, b.Next())
}
