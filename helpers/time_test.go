package helpers

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestUTCDateTime(t *testing.T) {
	t.Parallel()
	msk := time.FixedZone("MSK", 3*3600)
	cases := []struct {
		input  time.Time
		expect string
	}{
		{time.Date(2021, 7, 8, 0, 34, 59, 26490, time.UTC), "2021-07-08T00:34:59Z"},
		{time.Date(2021, 1, 1, 2, 5, 6, 0, msk), "2020-12-31T23:05:06Z"},
		{time.Date(999, 12, 31, 23, 59, 59, 999999999, time.UTC), "0999-12-31T23:59:59Z"},
	}
	for _, c := range cases {
		assert.Equal(t, c.expect, UTCDateTime(c.input))
	}
}

func TestIntDefault(t *testing.T) {
	t.Parallel()
	assert.Equal(t, 7*time.Second, IntSecondDefault(0, 7*time.Second))
	assert.Equal(t, 3*time.Second, IntSecondDefault(3, 7*time.Second))
	assert.Equal(t, 100*time.Millisecond, IntMillisecondDefault(0, 100*time.Millisecond))
	assert.Equal(t, 25*time.Millisecond, IntMillisecondDefault(25, 100*time.Millisecond))
}
