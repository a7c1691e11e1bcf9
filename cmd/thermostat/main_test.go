package main

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/temoto/devhub/log2"
)

func TestSensor(t *testing.T) {
	t.Parallel()

	s := newSensor(20)
	for i := 0; i < 1000; i++ {
		v, _ := s.read()
		assert.InDelta(t, 20, v, 6)
	}
	assert.Equal(t, float64(25), newSensor(0).base)
}

func TestThermostatCallbacks(t *testing.T) {
	t.Parallel()

	th := &thermostat{log: log2.NewTest(t, log2.LDebug), uploadEnabled: true}
	th.TelemetryUploadEnabledChanged(false, true)
	assert.False(t, th.uploadEnabled)
	th.DisplayAlert("hot")
	th.ConnectionChanged(true)
}

func TestProductInfo(t *testing.T) {
	t.Parallel()

	assert.True(t, strings.HasPrefix(productInfo(), "devhub-thermostat"))
}
