package mqtt

import (
	"testing"
	"time"

	"github.com/DavidDeeds/vsn300-pvoutput/internal/inverter"
	"github.com/DavidDeeds/vsn300-pvoutput/internal/tracker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDisabledPublisherIsNoOp(t *testing.T) {
	p, err := NewPublisher(PublisherConfig{Enabled: false})
	require.NoError(t, err)

	r := &inverter.Reading{
		Timestamp: time.Now(),
		PowerW:    1000,
	}

	assert.NoError(t, p.Publish(r, tracker.DailyState{DailyEnergyWh: 50}))
	assert.NoError(t, p.PublishHomeAssistantDiscovery())
	assert.False(t, p.IsConnected())
	p.Close()
}

func TestNilPublisherPublishIsNoOp(t *testing.T) {
	var p *Publisher

	r := &inverter.Reading{Timestamp: time.Now(), PowerW: 1000}
	assert.NoError(t, p.Publish(r, tracker.DailyState{}))
}
