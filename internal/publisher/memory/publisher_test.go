package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fetchgate/fetchgate/internal/resilience"
)

func TestPublisherRecordsEvents(t *testing.T) {
	t.Parallel()
	pub := New()

	require.NoError(t, pub.Publish(context.Background(), resilience.IncidentEvent{
		Level:  resilience.IncidentWarning,
		Kind:   resilience.KindSourceBlocked,
		Source: "retailer-a",
	}))
	require.NoError(t, pub.Publish(context.Background(), resilience.IncidentEvent{
		Level: resilience.IncidentCritical,
		Kind:  resilience.KindBlockedSpike,
	}))

	events := pub.Events()
	require.Len(t, events, 2)
	require.Equal(t, resilience.KindSourceBlocked, events[0].Kind)
	require.Equal(t, resilience.IncidentCritical, events[1].Level)
}
