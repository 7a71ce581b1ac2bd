//go:build integration

package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-import/pkg/models"
	"github.com/ekaya-inc/ekaya-import/pkg/testhelpers"
)

func TestRedisPublisher_BrokerFanOut(t *testing.T) {
	testRedis := testhelpers.GetTestRedis(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	publisher := NewRedisPublisher(testRedis.Client, "import:progress:")
	sessionID := uuid.New()

	sub := testRedis.Client.Subscribe(ctx, publisher.Channel(sessionID))
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	broker := NewBroker(8, zap.NewNop(), publisher)
	sent := broker.Publish(ctx, models.ProgressEvent{
		SessionID:  sessionID,
		Type:       models.EventProgress,
		Step:       models.ImportStatusProcessing,
		Percentage: 50,
		Processed:  60,
		Total:      120,
	})

	msg, err := sub.ReceiveMessage(ctx)
	require.NoError(t, err)
	assert.Equal(t, "import:progress:"+sessionID.String(), msg.Channel)

	var got models.ProgressEvent
	require.NoError(t, json.Unmarshal([]byte(msg.Payload), &got))
	assert.Equal(t, sessionID, got.SessionID)
	assert.Equal(t, sent.Sequence, got.Sequence)
	assert.Equal(t, 50, got.Percentage)
	assert.Equal(t, 120, got.Total)
}
