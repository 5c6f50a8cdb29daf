package publisher

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type published struct {
	topic   string
	qos     byte
	payload string
}

type fakePublisher struct {
	messages []published
	err      error
}

func (p *fakePublisher) Publish(topic string, qos byte, retained bool, payload []byte) error {
	if p.err != nil {
		return p.err
	}
	p.messages = append(p.messages, published{topic, qos, string(payload)})
	return nil
}

func TestMQTTActionInvoker_TurnOff(t *testing.T) {
	pub := &fakePublisher{}
	invoker := NewMQTTActionInvoker(pub, "home/cmd/", 1, zap.NewNop())

	require.NoError(t, invoker.TurnOff(context.Background(), "light.porch"))

	require.Len(t, pub.messages, 1)
	assert.Equal(t, "home/cmd/light.porch/set", pub.messages[0].topic)
	assert.Equal(t, byte(1), pub.messages[0].qos)
	assert.Equal(t, "OFF", pub.messages[0].payload)
}

func TestMQTTActionInvoker_Errors(t *testing.T) {
	pub := &fakePublisher{err: errors.New("not connected")}
	invoker := NewMQTTActionInvoker(pub, "home/cmd", 0, zap.NewNop())

	err := invoker.TurnOff(context.Background(), "light.porch")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "light.porch")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, invoker.TurnOff(ctx, "light.porch"), context.Canceled)
}
