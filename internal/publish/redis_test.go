package publish

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YaganovValera/analytics-system/services/pricing-stream/pkg/backoff"
	"github.com/YaganovValera/analytics-system/services/pricing-stream/pkg/logger"
)

func TestRedisSink_PublishesToChannel(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	sink, err := DialRedis(ctx, RedisConfig{Addr: mr.Addr(), Channel: "prices"}, logger.NewNop())
	require.NoError(t, err)
	defer sink.Close()

	sub := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer sub.Close()
	ps := sub.Subscribe(ctx, "prices")
	defer ps.Close()
	_, err = ps.Receive(ctx) // subscription confirmation
	require.NoError(t, err)

	require.NoError(t, sink.Publish(ctx, mustMessage(t, priceLine)))

	select {
	case m := <-ps.Channel():
		assert.Equal(t, "prices", m.Channel)
		assert.Equal(t, priceLine, m.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("message not received")
	}
}

func TestDialRedis_Unreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	cfg := RedisConfig{
		Addr: addr,
		Backoff: backoff.Config{
			InitialInterval: 10 * time.Millisecond,
			MaxInterval:     20 * time.Millisecond,
			MaxElapsedTime:  100 * time.Millisecond,
		},
	}
	_, err := DialRedis(context.Background(), cfg, logger.NewNop())
	require.Error(t, err)
	var be *BindError
	require.True(t, errors.As(err, &be))
	assert.Equal(t, sinkRedis, be.Sink)
}
