package publish

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YaganovValera/analytics-system/services/pricing-stream/pkg/logger"
)

func TestConfig_Validate(t *testing.T) {
	cases := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"no sinks", Config{}, true},
		{"unknown", Config{Sinks: []string{"zeromq"}}, true},
		{"duplicate", Config{Sinks: []string{"log", "LOG"}}, true},
		{"websocket without addr", Config{Sinks: []string{"websocket"}}, true},
		{"websocket", Config{Sinks: []string{"websocket"}, BindAddr: "127.0.0.1:0"}, false},
		{"log only", Config{Sinks: []string{" log "}}, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			err := c.cfg.Validate()
			assert.Equal(t, c.wantErr, err != nil, "err=%v", err)
		})
	}
}

func TestBuild_SingleSink(t *testing.T) {
	sink, runners, err := Build(context.Background(), Config{Sinks: []string{"log"}}, logger.NewNop())
	require.NoError(t, err)
	assert.IsType(t, &LogSink{}, sink)
	assert.Empty(t, runners)
	require.NoError(t, sink.Close())
}

func TestBuild_Fanout(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := Config{
		Sinks:    []string{"websocket", "redis", "log"},
		BindAddr: "127.0.0.1:0",
		Redis:    RedisConfig{Addr: mr.Addr()},
	}

	sink, runners, err := Build(context.Background(), cfg, logger.NewNop())
	require.NoError(t, err)
	f, ok := sink.(Fanout)
	require.True(t, ok)
	assert.Len(t, f, 3)
	require.Len(t, runners, 1)
	assert.IsType(t, &Hub{}, runners[0])

	require.NoError(t, sink.Publish(context.Background(), mustMessage(t, priceLine)))
	require.NoError(t, sink.Close())
}
