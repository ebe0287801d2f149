package publish

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YaganovValera/analytics-system/services/pricing-stream/pkg/logger"
)

type fakeNATS struct {
	subjects []string
	payloads [][]byte
	err      error
	flushed  bool
	closed   bool
}

func (f *fakeNATS) Publish(subj string, data []byte) error {
	if f.err != nil {
		return f.err
	}
	f.subjects = append(f.subjects, subj)
	f.payloads = append(f.payloads, data)
	return nil
}

func (f *fakeNATS) FlushTimeout(time.Duration) error {
	f.flushed = true
	return nil
}

func (f *fakeNATS) Close() { f.closed = true }

func TestNATSSink_Publish(t *testing.T) {
	fc := &fakeNATS{}
	s := newNATSSink(fc, "pricing.eur", logger.NewNop())

	require.NoError(t, s.Publish(context.Background(), mustMessage(t, priceLine)))
	assert.Equal(t, []string{"pricing.eur"}, fc.subjects)
	assert.Equal(t, priceLine, string(fc.payloads[0]))

	require.NoError(t, s.Close())
	assert.True(t, fc.flushed)
	assert.True(t, fc.closed)
}

func TestNATSSink_PublishError(t *testing.T) {
	fc := &fakeNATS{err: nats.ErrConnectionClosed}
	s := newNATSSink(fc, "pricing", logger.NewNop())

	err := s.Publish(context.Background(), mustMessage(t, priceLine))
	require.Error(t, err)
	var pe *PublishError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, sinkNATS, pe.Sink)
	assert.ErrorIs(t, err, nats.ErrConnectionClosed)
}

func TestNATSConfig_Defaults(t *testing.T) {
	var cfg NATSConfig
	cfg.applyDefaults()
	assert.Equal(t, nats.DefaultURL, cfg.URL)
	assert.Equal(t, "pricing.stream", cfg.Subject)
	assert.Equal(t, defaultConnectBudget, cfg.Backoff.MaxElapsedTime)
}
