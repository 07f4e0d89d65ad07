package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecorderHooksIncrementCounters(t *testing.T) {
	m := NewUnregistered()
	m.KeyExpired()
	m.KeyExpired()
	m.MessageDelivered()

	assert.Equal(t, float64(2), testutil.ToFloat64(m.ExpiredKeysTotal))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.MessagesDeliveredTotal))
}
