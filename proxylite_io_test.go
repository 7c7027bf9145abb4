package proxylite

import (
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type invoiceParams struct {
	Customer string
	Amount   uint64
}

// go test -v -timeout 30s -run ^TestPayloadRoundTrip$ .
func TestPayloadRoundTrip(t *testing.T) {
	payload, err := encodeValues([]interface{}{
		"billing",
		uint64(42),
		invoiceParams{Customer: "acme", Amount: 1299},
	})
	require.NoError(t, err)

	var (
		queue  string
		count  uint64
		params invoiceParams
	)
	require.NoError(t, decodeInto(payload, &queue, &count, &params))
	assert.Equal(t, "billing", queue)
	assert.Equal(t, uint64(42), count)
	assert.Equal(t, invoiceParams{Customer: "acme", Amount: 1299}, params)

	// Fewer outputs than values is fine; the rest is ignored.
	var onlyQueue string
	require.NoError(t, decodeInto(payload, &onlyQueue))
	assert.Equal(t, "billing", onlyQueue)
}

// go test -v -timeout 30s -run ^TestCallHandlerArgumentMismatch$ .
func TestCallHandlerArgumentMismatch(t *testing.T) {
	registry, err := NewRegistry().
		Activity("sum", func(actx ActivityContext, a, b uint64) (uint64, error) {
			return a + b, nil
		}).
		Build()
	require.NoError(t, err)
	info, ok := registry.activity("sum")
	require.True(t, ok)

	actx := reflect.ValueOf(ActivityContext{})

	payload, err := encodeValues([]interface{}{uint64(2), uint64(3)})
	require.NoError(t, err)
	result, err := callHandler(info, actx, payload)
	require.NoError(t, err)

	var sum uint64
	require.NoError(t, decodeInto(result, &sum))
	assert.Equal(t, uint64(5), sum)

	short, err := encodeValues([]interface{}{uint64(2)})
	require.NoError(t, err)
	_, err = callHandler(info, actx, short)
	require.ErrorContains(t, err, "handler expects 2")
}
