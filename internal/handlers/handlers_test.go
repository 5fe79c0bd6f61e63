package handlers

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultRegistryTypes(t *testing.T) {
	reg, err := Default(nil)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{
		"order.created",
		"order.created.crm",
		"order.created.analytics",
	}, reg.Names())
}

func TestHandlersTolerateSparsePayloads(t *testing.T) {
	reg, err := Default(nil)
	require.NoError(t, err)

	for _, eventType := range reg.Names() {
		h, err := reg.Lookup(eventType)
		require.NoError(t, err)
		assert.NoError(t, h(context.Background(), json.RawMessage(`{}`)), eventType)
		assert.NoError(t, h(context.Background(), json.RawMessage(`{"unrelated":true}`)), eventType)
	}
}

func TestSendEmailReadsCustomerID(t *testing.T) {
	h := SendEmail(nil)
	assert.NoError(t, h(context.Background(),
		json.RawMessage(`{"orderId":"1001","customerId":"C001"}`)))
}
