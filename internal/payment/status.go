package payment

import (
	"strings"

	"bloom_wallet/internal/bog"
)

// gatewayStatuses maps gateway order status keys to internal statuses.
// Keys mapped to PENDING are in-flight states that never move an order.
var gatewayStatuses = map[string]Status{
	bog.StatusCreated:           StatusPending,
	bog.StatusProcessing:        StatusPending,
	bog.StatusAuthRequested:     StatusPending,
	bog.StatusBlocked:           StatusPending,
	bog.StatusPartialCompleted:  StatusPending,
	bog.StatusRefundRequested:   StatusPending,
	bog.StatusCompleted:         StatusCompleted,
	bog.StatusRejected:          StatusFailed,
	bog.StatusRefunded:          StatusRefunded,
	bog.StatusRefundedPartially: StatusRefunded,
}

// MapGatewayStatus returns the internal status for a gateway key and false
// when the key is unknown.
func MapGatewayStatus(key string) (Status, bool) {
	s, ok := gatewayStatuses[strings.ToLower(strings.TrimSpace(key))]
	return s, ok
}
