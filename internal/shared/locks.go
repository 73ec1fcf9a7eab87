package shared

import "fmt"

// CounterTokenKey builds the redis key holding a counter's current token.
func CounterTokenKey(counterID int64) string {
	return fmt.Sprintf("counter:%d:token", counterID)
}

// BarmanActivityKey builds the redis key holding a barman's last-activity
// clock at a counter.
func BarmanActivityKey(counterID, userID int64) string {
	return fmt.Sprintf("counter:%d:barman:%d:activity", counterID, userID)
}

// BasketKey builds the redis key holding a till session basket.
func BasketKey(counterID, customerID, barmanID int64) string {
	return fmt.Sprintf("counter:%d:basket:%d:%d", counterID, customerID, barmanID)
}

// RequestSeenKey builds the redis key marking an already-processed request id.
func RequestSeenKey(requestID string) string {
	return "request:seen:" + requestID
}
