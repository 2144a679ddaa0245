package gateway

import "errors"

// Only ErrUnauthorized changes the HTTP status of a webhook delivery. Every
// other failure is logged and answered with 200 so Telegram stops retrying.
var (
	ErrUnauthorized     = errors.New("unauthorized")
	ErrMalformedPayload = errors.New("malformed payload")
)
