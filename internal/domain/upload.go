package domain

import (
	"net/http"
	"time"
)

// PresignedUpload is a signed PUT request a client can send directly to
// object storage.
type PresignedUpload struct {
	URL       string      `json:"uploadUrl"`
	Method    string      `json:"method"`
	Headers   http.Header `json:"headers,omitempty"`
	Bucket    string      `json:"bucket"`
	Key       string      `json:"key"`
	ExpiresAt time.Time   `json:"expiresAt"`
}
