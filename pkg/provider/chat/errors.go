package chat

import "errors"

// ErrRateLimited indicates the backend rejected the request because of rate
// limiting (HTTP 429 or an equivalent in-body error code). The request is safe
// to retry after a delay.
var ErrRateLimited = errors.New("chat: rate limited")

// ErrAuth indicates the credential is missing, malformed, or was rejected.
// This is a configuration problem; retrying with the same credential cannot
// succeed.
var ErrAuth = errors.New("chat: authentication failed")

// ErrEmptyCompletion indicates the backend returned a well-formed envelope
// with no usable message content.
var ErrEmptyCompletion = errors.New("chat: empty completion")
