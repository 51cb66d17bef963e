package stt

import (
	"context"
	"errors"
	"net/http"

	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// A recognizer and its breaker are shared by every session, so only
// errors that say the backend itself is unhealthy may trip the breaker.
// Rejections of one session's audio are that session's problem.

// grpcBackendFault reports whether a Recognize error reflects backend health
func grpcBackendFault(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted,
		codes.Internal, codes.Unknown, codes.Aborted:
		return true
	}
	return false
}

// deepgramBackendFault reports whether a transcription error reflects
// the hosted service's health. Transport failures, timeouts, throttling
// and 5xx responses count. Other 4xx responses do not.
func deepgramBackendFault(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var statusErr *interfaces.StatusError
	if errors.As(err, &statusErr) && statusErr.Resp != nil {
		code := statusErr.Resp.StatusCode
		return code >= http.StatusInternalServerError || code == http.StatusTooManyRequests
	}
	return true
}
