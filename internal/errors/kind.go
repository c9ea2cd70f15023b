package errors

import (
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Kind classifies a stream-lifecycle failure so handlers can react on the
// classification rather than on string matching, the same way the rest of
// this codebase uses status.Code(err) to branch on Firebase/Firestore errors.
type Kind string

const (
	KindChatNotFound           Kind = "chat_not_found"
	KindBusyChat               Kind = "busy_chat"
	KindUpstreamHTTPError      Kind = "upstream_http_error"
	KindUpstreamTransportError Kind = "upstream_transport_error"
	KindDecodeError            Kind = "decode_error"
	KindSubscriberWriteError   Kind = "subscriber_write_error"
	KindPersistError           Kind = "persist_error"
	KindCancellationRequested  Kind = "cancellation_requested"
)

var kindCodes = map[Kind]codes.Code{
	KindChatNotFound:           codes.NotFound,
	KindBusyChat:               codes.AlreadyExists,
	KindUpstreamHTTPError:      codes.Unavailable,
	KindUpstreamTransportError: codes.Unavailable,
	KindDecodeError:            codes.DataLoss,
	KindSubscriberWriteError:   codes.Unavailable,
	KindPersistError:           codes.Internal,
	KindCancellationRequested:  codes.Canceled,
}

// StreamError wraps a Kind with a human-readable detail string. The Registry
// and the Message Store return it; the Stream Runner reports its failures to
// subscribers as plain message strings through State.MarkError instead.
type StreamError struct {
	Kind   Kind
	Detail string
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *StreamError) GRPCStatus() *status.Status {
	return status.New(kindCodes[e.Kind], e.Detail)
}

func NewStreamError(kind Kind, detail string) *StreamError {
	return &StreamError{Kind: kind, Detail: detail}
}

// Is reports whether err carries the given Kind, unwrapping as needed.
func Is(err error, kind Kind) bool {
	var se *StreamError
	if errors.As(err, &se) {
		return se.Kind == kind
	}
	return false
}

// CodeOf mirrors the teacher's status.Code(err) idiom for StreamErrors.
func CodeOf(err error) codes.Code {
	var se *StreamError
	if errors.As(err, &se) {
		return kindCodes[se.Kind]
	}
	return codes.Unknown
}
