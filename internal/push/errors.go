package push

import "errors"

type Code string

const (
	CodeRenderUnavailable  Code = "render_unavailable"
	CodeRenderTimeout      Code = "render_timeout"
	CodeTemplateNotFound   Code = "template_not_found"
	CodeGatewayUnavailable Code = "gateway_unavailable"
	CodeGatewayRejected    Code = "gateway_rejected"
	CodeInvalidToken       Code = "invalid_token"
	CodeMissingToken       Code = "missing_token"
	CodeStoreUnavailable   Code = "store_unavailable"
	CodeQueueUnavailable   Code = "queue_unavailable"
)

// Error is a classified failure. Retriable errors are retried by the backoff
// policy; everything else ends the request on the first occurrence.
type Error struct {
	Code      Code
	Retriable bool
	Err       error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Code)
	}
	return string(e.Code) + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on code so callers can compare against the sentinel values below.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

var (
	ErrRenderUnavailable  = &Error{Code: CodeRenderUnavailable, Retriable: true}
	ErrRenderTimeout      = &Error{Code: CodeRenderTimeout, Retriable: true}
	ErrTemplateNotFound   = &Error{Code: CodeTemplateNotFound}
	ErrGatewayUnavailable = &Error{Code: CodeGatewayUnavailable, Retriable: true}
	ErrGatewayRejected    = &Error{Code: CodeGatewayRejected, Retriable: true}
	ErrInvalidToken       = &Error{Code: CodeInvalidToken}
	ErrMissingToken       = &Error{Code: CodeMissingToken}
	ErrStoreUnavailable   = &Error{Code: CodeStoreUnavailable, Retriable: true}
	ErrQueueUnavailable   = &Error{Code: CodeQueueUnavailable, Retriable: true}
)

func RenderUnavailable(err error) error  { return wrap(ErrRenderUnavailable, err) }
func RenderTimeout(err error) error      { return wrap(ErrRenderTimeout, err) }
func TemplateNotFound(err error) error   { return wrap(ErrTemplateNotFound, err) }
func GatewayUnavailable(err error) error { return wrap(ErrGatewayUnavailable, err) }
func InvalidToken(err error) error       { return wrap(ErrInvalidToken, err) }
func StoreUnavailable(err error) error   { return wrap(ErrStoreUnavailable, err) }
func QueueUnavailable(err error) error   { return wrap(ErrQueueUnavailable, err) }

// GatewayRejected is returned when the gateway answered but flagged the send as failed.
func GatewayRejected(diagnostic string) error {
	if diagnostic == "" {
		diagnostic = "receipt reported failure"
	}
	return wrap(ErrGatewayRejected, errors.New(diagnostic))
}

func wrap(kind *Error, err error) error {
	return &Error{Code: kind.Code, Retriable: kind.Retriable, Err: err}
}

// IsRetriable reports whether err carries a retriable classification.
func IsRetriable(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Retriable
}

// IsClassified reports whether err is a known domain failure as opposed to an
// unexpected one.
func IsClassified(err error) bool {
	var e *Error
	return errors.As(err, &e)
}
