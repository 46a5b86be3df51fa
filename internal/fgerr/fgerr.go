// Package fgerr defines the typed error kinds the core uses to decide retry, refresh, or
// fatal-abort behavior, per the error handling design.
package fgerr

import "fmt"

// Kind classifies an error by the propagation policy it carries.
type Kind int

const (
	TransientNetwork Kind = iota // retry within worker; counted toward the error window
	StaleURL                     // trigger item URL refresh up to refresh_url_retries, then FatalNetwork
	FatalNetwork                 // cumulative error ceiling reached; item -> error
	SslVerify                    // item -> error; surfaced; no retry
	Filesystem                   // fatal for the affected item
	ManifestInvalid               // item -> error at pre-process; no segments created
	UnsupportedProtocol           // e.g. SAMPLE-AES; item -> error at pre-process
	TranscoderFailure             // item -> error after stream-copy + re-encode both fail
	UserCancel                    // item -> cancelled, progress persisted, no error surfaced
	LowSpeedAbort                 // Fetcher-level: observed speed fell below floor for the window
	HTTPStatus                    // Fetcher-level: non-2xx/3xx status, code carried in Error.Code
)

func (k Kind) String() string {
	switch k {
	case TransientNetwork:
		return "transient_network"
	case StaleURL:
		return "stale_url"
	case FatalNetwork:
		return "fatal_network"
	case SslVerify:
		return "ssl_verify"
	case Filesystem:
		return "filesystem"
	case ManifestInvalid:
		return "manifest_invalid"
	case UnsupportedProtocol:
		return "unsupported_protocol"
	case TranscoderFailure:
		return "transcoder_failure"
	case UserCancel:
		return "user_cancel"
	case LowSpeedAbort:
		return "low_speed_abort"
	case HTTPStatus:
		return "http_status"
	default:
		return "unknown"
	}
}

// Error wraps an underlying cause with a Kind so callers can branch with errors.As rather
// than string matching, and an optional HTTP status Code for HTTPStatus-kind errors.
type Error struct {
	Kind Kind
	Code int
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s: %s (http %d): %v", e.Op, e.Kind, e.Code, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error for the given kind and wraps cause.
func New(op string, kind Kind, cause error) *Error {
	return &Error{Op: op, Kind: kind, Err: cause}
}

// HTTP builds an HTTPStatus-kind *Error carrying the response status code.
func HTTP(op string, code int, cause error) *Error {
	return &Error{Op: op, Kind: HTTPStatus, Code: code, Err: cause}
}

// Is walks err's Unwrap chain to the first *Error and reports whether its Kind is kind.
// Kind does not implement error, so this is a plain function rather than an errors.Is
// target.
func Is(err error, kind Kind) bool {
	var fe *Error
	for err != nil {
		if fe2, ok := err.(*Error); ok {
			fe = fe2
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return fe != nil && fe.Kind == kind
}

// StaleHTTPStatus reports whether code looks like a stale/expired-URL indication (403 or
// 410), per §4.5 step 7 and §4.3's "downloading -> refreshing_url" transition trigger.
func StaleHTTPStatus(code int) bool {
	return code == 403 || code == 410
}
