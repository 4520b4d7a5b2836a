package driver

// ErrorKind is one of the error vocabulary §7 defines for callRejected,
// plus "unknown" as the catch-all for retValue=="-" with no explicit
// error parameter. Handlers may also pass arbitrary strings through
// CoreError — Kind is not a closed enum at the type level, only these
// constants are pre-declared for convenience and for Is-comparison.
type ErrorKind string

const (
	KindNoRoute ErrorKind = "noroute"
	KindLooping ErrorKind = "looping"
	KindNoConn  ErrorKind = "noconn"
	KindFailure ErrorKind = "failure"
	KindUnknown ErrorKind = "unknown"
)

// CoreError is the structured error this module raises for routing and
// admission failures. Its Kind is the exact string carried as the
// `error` message parameter on callRejected, so logging it and wiring it
// onto the bus use the same vocabulary.
type CoreError struct {
	Kind   ErrorKind
	Reason string
}

func (e *CoreError) Error() string {
	if e.Reason == "" {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Reason
}

// Is reports whether target is a *CoreError with the same Kind, so
// callers can write errors.Is(err, driver.ErrNoRoute) without caring
// about Reason.
func (e *CoreError) Is(target error) bool {
	other, ok := target.(*CoreError)
	if !ok {
		return false
	}
	return other.Kind == e.Kind
}

// NewCoreError constructs a CoreError with the given kind and reason.
func NewCoreError(kind ErrorKind, reason string) *CoreError {
	return &CoreError{Kind: kind, Reason: reason}
}

// Sentinel CoreErrors for errors.Is comparisons, one per kind CallRejected
// recognises. Their Reason is always empty: only Kind participates in Is.
var (
	ErrNoRoute = &CoreError{Kind: KindNoRoute}
	ErrLooping = &CoreError{Kind: KindLooping}
	ErrNoConn  = &CoreError{Kind: KindNoConn}
	ErrFailure = &CoreError{Kind: KindFailure}
	ErrUnknown = &CoreError{Kind: KindUnknown}
)
