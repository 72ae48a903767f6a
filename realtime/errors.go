package realtime

import (
	"errors"
	"fmt"
)

var (
	// ErrUnauthenticated means there is no usable session. Retry only after
	// the auth signal turns true again.
	ErrUnauthenticated = errors.New("realtime: not authenticated")
	// ErrConnectionFailed means the primary connection could not be established.
	ErrConnectionFailed = errors.New("realtime: connection failed")
	// ErrNamespaceJoinFailed means a sub-channel could not be established.
	// The primary connection is unaffected.
	ErrNamespaceJoinFailed = errors.New("realtime: namespace join failed")

	// ErrAborted is the cause recorded when Disconnect or DisconnectNamespace
	// overtakes an attempt still in flight.
	ErrAborted = errors.New("realtime: attempt aborted by disconnect")
	// ErrInvalidNamespace is returned for names that cannot form an endpoint.
	ErrInvalidNamespace = errors.New("realtime: invalid namespace")

	errNoSession = errors.New("no stored session")
)

// ConnectError reports a failed connect for one channel. It matches both
// its Kind and its cause with errors.Is.
type ConnectError struct {
	Namespace string // "" for the primary connection
	Kind      error  // ErrUnauthenticated, ErrConnectionFailed or ErrNamespaceJoinFailed
	Err       error
}

func (e *ConnectError) Error() string {
	channel := "primary"
	if e.Namespace != "" {
		channel = fmt.Sprintf("namespace %q", e.Namespace)
	}
	if e.Err == nil {
		return fmt.Sprintf("%v (%s)", e.Kind, channel)
	}
	return fmt.Sprintf("%v (%s): %v", e.Kind, channel, e.Err)
}

func (e *ConnectError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// failureKind is the error kind reported for a transport failure on name.
func failureKind(name string) error {
	if name == "" {
		return ErrConnectionFailed
	}
	return ErrNamespaceJoinFailed
}
