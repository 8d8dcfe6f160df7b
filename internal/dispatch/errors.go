package dispatch

import (
	"errors"
	"fmt"
)

// Kind classifies a failed invocation.
type Kind int

const (
	// KindToolNotFound means no live provider owns the name.
	KindToolNotFound Kind = iota + 1
	// KindInvalidArguments means the arguments violate the tool's input
	// schema. The provider was not called.
	KindInvalidArguments
	// KindToolFailed means the provider ran the tool and reported an error.
	KindToolFailed
	// KindProviderInvocation covers JSON-RPC errors and timeouts.
	KindProviderInvocation
	// KindTransport means the provider's transport broke mid-call. It is
	// the only kind that ends a query.
	KindTransport
)

func (k Kind) String() string {
	switch k {
	case KindToolNotFound:
		return "tool_not_found"
	case KindInvalidArguments:
		return "invalid_arguments"
	case KindToolFailed:
		return "tool_failed"
	case KindProviderInvocation:
		return "provider_invocation"
	case KindTransport:
		return "transport"
	default:
		return "unknown"
	}
}

var (
	// ErrToolNotFound is matched by errors of KindToolNotFound.
	ErrToolNotFound = errors.New("tool not found")
	// ErrInvalidArguments is matched by errors of KindInvalidArguments.
	ErrInvalidArguments = errors.New("invalid tool arguments")
	// ErrToolFailed is matched by errors of KindToolFailed.
	ErrToolFailed = errors.New("tool reported an error")
	// ErrProviderInvocation is matched by errors of KindProviderInvocation
	// and KindTransport.
	ErrProviderInvocation = errors.New("provider invocation failed")
)

// Error is the classified failure of one invocation.
type Error struct {
	Kind     Kind
	Tool     string
	Provider string
	Cause    error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindToolNotFound:
		if e.Provider != "" {
			return fmt.Sprintf("tool %q is not available: provider %q failed", e.Tool, e.Provider)
		}
		return fmt.Sprintf("tool %q not found", e.Tool)
	case KindInvalidArguments:
		return fmt.Sprintf("invalid arguments for tool %q: %v", e.Tool, e.Cause)
	case KindToolFailed:
		return fmt.Sprintf("tool %q failed: %v", e.Tool, e.Cause)
	case KindTransport:
		return fmt.Sprintf("provider %q transport failed while calling %q: %v", e.Provider, e.Tool, e.Cause)
	default:
		return fmt.Sprintf("calling tool %q on provider %q: %v", e.Tool, e.Provider, e.Cause)
	}
}

// Unwrap exposes both the kind sentinel and the underlying cause.
func (e *Error) Unwrap() []error {
	var sentinel error
	switch e.Kind {
	case KindToolNotFound:
		sentinel = ErrToolNotFound
	case KindInvalidArguments:
		sentinel = ErrInvalidArguments
	case KindToolFailed:
		sentinel = ErrToolFailed
	case KindProviderInvocation, KindTransport:
		sentinel = ErrProviderInvocation
	}
	out := make([]error, 0, 2)
	if sentinel != nil {
		out = append(out, sentinel)
	}
	if e.Cause != nil {
		out = append(out, e.Cause)
	}
	return out
}

// Catastrophic reports whether the failure must end the query.
func (e *Error) Catastrophic() bool {
	return e != nil && e.Kind == KindTransport
}
