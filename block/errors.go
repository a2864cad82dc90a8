package block

import "fmt"

type ErrorKind string

const (
	KindHashMismatch          ErrorKind = "hash_mismatch"
	KindInvalidSignature      ErrorKind = "invalid_signature"
	KindBrokenLinkage         ErrorKind = "broken_linkage"
	KindNonMonotonicTimestamp ErrorKind = "non_monotonic_timestamp"
)

// ValidationError rejects a single block. Match with errors.Is against the Err* values.
type ValidationError struct {
	Kind   ErrorKind
	Index  uint64
	Hash   Hash
	Reason string
}

var (
	ErrHashMismatch          = &ValidationError{Kind: KindHashMismatch}
	ErrInvalidSignature      = &ValidationError{Kind: KindInvalidSignature}
	ErrBrokenLinkage         = &ValidationError{Kind: KindBrokenLinkage}
	ErrNonMonotonicTimestamp = &ValidationError{Kind: KindNonMonotonicTimestamp}
)

func (e *ValidationError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("block validation: %s", e.Kind)
	}
	return fmt.Sprintf("block validation: %s: block #%d %s: %s", e.Kind, e.Index, e.Hash.Short(), e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	t, ok := target.(*ValidationError)
	return ok && t.Kind == e.Kind
}

func invalid(kind ErrorKind, b *Block, format string, args ...interface{}) *ValidationError {
	return &ValidationError{
		Kind:   kind,
		Index:  b.Index,
		Hash:   b.Hash,
		Reason: fmt.Sprintf(format, args...),
	}
}
