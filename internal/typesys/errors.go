package typesys

import "fmt"

// Error is the typed error taxonomy for the type system: surfaced only
// at apply time, never while serving a request.
type Error struct {
	Code   string
	Detail string
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Detail)
}

func newErr(code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Detail: fmt.Sprintf(format, args...)}
}

func ErrNoSuchType(name string) error { return newErr("NoSuchType", "%s", name) }
func ErrNotABuiltin(name string) error { return newErr("NotABuiltin", "%s", name) }
func ErrNotACustomType(name string) error { return newErr("NotACustomType", "%s", name) }
func ErrCustomTypeExists(name string) error { return newErr("CustomTypeExists", "%s", name) }
func ErrCycleDetected(path []string) error { return newErr("CycleDetected", "%v", path) }

// ErrUnsafeReplacement reports why an evolution from old to new would lose
// data or violate an invariant; see Delta for the cases that raise it.
func ErrUnsafeReplacement(reason string) error { return newErr("UnsafeReplacement", "%s", reason) }
