//go:build !linux

package shim

// NewSystemPassthrough returns a Passthrough that refuses every socket operation, since real socket calls are
// only implemented on Linux
func NewSystemPassthrough() Passthrough {
	return unsupported{}
}
