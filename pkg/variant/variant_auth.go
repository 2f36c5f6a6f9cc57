//go:build !noauth

package variant

// Current returns the variant compiled into this binary.
func Current() Variant {
	return Authenticated
}
