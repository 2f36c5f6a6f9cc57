// Package variant identifies which build of the launcher is running.
//
// The authenticated build (the default) requires an API key and hands it to the
// proxy; the unauthenticated build is produced with `-tags noauth` and never
// forwards a key. Exactly one of variant_auth.go and variant_noauth.go is
// compiled into a binary, so the choice cannot be changed at runtime.
package variant

import "fmt"

// Variant names a launcher build.
type Variant string

const (
	// Authenticated requires MCPO_API_KEY and passes it to the proxy.
	Authenticated Variant = "authenticated"
	// Unauthenticated exposes the proxy without an API key.
	Unauthenticated Variant = "unauthenticated"
)

// RequiresAPIKey reports whether the variant enforces an API key on the proxy.
func (v Variant) RequiresAPIKey() bool {
	return v == Authenticated
}

// BuildTags returns the go build tags that produce this variant.
func (v Variant) BuildTags() []string {
	if v == Unauthenticated {
		return []string{"noauth"}
	}
	return nil
}

// Parse converts a string into a Variant. The empty string yields the
// variant of the running binary.
func Parse(s string) (Variant, error) {
	switch Variant(s) {
	case "":
		return Current(), nil
	case Authenticated, Unauthenticated:
		return Variant(s), nil
	default:
		return "", fmt.Errorf("unknown variant %q (valid values: %s, %s)", s, Authenticated, Unauthenticated)
	}
}
