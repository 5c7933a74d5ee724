package registry

import (
	"errors"
	"fmt"
	"strings"

	"github.com/cespare/xxhash"

	"github.com/chainforge/regmig/remote"
)

// Selector is the stable identifier of a registry resource: the xxhash of
// its tag. Namespaces hash their bare name; namespaced resources hash
// "namespace-name". The root registry itself is selector zero.
type Selector uint64

const RegistrySelector Selector = 0

func (s Selector) String() string { return fmt.Sprintf("0x%016x", uint64(s)) }

func (s Selector) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Selector) UnmarshalText(text []byte) error {
	h, err := remote.ParseHash(string(text))
	*s = Selector(h)
	return err
}

var ErrBadName = errors.New("registry: name must be snake_case alphanumeric")

// Tag joins a namespace and a resource name into the canonical tag form.
func Tag(namespace, name string) string {
	return namespace + "-" + name
}

// SplitTag splits a canonical tag. Namespaces cannot contain dashes, so the
// first dash is the separator; the name keeps any further dashes.
func SplitTag(tag string) (namespace, name string, err error) {
	i := strings.IndexByte(tag, '-')
	if i <= 0 || i == len(tag)-1 {
		return "", "", fmt.Errorf("%w: tag %q is not namespace-name", ErrBadName, tag)
	}
	return tag[:i], tag[i+1:], nil
}

// SelectorFromTag derives the selector of a namespaced resource.
func SelectorFromTag(tag string) Selector {
	return Selector(xxhash.Sum64String(tag))
}

// NamespaceSelector derives the selector of a namespace resource.
func NamespaceSelector(namespace string) Selector {
	return Selector(xxhash.Sum64String(namespace))
}

// ValidateName accepts lowercase snake_case identifiers, the only form the
// registry stores. Namespaces follow the same rule, which keeps SplitTag
// unambiguous.
func ValidateName(name string) error {
	if name == "" || name[0] < 'a' || name[0] > 'z' {
		return fmt.Errorf("%w: %q", ErrBadName, name)
	}
	for i := 1; i < len(name); i++ {
		c := name[i]
		ok := c == '_' || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9')
		if !ok {
			return fmt.Errorf("%w: %q", ErrBadName, name)
		}
	}
	return nil
}
