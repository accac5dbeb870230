package art

import (
	"errors"
	"fmt"
	"strings"
)

// ErrBadSignature is returned for a malformed JNI method descriptor.
var ErrBadSignature = errors.New("malformed method signature")

// Signature is a parsed JNI method descriptor such as "(ILjava/lang/String;)Z".
type Signature struct {
	Params []string
	Return string
}

// ParseSignature parses a JNI method descriptor.
func ParseSignature(sig string) (*Signature, error) {
	if !strings.HasPrefix(sig, "(") {
		return nil, fmt.Errorf("%w: %q", ErrBadSignature, sig)
	}
	s := &Signature{}
	i := 1
	for i < len(sig) && sig[i] != ')' {
		n, err := typeLen(sig[i:])
		if err != nil {
			return nil, fmt.Errorf("%w: %q", err, sig)
		}
		if sig[i:i+n] == "V" {
			return nil, fmt.Errorf("%w: void parameter in %q", ErrBadSignature, sig)
		}
		s.Params = append(s.Params, sig[i:i+n])
		i += n
	}
	if i >= len(sig) {
		return nil, fmt.Errorf("%w: unterminated %q", ErrBadSignature, sig)
	}
	i++
	n, err := typeLen(sig[i:])
	if err != nil || i+n != len(sig) {
		return nil, fmt.Errorf("%w: bad return type in %q", ErrBadSignature, sig)
	}
	s.Return = sig[i:]
	return s, nil
}

func (s *Signature) String() string {
	return "(" + strings.Join(s.Params, "") + ")" + s.Return
}

// typeLen returns the length of the field descriptor at the start of d.
func typeLen(d string) (int, error) {
	if d == "" {
		return 0, ErrBadSignature
	}
	switch d[0] {
	case 'Z', 'B', 'C', 'S', 'I', 'J', 'F', 'D', 'V':
		return 1, nil
	case 'L':
		end := strings.IndexByte(d, ';')
		if end < 2 {
			return 0, ErrBadSignature
		}
		return end + 1, nil
	case '[':
		n, err := typeLen(d[1:])
		if err != nil || d[1] == 'V' {
			return 0, ErrBadSignature
		}
		return n + 1, nil
	}
	return 0, ErrBadSignature
}

// Descriptors used by the framework and the policy bridge.
const (
	TypeString      = "Ljava/lang/String;"
	TypeFile        = "Ljava/io/File;"
	TypeClass       = "Ljava/lang/Class;"
	TypeStringArray = "[Ljava/lang/String;"
	TypeLongArray   = "[J"
)

// assignable reports whether v can be passed or returned as type desc.
// nil is the null reference.
func assignable(desc string, v Value) bool {
	switch desc {
	case "Z":
		_, ok := v.(bool)
		return ok
	case "B", "C", "S", "I":
		_, ok := v.(int32)
		return ok
	case "J":
		_, ok := v.(int64)
		return ok
	case "F":
		_, ok := v.(float32)
		return ok
	case "D":
		_, ok := v.(float64)
		return ok
	case "V":
		return v == nil
	}
	if v == nil {
		return true
	}
	switch desc {
	case TypeString:
		_, ok := v.(string)
		return ok
	case TypeFile:
		_, ok := v.(*File)
		return ok
	case TypeClass:
		_, ok := v.(*Class)
		return ok
	case TypeStringArray:
		_, ok := v.([]string)
		return ok
	case TypeLongArray:
		_, ok := v.([]int64)
		return ok
	}
	// Other reference types are opaque
	return true
}
