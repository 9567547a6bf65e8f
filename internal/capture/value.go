package capture

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/godbus/dbus/v5"
)

// ErrUnsupported is returned for values the capture format cannot carry.
var ErrUnsupported = errors.New("unsupported D-Bus value")

// Value is a D-Bus value with its signature. Variants nest as Values.
type Value struct {
	Sig   string          `json:"sig"`
	Value json.RawMessage `json:"value"`
}

// EncodeValue converts a value as godbus delivers it into a Value.
func EncodeValue(v any) (Value, error) {
	sig, err := signatureOf(v)
	if err != nil {
		return Value{}, err
	}
	plain, err := plainOf(v)
	if err != nil {
		return Value{}, err
	}
	data, err := json.Marshal(plain)
	if err != nil {
		return Value{}, fmt.Errorf("marshaling %s value: %w", sig, err)
	}
	return Value{Sig: sig, Value: data}, nil
}

// Decode rebuilds the Go value godbus would deliver for v.
func (v Value) Decode() (any, error) {
	typ, rest, err := nextType(v.Sig)
	if err != nil {
		return nil, err
	}
	if rest != "" {
		return nil, fmt.Errorf("%w: signature %q is not a single type", ErrUnsupported, v.Sig)
	}
	return decode(typ, v.Value)
}

// signatureOf is dbus.SignatureOf except that []any is a struct, the way
// godbus hands structs out of message bodies.
func signatureOf(v any) (string, error) {
	switch x := v.(type) {
	case []any:
		var b strings.Builder
		b.WriteByte('(')
		for _, f := range x {
			s, err := signatureOf(f)
			if err != nil {
				return "", err
			}
			b.WriteString(s)
		}
		b.WriteByte(')')
		return b.String(), nil
	case [][]any:
		if len(x) == 0 {
			return "", fmt.Errorf("%w: empty struct array", ErrUnsupported)
		}
		s, err := signatureOf(x[0])
		if err != nil {
			return "", err
		}
		return "a" + s, nil
	case dbus.Variant:
		return "v", nil
	}
	return basicSignature(v)
}

// basicSignature asks godbus, which panics on types it cannot map.
func basicSignature(v any) (sig string, err error) {
	defer func() {
		if recover() != nil {
			sig, err = "", fmt.Errorf("%w: %T", ErrUnsupported, v)
		}
	}()
	if sig = dbus.SignatureOf(v).String(); sig == "" {
		return "", fmt.Errorf("%w: %T", ErrUnsupported, v)
	}
	return sig, nil
}

// plainOf turns v into something encoding/json writes losslessly.
func plainOf(v any) (any, error) {
	switch x := v.(type) {
	case string, bool, byte, int16, uint16, int32, uint32, int64, uint64, float64:
		return x, nil
	case dbus.ObjectPath:
		return string(x), nil
	case dbus.Variant:
		return EncodeValue(x.Value())
	case []string, []uint32, []int32:
		return x, nil
	case []dbus.ObjectPath:
		out := make([]string, len(x))
		for i, p := range x {
			out[i] = string(p)
		}
		return out, nil
	case map[string]dbus.Variant:
		out := make(map[string]Value, len(x))
		for k, vv := range x {
			enc, err := EncodeValue(vv.Value())
			if err != nil {
				return nil, fmt.Errorf("property %s: %w", k, err)
			}
			out[k] = enc
		}
		return out, nil
	case map[string]string:
		return x, nil
	case []any:
		out := make([]any, len(x))
		for i, f := range x {
			p, err := plainOf(f)
			if err != nil {
				return nil, err
			}
			out[i] = p
		}
		return out, nil
	case [][]any:
		out := make([]any, len(x))
		for i, s := range x {
			p, err := plainOf(s)
			if err != nil {
				return nil, err
			}
			out[i] = p
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupported, v)
	}
}

// nextType splits the first complete type off sig.
func nextType(sig string) (typ, rest string, err error) {
	if sig == "" {
		return "", "", fmt.Errorf("%w: empty signature", ErrUnsupported)
	}
	switch sig[0] {
	case 'a':
		elem, rest, err := nextType(sig[1:])
		if err != nil {
			return "", "", err
		}
		return "a" + elem, rest, nil
	case '(', '{':
		open, closing := sig[0], byte(')')
		if open == '{' {
			closing = '}'
		}
		depth := 0
		for i := 0; i < len(sig); i++ {
			switch sig[i] {
			case open:
				depth++
			case closing:
				depth--
				if depth == 0 {
					return sig[:i+1], sig[i+1:], nil
				}
			}
		}
		return "", "", fmt.Errorf("%w: unbalanced signature %q", ErrUnsupported, sig)
	default:
		return sig[:1], sig[1:], nil
	}
}

func decode(typ string, raw json.RawMessage) (any, error) {
	switch typ {
	case "s":
		return unmarshal[string](raw)
	case "o":
		s, err := unmarshal[string](raw)
		return dbus.ObjectPath(s), err
	case "b":
		return unmarshal[bool](raw)
	case "y":
		return unmarshal[byte](raw)
	case "n":
		return unmarshal[int16](raw)
	case "q":
		return unmarshal[uint16](raw)
	case "i":
		return unmarshal[int32](raw)
	case "u":
		return unmarshal[uint32](raw)
	case "x":
		return unmarshal[int64](raw)
	case "t":
		return unmarshal[uint64](raw)
	case "d":
		return unmarshal[float64](raw)
	case "v":
		inner, err := unmarshal[Value](raw)
		if err != nil {
			return nil, err
		}
		return variantOf(inner)
	case "as":
		return unmarshal[[]string](raw)
	case "au":
		return unmarshal[[]uint32](raw)
	case "ai":
		return unmarshal[[]int32](raw)
	case "ao":
		paths, err := unmarshal[[]string](raw)
		if err != nil {
			return nil, err
		}
		out := make([]dbus.ObjectPath, len(paths))
		for i, p := range paths {
			out[i] = dbus.ObjectPath(p)
		}
		return out, nil
	case "a{ss}":
		return unmarshal[map[string]string](raw)
	case "a{sv}":
		props, err := unmarshal[map[string]Value](raw)
		if err != nil {
			return nil, err
		}
		out := make(map[string]dbus.Variant, len(props))
		for k, p := range props {
			v, err := variantOf(p)
			if err != nil {
				return nil, fmt.Errorf("property %s: %w", k, err)
			}
			out[k] = v
		}
		return out, nil
	}

	switch {
	case typ[0] == '(':
		return decodeStruct(typ, raw)
	case strings.HasPrefix(typ, "a("):
		elems, err := unmarshal[[]json.RawMessage](raw)
		if err != nil {
			return nil, err
		}
		out := make([][]any, len(elems))
		for i, e := range elems {
			s, err := decodeStruct(typ[1:], e)
			if err != nil {
				return nil, err
			}
			out[i] = s
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: signature %q", ErrUnsupported, typ)
	}
}

func decodeStruct(typ string, raw json.RawMessage) ([]any, error) {
	fields, err := unmarshal[[]json.RawMessage](raw)
	if err != nil {
		return nil, err
	}
	sig := typ[1 : len(typ)-1]
	out := make([]any, 0, len(fields))
	for _, f := range fields {
		var ft string
		if ft, sig, err = nextType(sig); err != nil {
			return nil, err
		}
		v, err := decode(ft, f)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	if sig != "" {
		return nil, fmt.Errorf("%w: struct %s has %d fields", ErrUnsupported, typ, len(fields))
	}
	return out, nil
}

func variantOf(v Value) (dbus.Variant, error) {
	val, err := v.Decode()
	if err != nil {
		return dbus.Variant{}, err
	}
	sig, err := dbus.ParseSignature(v.Sig)
	if err != nil {
		return dbus.Variant{}, fmt.Errorf("%w: %v", ErrUnsupported, err)
	}
	return dbus.MakeVariantWithSignature(val, sig), nil
}

func unmarshal[T any](raw json.RawMessage) (T, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, fmt.Errorf("decoding %T: %w", v, err)
	}
	return v, nil
}
