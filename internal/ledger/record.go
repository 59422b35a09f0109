package ledger

import (
	"fmt"
	"math/big"
	"reflect"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Record is a decoded ledger struct or multi-value return. Fields can be read
// by member name or by tuple position; which one is present depends on how
// the contract declared its outputs.
type Record struct {
	names  []string
	values []any
}

// NewRecord pairs output names with decoded values. names may be shorter than
// values or empty.
func NewRecord(names []string, values []any) Record {
	return Record{names: names, values: values}
}

// PositionalRecord builds a record without member names.
func PositionalRecord(values ...any) Record {
	return Record{values: values}
}

// Len returns the number of positional slots.
func (r Record) Len() int { return len(r.values) }

// Get looks a field up by name, falling back to its position. A slot that
// carries a different member name is never used as a fallback.
func (r Record) Get(name string, index int) (any, bool) {
	if name != "" {
		for i, n := range r.names {
			if n == name && i < len(r.values) {
				return r.values[i], true
			}
		}
	}
	if index < 0 || index >= len(r.values) {
		return nil, false
	}
	if index < len(r.names) && r.names[index] != "" {
		return nil, false
	}
	return r.values[index], true
}

// BigInt reads an integer field.
func (r Record) BigInt(name string, index int) (*big.Int, error) {
	v, ok := r.Get(name, index)
	if !ok {
		return nil, fmt.Errorf("field %s missing", name)
	}
	n, err := AsBigInt(v)
	if err != nil {
		return nil, fmt.Errorf("field %s: %w", name, err)
	}
	return n, nil
}

// Uint64 reads an integer field that must fit in 64 bits.
func (r Record) Uint64(name string, index int) (uint64, error) {
	n, err := r.BigInt(name, index)
	if err != nil {
		return 0, err
	}
	if n.Sign() < 0 || !n.IsUint64() {
		return 0, fmt.Errorf("field %s: value %s out of range", name, n)
	}
	return n.Uint64(), nil
}

// Address reads an address field.
func (r Record) Address(name string, index int) (common.Address, error) {
	v, ok := r.Get(name, index)
	if !ok {
		return common.Address{}, fmt.Errorf("field %s missing", name)
	}
	addr, err := AsAddress(v)
	if err != nil {
		return common.Address{}, fmt.Errorf("field %s: %w", name, err)
	}
	return addr, nil
}

// String reads a text field.
func (r Record) String(name string, index int) (string, error) {
	v, ok := r.Get(name, index)
	if !ok {
		return "", fmt.Errorf("field %s missing", name)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("field %s: expected string, got %T", name, v)
	}
	return s, nil
}

// OptionalString reads a text field, returning "" when it is absent.
func (r Record) OptionalString(name string, index int) string {
	s, _ := r.String(name, index)
	return s
}

// Bool reads a boolean field.
func (r Record) Bool(name string, index int) (bool, error) {
	v, ok := r.Get(name, index)
	if !ok {
		return false, fmt.Errorf("field %s missing", name)
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("field %s: expected bool, got %T", name, v)
	}
	return b, nil
}

// AsBigInt converts the integer representations the ABI decoder and JSON
// callers produce.
func AsBigInt(v any) (*big.Int, error) {
	switch n := v.(type) {
	case *big.Int:
		if n == nil {
			return nil, fmt.Errorf("nil integer")
		}
		return new(big.Int).Set(n), nil
	case big.Int:
		return new(big.Int).Set(&n), nil
	case uint8:
		return new(big.Int).SetUint64(uint64(n)), nil
	case uint16:
		return new(big.Int).SetUint64(uint64(n)), nil
	case uint32:
		return new(big.Int).SetUint64(uint64(n)), nil
	case uint64:
		return new(big.Int).SetUint64(n), nil
	case int:
		return big.NewInt(int64(n)), nil
	case int64:
		return big.NewInt(n), nil
	case string:
		return ParseID(n)
	default:
		return nil, fmt.Errorf("expected integer, got %T", v)
	}
}

// AsAddress converts an address value.
func AsAddress(v any) (common.Address, error) {
	switch a := v.(type) {
	case common.Address:
		return a, nil
	case string:
		if !common.IsHexAddress(a) {
			return common.Address{}, fmt.Errorf("invalid address %q", a)
		}
		return common.HexToAddress(a), nil
	default:
		return common.Address{}, fmt.Errorf("expected address, got %T", v)
	}
}

// ParseID parses a decimal or 0x-prefixed identifier.
func ParseID(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("empty identifier")
	}
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		n, ok := new(big.Int).SetString(s[2:], 16)
		if !ok {
			return nil, fmt.Errorf("invalid hex identifier %q", s)
		}
		return n, nil
	}
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid identifier %q", s)
	}
	return n, nil
}

// recordsFromSlice turns a decoded tuple[] into records named after the
// tuple components.
func recordsFromSlice(v any) ([]Record, error) {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, fmt.Errorf("expected tuple array, got %T", v)
	}
	out := make([]Record, 0, rv.Len())
	for i := 0; i < rv.Len(); i++ {
		out = append(out, recordFromStruct(rv.Index(i)))
	}
	return out, nil
}

func recordFromStruct(v reflect.Value) Record {
	for v.Kind() == reflect.Pointer || v.Kind() == reflect.Interface {
		if v.IsNil() {
			return Record{}
		}
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return PositionalRecord(v.Interface())
	}
	t := v.Type()
	names := make([]string, t.NumField())
	values := make([]any, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		name := f.Tag.Get("json")
		if name == "" {
			name = strings.ToLower(f.Name[:1]) + f.Name[1:]
		}
		names[i] = name
		values[i] = v.Field(i).Interface()
	}
	return Record{names: names, values: values}
}
