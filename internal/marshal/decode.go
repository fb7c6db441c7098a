package marshal

import (
	"errors"
	"fmt"
	"time"

	"github.com/git-pkgs/gemserver/internal/core"
)

// Symbol is a decoded Ruby Symbol.
type Symbol string

// Object is a decoded plain Ruby object ('o').
type Object struct {
	Class string
	IVars map[string]any
}

// UserMarshal is an object decoded from its marshal_dump value ('U').
type UserMarshal struct {
	Class string
	Data  any
}

// UserDefined is an object decoded from its _dump bytes ('u'). Gem
// specifications have their payload decoded into Value; times are decoded
// into Value as a time.Time.
type UserDefined struct {
	Class string
	Data  []byte
	Value any
	IVars map[string]any
}

// Hash is a decoded Ruby Hash. Keys are strings or Symbols.
type Hash map[any]any

var errTruncated = errors.New("truncated input")

type decoder struct {
	data    []byte
	pos     int
	symbols []string
}

// Decode parses a Marshal 4.8 stream into Go values: nil, bool, int, string,
// Symbol, []any, Hash, Object, UserMarshal and UserDefined.
func Decode(data []byte) (any, error) {
	if len(data) < 2 || data[0] != majorVersion || data[1] != minorVersion {
		return nil, fmt.Errorf("marshal: bad header")
	}
	d := &decoder{data: data, pos: 2}
	v, err := d.value()
	if err != nil {
		return nil, fmt.Errorf("marshal: offset %d: %w", d.pos, err)
	}
	if d.pos != len(d.data) {
		return nil, fmt.Errorf("marshal: %d trailing bytes", len(d.data)-d.pos)
	}
	return v, nil
}

func (d *decoder) byte() (byte, error) {
	if d.pos >= len(d.data) {
		return 0, errTruncated
	}
	b := d.data[d.pos]
	d.pos++
	return b, nil
}

func (d *decoder) long() (int, error) {
	b, err := d.byte()
	if err != nil {
		return 0, err
	}
	c := int(int8(b))
	switch {
	case c == 0:
		return 0, nil
	case c > 4:
		return c - 5, nil
	case c < -4:
		return c + 5, nil
	case c > 0:
		x := 0
		for i := 0; i < c; i++ {
			b, err := d.byte()
			if err != nil {
				return 0, err
			}
			x |= int(b) << (8 * i)
		}
		return x, nil
	default:
		n := -c
		x := -1
		for i := 0; i < n; i++ {
			b, err := d.byte()
			if err != nil {
				return 0, err
			}
			x &= ^(0xff << (8 * i))
			x |= int(b) << (8 * i)
		}
		return x, nil
	}
}

func (d *decoder) bytes() ([]byte, error) {
	n, err := d.long()
	if err != nil {
		return nil, err
	}
	if n < 0 || d.pos+n > len(d.data) {
		return nil, errTruncated
	}
	b := d.data[d.pos : d.pos+n]
	d.pos += n
	return b, nil
}

func (d *decoder) symbol() (string, error) {
	tag, err := d.byte()
	if err != nil {
		return "", err
	}
	switch tag {
	case tagSymbol:
		b, err := d.bytes()
		if err != nil {
			return "", err
		}
		d.symbols = append(d.symbols, string(b))
		return string(b), nil
	case tagSymlink:
		idx, err := d.long()
		if err != nil {
			return "", err
		}
		if idx < 0 || idx >= len(d.symbols) {
			return "", fmt.Errorf("bad symlink %d", idx)
		}
		return d.symbols[idx], nil
	default:
		return "", fmt.Errorf("expected symbol, got %q", tag)
	}
}

func (d *decoder) ivars() (map[string]any, error) {
	n, err := d.long()
	if err != nil {
		return nil, err
	}
	ivars := make(map[string]any, n)
	for i := 0; i < n; i++ {
		k, err := d.symbol()
		if err != nil {
			return nil, err
		}
		v, err := d.value()
		if err != nil {
			return nil, err
		}
		ivars[k] = v
	}
	return ivars, nil
}

func (d *decoder) value() (any, error) {
	tag, err := d.byte()
	if err != nil {
		return nil, err
	}
	switch tag {
	case tagNil:
		return nil, nil
	case tagTrue:
		return true, nil
	case tagFalse:
		return false, nil
	case tagFixnum:
		return d.long()
	case tagString:
		b, err := d.bytes()
		return string(b), err
	case tagSymbol, tagSymlink:
		d.pos--
		s, err := d.symbol()
		return Symbol(s), err
	case tagArray:
		n, err := d.long()
		if err != nil {
			return nil, err
		}
		arr := make([]any, 0, n)
		for i := 0; i < n; i++ {
			v, err := d.value()
			if err != nil {
				return nil, err
			}
			arr = append(arr, v)
		}
		return arr, nil
	case tagHash:
		n, err := d.long()
		if err != nil {
			return nil, err
		}
		h := make(Hash, n)
		for i := 0; i < n; i++ {
			k, err := d.value()
			if err != nil {
				return nil, err
			}
			v, err := d.value()
			if err != nil {
				return nil, err
			}
			h[k] = v
		}
		return h, nil
	case tagObject:
		class, err := d.symbol()
		if err != nil {
			return nil, err
		}
		ivars, err := d.ivars()
		if err != nil {
			return nil, err
		}
		return Object{Class: class, IVars: ivars}, nil
	case tagUserMarshal:
		class, err := d.symbol()
		if err != nil {
			return nil, err
		}
		v, err := d.value()
		if err != nil {
			return nil, err
		}
		return UserMarshal{Class: class, Data: v}, nil
	case tagUserDef:
		class, err := d.symbol()
		if err != nil {
			return nil, err
		}
		data, err := d.bytes()
		if err != nil {
			return nil, err
		}
		u := UserDefined{Class: class, Data: data}
		switch class {
		case classSpecification:
			v, err := Decode(data)
			if err != nil {
				return nil, err
			}
			u.Value = v
		case classTime:
			if t, ok := decodeTime(data); ok {
				u.Value = t
			}
		}
		return u, nil
	case tagIVar:
		v, err := d.value()
		if err != nil {
			return nil, err
		}
		ivars, err := d.ivars()
		if err != nil {
			return nil, err
		}
		if u, ok := v.(UserDefined); ok {
			u.IVars = ivars
			return u, nil
		}
		return v, nil
	case tagLink:
		return nil, fmt.Errorf("object links are not supported")
	default:
		return nil, fmt.Errorf("unknown type tag %q", tag)
	}
}

// TimeValue extracts the time.Time of a decoded Time dump.
func TimeValue(v any) (time.Time, bool) {
	u, ok := v.(UserDefined)
	if !ok || u.Class != classTime {
		return time.Time{}, false
	}
	t, ok := u.Value.(time.Time)
	return t, ok
}

// DecodeIndex reads an index list produced by EncodeIndex back into tuples.
func DecodeIndex(data []byte) ([]core.Tuple, error) {
	v, err := Decode(data)
	if err != nil {
		return nil, err
	}
	list, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("index is a %T, not an array", v)
	}
	tuples := make([]core.Tuple, 0, len(list))
	for i, rec := range list {
		fields, ok := rec.([]any)
		if !ok || len(fields) != 3 {
			return nil, fmt.Errorf("record %d: want a 3-element array, got %v", i, rec)
		}
		name, _ := fields[0].(string)
		platform, _ := fields[2].(string)
		ver, ok := fields[1].(UserMarshal)
		if !ok || ver.Class != classVersion {
			return nil, fmt.Errorf("record %d: version is %#v", i, fields[1])
		}
		data, _ := ver.Data.([]any)
		if len(data) != 1 {
			return nil, fmt.Errorf("record %d: malformed Gem::Version", i)
		}
		version, _ := data[0].(string)
		tuples = append(tuples, core.Tuple{Name: name, Version: version, Platform: platform})
	}
	return tuples, nil
}
