package codec

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"github.com/buger/jsonparser"
)

// EntryKind tags an AppConfigEntry.
type EntryKind int

const (
	KindBoolean EntryKind = iota
	KindInteger
	KindFloat
	KindString
)

func (k EntryKind) String() string {
	switch k {
	case KindBoolean:
		return "boolean"
	case KindInteger:
		return "integer"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	default:
		return "unknown"
	}
}

// AppConfigEntry is one named setting of a watch application. Only the field
// matching Kind is meaningful.
type AppConfigEntry struct {
	Key   string
	Kind  EntryKind
	Bool  bool
	Int   int64
	Float float64
	Str   string
}

func BoolEntry(key string, v bool) AppConfigEntry {
	return AppConfigEntry{Key: key, Kind: KindBoolean, Bool: v}
}

func IntEntry(key string, v int64) AppConfigEntry {
	return AppConfigEntry{Key: key, Kind: KindInteger, Int: v}
}

func FloatEntry(key string, v float64) AppConfigEntry {
	return AppConfigEntry{Key: key, Kind: KindFloat, Float: v}
}

func StringEntry(key string, v string) AppConfigEntry {
	return AppConfigEntry{Key: key, Kind: KindString, Str: v}
}

// Value returns the entry's payload as a plain Go value.
func (e AppConfigEntry) Value() interface{} {
	switch e.Kind {
	case KindBoolean:
		return e.Bool
	case KindInteger:
		return e.Int
	case KindFloat:
		return e.Float
	default:
		return e.Str
	}
}

// DecodeAppConfigBlob decodes a get-ret blob into entries, keeping the key
// order of the source object. The top-level value must be an object whose
// values are all scalars.
func DecodeAppConfigBlob(blob []byte) ([]AppConfigEntry, error) {
	const what = "app config blob"
	// jsonparser stops at the end of the first value; trailing bytes and
	// trailing commas must not pass as a shorter object.
	if !json.Valid(blob) {
		return nil, decodeErr(what, -1, "malformed JSON")
	}
	_, typ, _, err := jsonparser.Get(blob)
	if err != nil {
		return nil, decodeErr(what, -1, "%v", err)
	}
	if typ != jsonparser.Object {
		return nil, decodeErr(what, -1, "top-level value is %s, want object", typ)
	}

	entries := []AppConfigEntry{}
	err = jsonparser.ObjectEach(blob, func(key []byte, value []byte, typ jsonparser.ValueType, offset int) error {
		entry, err := inferEntry(string(key), value, typ)
		if err != nil {
			return decodeErr(what, offset, "%v", err)
		}
		entries = append(entries, entry)
		return nil
	})
	if err != nil {
		if de, ok := err.(*DecodeError); ok {
			return nil, de
		}
		return nil, decodeErr(what, -1, "%v", err)
	}
	return entries, nil
}

// inferEntry applies the tag inference rule, in order: boolean, number
// (float when the literal is floating point or not integral), string.
func inferEntry(key string, value []byte, typ jsonparser.ValueType) (AppConfigEntry, error) {
	switch typ {
	case jsonparser.Boolean:
		v, err := jsonparser.ParseBoolean(value)
		if err != nil {
			return AppConfigEntry{}, err
		}
		return BoolEntry(key, v), nil

	case jsonparser.Number:
		f, err := jsonparser.ParseFloat(value)
		if err != nil {
			return AppConfigEntry{}, err
		}
		if isFloatLiteral(value) || f >= math.MaxInt64 || f < math.MinInt64 || f != float64(int64(f)) {
			return FloatEntry(key, f), nil
		}
		i, err := jsonparser.ParseInt(value)
		if err != nil {
			return FloatEntry(key, f), nil
		}
		return IntEntry(key, i), nil

	case jsonparser.String:
		s, err := jsonparser.ParseString(value)
		if err != nil {
			return AppConfigEntry{}, err
		}
		return StringEntry(key, s), nil

	default:
		return AppConfigEntry{}, &unexpectedKindError{key: key, typ: typ}
	}
}

type unexpectedKindError struct {
	key string
	typ jsonparser.ValueType
}

func (e *unexpectedKindError) Error() string {
	return "value of " + strconv.Quote(e.key) + " is " + e.typ.String() + ", want scalar"
}

func isFloatLiteral(v []byte) bool {
	return bytes.ContainsAny(v, ".eE")
}

// EncodeAppConfigBlob serializes entries in order. Float entries always carry
// a decimal point or exponent so that decoding yields Float again.
func EncodeAppConfigBlob(entries []AppConfigEntry) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, e := range entries {
		if e.Key == "" {
			return nil, &SerializationError{Key: e.Key, Reason: "empty key"}
		}
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(e.Key)
		if err != nil {
			return nil, &SerializationError{Key: e.Key, Reason: err.Error()}
		}
		buf.Write(key)
		buf.WriteByte(':')

		switch e.Kind {
		case KindBoolean:
			buf.WriteString(strconv.FormatBool(e.Bool))
		case KindInteger:
			buf.WriteString(strconv.FormatInt(e.Int, 10))
		case KindFloat:
			if math.IsNaN(e.Float) || math.IsInf(e.Float, 0) {
				return nil, &SerializationError{Key: e.Key, Reason: "float is not finite"}
			}
			s := strconv.FormatFloat(e.Float, 'g', -1, 64)
			if !strings.ContainsAny(s, ".eE") {
				s += ".0"
			}
			buf.WriteString(s)
		case KindString:
			v, err := json.Marshal(e.Str)
			if err != nil {
				return nil, &SerializationError{Key: e.Key, Reason: err.Error()}
			}
			buf.Write(v)
		default:
			return nil, &SerializationError{Key: e.Key, Reason: "unknown entry kind " + e.Kind.String()}
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
