package codec

import (
	"math"

	"github.com/google/uuid"
	"google.golang.org/protobuf/encoding/protowire"
)

// Shape selects which member of the vendor envelope oneof is present. The
// value is the top-level protobuf field number.
type Shape protowire.Number

const (
	ShapeNone Shape = iota
	ShapeAppConfigGet
	ShapeAppConfigSet
	ShapeSetStatus
	ShapeGetStatus
	ShapeGetRet
	ShapeHTTPRequest
	ShapeHTTPResponse
)

func (s Shape) String() string {
	switch s {
	case ShapeAppConfigGet:
		return "AppConfigGet"
	case ShapeAppConfigSet:
		return "AppConfigSet"
	case ShapeSetStatus:
		return "SetStatus"
	case ShapeGetStatus:
		return "GetStatus"
	case ShapeGetRet:
		return "GetRet"
	case ShapeHTTPRequest:
		return "HTTPRequest"
	case ShapeHTTPResponse:
		return "HTTPResponse"
	default:
		return "None"
	}
}

// StatusOK is the only success status code of set-status and get-status.
const StatusOK = 1

// Envelope is the vendor request/response container. Fields not used by
// Shape are zero.
type Envelope struct {
	Shape Shape
	AppID uuid.UUID

	Status uint32
	Blob   []byte

	RequestID uint32
	URL       string
	Body      []byte
}

// Sub-field numbers inside each shape.
const (
	fieldAppID  protowire.Number = 1
	fieldStatus protowire.Number = 2
	fieldBlob   protowire.Number = 2

	fieldRequestID protowire.Number = 1
	fieldURL       protowire.Number = 2
	fieldHTTPCode  protowire.Number = 2
	fieldBody      protowire.Number = 3
)

// EncodeEnvelope serializes e. Shapes that carry an app id always include
// it, even when it is the nil UUID.
func EncodeEnvelope(e Envelope) []byte {
	var inner []byte
	switch e.Shape {
	case ShapeAppConfigGet:
		inner = appendBytesField(inner, fieldAppID, e.AppID[:])
	case ShapeAppConfigSet, ShapeGetRet:
		inner = appendBytesField(inner, fieldAppID, e.AppID[:])
		inner = appendBytesField(inner, fieldBlob, e.Blob)
	case ShapeSetStatus, ShapeGetStatus:
		inner = appendBytesField(inner, fieldAppID, e.AppID[:])
		inner = appendVarintField(inner, fieldStatus, uint64(e.Status))
	case ShapeHTTPRequest:
		inner = appendVarintField(inner, fieldRequestID, uint64(e.RequestID))
		inner = appendBytesField(inner, fieldURL, []byte(e.URL))
	case ShapeHTTPResponse:
		inner = appendVarintField(inner, fieldRequestID, uint64(e.RequestID))
		inner = appendVarintField(inner, fieldHTTPCode, uint64(e.Status))
		inner = appendBytesField(inner, fieldBody, e.Body)
	default:
		return nil
	}
	return appendBytesField(nil, protowire.Number(e.Shape), inner)
}

// DecodeEnvelope parses a reassembled vendor message. Exactly one known
// shape must be present; unknown top-level and sub-fields are skipped.
func DecodeEnvelope(b []byte) (Envelope, error) {
	const what = "envelope"
	var (
		env   Envelope
		inner []byte
		found int
	)
	for off := 0; off < len(b); {
		num, typ, n := protowire.ConsumeTag(b[off:])
		if n < 0 {
			return Envelope{}, decodeErr(what, off, "%v", protowire.ParseError(n))
		}
		off += n
		if num >= protowire.Number(ShapeAppConfigGet) && num <= protowire.Number(ShapeHTTPResponse) {
			if typ != protowire.BytesType {
				return Envelope{}, decodeErr(what, off, "shape %s has wire type %d", Shape(num), typ)
			}
			v, n := protowire.ConsumeBytes(b[off:])
			if n < 0 {
				return Envelope{}, decodeErr(what, off, "%v", protowire.ParseError(n))
			}
			off += n
			env.Shape = Shape(num)
			inner = v
			found++
			continue
		}
		n = protowire.ConsumeFieldValue(num, typ, b[off:])
		if n < 0 {
			return Envelope{}, decodeErr(what, off, "%v", protowire.ParseError(n))
		}
		off += n
	}
	switch found {
	case 0:
		return Envelope{}, decodeErr(what, -1, "no recognized shape")
	case 1:
	default:
		return Envelope{}, decodeErr(what, -1, "%d shapes present, want exactly one", found)
	}

	if err := decodeShape(&env, inner); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

func decodeShape(env *Envelope, b []byte) error {
	what := "envelope " + env.Shape.String()
	var appID []byte
	haveAppID := false

	for off := 0; off < len(b); {
		num, typ, n := protowire.ConsumeTag(b[off:])
		if n < 0 {
			return decodeErr(what, off, "%v", protowire.ParseError(n))
		}
		off += n

		switch {
		case typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b[off:])
			if n < 0 {
				return decodeErr(what, off, "%v", protowire.ParseError(n))
			}
			off += n
			switch env.Shape {
			case ShapeHTTPRequest:
				if num == fieldURL {
					env.URL = string(v)
				}
			case ShapeHTTPResponse:
				if num == fieldBody {
					env.Body = append([]byte(nil), v...)
				}
			default:
				switch num {
				case fieldAppID:
					appID, haveAppID = v, true
				case fieldBlob:
					env.Blob = append([]byte(nil), v...)
				}
			}

		case typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b[off:])
			if n < 0 {
				return decodeErr(what, off, "%v", protowire.ParseError(n))
			}
			var dst *uint32
			switch env.Shape {
			case ShapeHTTPRequest, ShapeHTTPResponse:
				if num == fieldRequestID {
					dst = &env.RequestID
				} else if num == fieldHTTPCode {
					dst = &env.Status
				}
			default:
				if num == fieldStatus {
					dst = &env.Status
				}
			}
			if dst != nil {
				// narrowing would turn 1<<32+1 into StatusOK
				if v > math.MaxUint32 {
					return decodeErr(what, off, "field %d: varint %d overflows uint32", num, v)
				}
				*dst = uint32(v)
			}
			off += n

		default:
			n = protowire.ConsumeFieldValue(num, typ, b[off:])
			if n < 0 {
				return decodeErr(what, off, "%v", protowire.ParseError(n))
			}
			off += n
		}
	}

	switch env.Shape {
	case ShapeHTTPRequest, ShapeHTTPResponse:
		return nil
	}
	if !haveAppID {
		return decodeErr(what, -1, "missing app id")
	}
	id, err := uuid.FromBytes(appID)
	if err != nil {
		return decodeErr(what, -1, "app id: %v", err)
	}
	env.AppID = id
	return nil
}

func appendBytesField(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}
