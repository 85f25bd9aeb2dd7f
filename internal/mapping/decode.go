package mapping

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strings"

	"example.com/backstage/services/ingest/internal/core"
	"github.com/fxamacker/cbor/v2"
	"github.com/tidwall/gjson"
)

// cborDecMode decodes untyped maps as map[string]any so the result can be
// re-encoded as JSON.
var cborDecMode cbor.DecMode

func init() {
	var err error
	cborDecMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("mapping: CBOR decoder initialization failed: " + err.Error())
	}
}

// Decoder turns a raw payload into a JSON document for extraction.
type Decoder interface {
	Decode(payload []byte, def core.MappingDefinition) ([]byte, error)
}

// DecoderFor returns the decoder for a parser type.
func DecoderFor(parser core.ParserType, def core.MappingDefinition) (Decoder, error) {
	switch parser {
	case core.ParserJSON, "":
		return jsonDecoder{}, nil
	case core.ParserCustom:
		return customDecoder{}, nil
	case core.ParserBinary:
		if def.Binary == nil {
			return nil, fmt.Errorf("binary profile has no layout")
		}
		switch strings.ToLower(def.Binary.Format) {
		case "cbor":
			return cborDecoder{}, nil
		case "frame", "":
			return frameDecoder{}, nil
		default:
			return nil, fmt.Errorf("unsupported binary format %q", def.Binary.Format)
		}
	default:
		return nil, fmt.Errorf("unsupported parser type %q", parser)
	}
}

type jsonDecoder struct{}

func (jsonDecoder) Decode(payload []byte, _ core.MappingDefinition) ([]byte, error) {
	if !gjson.ValidBytes(payload) {
		return nil, fmt.Errorf("payload is not JSON")
	}
	return payload, nil
}

// customDecoder hands JSON through and wraps anything else as
// {"raw": "<base64>"} for the transform script.
type customDecoder struct{}

func (customDecoder) Decode(payload []byte, _ core.MappingDefinition) ([]byte, error) {
	if len(payload) > 0 && gjson.ValidBytes(payload) {
		return payload, nil
	}
	return json.Marshal(map[string]string{"raw": base64.StdEncoding.EncodeToString(payload)})
}

type cborDecoder struct{}

func (cborDecoder) Decode(payload []byte, def core.MappingDefinition) ([]byte, error) {
	data, err := binaryBody(payload, def.Binary)
	if err != nil {
		return nil, err
	}
	var v any
	if err := cborDecMode.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("invalid CBOR: %w", err)
	}
	if _, ok := v.(map[string]any); !ok {
		return nil, fmt.Errorf("CBOR payload is not a map")
	}
	return json.Marshal(v)
}

// frameDecoder reads fixed-offset fields. Each channel with a data type
// becomes a key named after its metric code.
type frameDecoder struct{}

func (frameDecoder) Decode(payload []byte, def core.MappingDefinition) ([]byte, error) {
	data, err := binaryBody(payload, def.Binary)
	if err != nil {
		return nil, err
	}

	var order binary.ByteOrder = binary.BigEndian
	if strings.EqualFold(def.Binary.ByteOrder, "little") || strings.EqualFold(def.Binary.ByteOrder, "little_endian") {
		order = binary.LittleEndian
	}

	doc := make(map[string]any, len(def.Channels))
	for _, ch := range def.Channels {
		if ch.DataType == "" {
			continue
		}
		v, ok, err := readField(data, ch.ByteOffset, ch.DataType, order)
		if err != nil {
			return nil, fmt.Errorf("channel %s: %w", ch.MetricCode, err)
		}
		if ok {
			doc[ch.MetricCode] = v
		}
	}
	return json.Marshal(doc)
}

// readField returns ok=false when the frame is too short for the field.
func readField(data []byte, offset int, dataType string, order binary.ByteOrder) (float64, bool, error) {
	size := fieldSize(dataType)
	if size == 0 {
		return 0, false, fmt.Errorf("unsupported data type %q", dataType)
	}
	if offset < 0 || offset+size > len(data) {
		return 0, false, nil
	}
	b := data[offset : offset+size]

	switch strings.ToLower(dataType) {
	case "uint8", "u8":
		return float64(b[0]), true, nil
	case "int8", "i8":
		return float64(int8(b[0])), true, nil
	case "uint16", "u16":
		return float64(order.Uint16(b)), true, nil
	case "int16", "i16":
		return float64(int16(order.Uint16(b))), true, nil
	case "uint32", "u32":
		return float64(order.Uint32(b)), true, nil
	case "int32", "i32":
		return float64(int32(order.Uint32(b))), true, nil
	case "float32", "f32":
		return float64(math.Float32frombits(order.Uint32(b))), true, nil
	case "float64", "f64":
		return math.Float64frombits(order.Uint64(b)), true, nil
	}
	return 0, false, fmt.Errorf("unsupported data type %q", dataType)
}

func fieldSize(dataType string) int {
	switch strings.ToLower(dataType) {
	case "uint8", "u8", "int8", "i8":
		return 1
	case "uint16", "u16", "int16", "i16":
		return 2
	case "uint32", "u32", "int32", "i32", "float32", "f32":
		return 4
	case "float64", "f64":
		return 8
	}
	return 0
}

// binaryBody returns the bytes to decode, unwrapping a base64 field from a
// JSON envelope when the layout names one.
func binaryBody(payload []byte, layout *core.BinaryLayout) ([]byte, error) {
	if layout == nil || layout.PayloadPath == "" {
		return payload, nil
	}
	if !gjson.ValidBytes(payload) {
		return nil, fmt.Errorf("envelope is not JSON")
	}
	field := gjson.GetBytes(payload, layout.PayloadPath)
	if field.Type != gjson.String {
		return nil, fmt.Errorf("envelope field %s missing", layout.PayloadPath)
	}
	data, err := base64.StdEncoding.DecodeString(field.Str)
	if err != nil {
		return nil, fmt.Errorf("envelope field %s is not base64: %w", layout.PayloadPath, err)
	}
	return data, nil
}
