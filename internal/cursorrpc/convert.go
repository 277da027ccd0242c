package cursorrpc

import (
	"fmt"
	"math"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"pkt.systems/cursorwin/schema"
)

// toStruct encodes a row. Values the protobuf Value type cannot carry are
// sent as strings.
func toStruct(row schema.Row) (*structpb.Struct, error) {
	fields := make(map[string]any, len(row))
	for k, v := range row {
		fields[k] = wireValue(v)
	}
	return structpb.NewStruct(fields)
}

func wireValue(v any) any {
	switch val := v.(type) {
	case nil, bool, string, []byte,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return val
	case time.Time:
		return val.UTC().Format(time.RFC3339Nano)
	case fmt.Stringer:
		return val.String()
	default:
		return fmt.Sprint(val)
	}
}

// fromStruct decodes a row. Integral numbers come back as int64 so key
// columns keep their integer type across the wire.
func fromStruct(s *structpb.Struct) schema.Row {
	if s == nil {
		return nil
	}
	row := make(schema.Row, len(s.GetFields()))
	for k, v := range s.GetFields() {
		row[k] = fromValue(v)
	}
	return row
}

func fromValue(v *structpb.Value) any {
	switch kind := v.GetKind().(type) {
	case *structpb.Value_NumberValue:
		n := kind.NumberValue
		if n == math.Trunc(n) && math.Abs(n) < 1<<53 {
			return int64(n)
		}
		return n
	case *structpb.Value_StringValue:
		return kind.StringValue
	case *structpb.Value_BoolValue:
		return kind.BoolValue
	case *structpb.Value_StructValue:
		return map[string]any(fromStruct(kind.StructValue))
	case *structpb.Value_ListValue:
		values := kind.ListValue.GetValues()
		out := make([]any, len(values))
		for i, item := range values {
			out[i] = fromValue(item)
		}
		return out
	default:
		return nil
	}
}

// positionReply reports where a positioning call left the cursor.
type positionReply struct {
	OK  bool
	BOF bool
	EOF bool
}

func (p positionReply) encode() *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"ok":  structpb.NewBoolValue(p.OK),
		"bof": structpb.NewBoolValue(p.BOF),
		"eof": structpb.NewBoolValue(p.EOF),
	}}
}

func decodePosition(s *structpb.Struct) positionReply {
	fields := s.GetFields()
	return positionReply{
		OK:  fields["ok"].GetBoolValue(),
		BOF: fields["bof"].GetBoolValue(),
		EOF: fields["eof"].GetBoolValue(),
	}
}

func structField(s *structpb.Struct, name string) *structpb.Struct {
	return s.GetFields()[name].GetStructValue()
}

func stringField(s *structpb.Struct, name string) string {
	return s.GetFields()[name].GetStringValue()
}

func boolField(s *structpb.Struct, name string) bool {
	return s.GetFields()[name].GetBoolValue()
}
