package api

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// toStruct converts v through its JSON form, so the struct carries the
// same camelCase field names as the wire format.
func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(data, out); err != nil {
		return nil, err
	}
	return out, nil
}

// FromStruct decodes a Struct produced by the service into v.
func FromStruct(s *structpb.Struct, v any) error {
	data, err := protojson.Marshal(s)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func stringField(s *structpb.Struct, key string) string {
	return s.GetFields()[key].GetStringValue()
}

func boolField(s *structpb.Struct, key string) bool {
	return s.GetFields()[key].GetBoolValue()
}

// payloadValue renders a bus payload for an event envelope.
func payloadValue(p any) any {
	switch v := p.(type) {
	case nil:
		return nil
	case string:
		return v
	case error:
		return v.Error()
	}
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Sprint(p)
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return string(data)
	}
	return out
}
