package idmefv2transport

import "maps"

// Message is an IDMEFv2 alert in the JSON data model: nested objects, arrays,
// strings, float64 numbers, booleans and nil. Transports treat it as opaque
// and never modify it.
type Message map[string]any

// ID returns the message's "ID" attribute, or an empty string.
func (m Message) ID() string {
	id, _ := m["ID"].(string)
	return id
}

// Version returns the message's "Version" attribute, or an empty string.
func (m Message) Version() string {
	v, _ := m["Version"].(string)
	return v
}

// Clone returns a deep copy of the message.
func (m Message) Clone() Message {
	if m == nil {
		return nil
	}
	return Message(cloneMap(m))
}

func cloneMap(src map[string]any) map[string]any {
	dst := maps.Clone(src)
	for k, v := range dst {
		dst[k] = cloneValue(v)
	}
	return dst
}

func cloneValue(v any) any {
	switch tv := v.(type) {
	case map[string]any:
		return cloneMap(tv)
	case Message:
		return Message(cloneMap(tv))
	case []any:
		out := make([]any, len(tv))
		for i, e := range tv {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}
