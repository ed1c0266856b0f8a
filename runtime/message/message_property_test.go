package message

import (
	"reflect"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// genMessage produces messages with JSON-faithful metadata (strings, floats,
// bools) so DeepEqual survives an encode/decode cycle.
func genMessage() gopter.Gen {
	roles := gen.OneConstOf(RoleUser, RoleAssistant, RoleSystem)
	return gopter.CombineGens(
		roles,
		gen.AlphaString(),
		gen.AlphaString(),
		gen.Float64Range(0, 1),
		gen.Bool(),
	).Map(func(vals []any) *Message {
		role := vals[0].(Role)
		opts := []Option{
			WithMetadata(map[string]any{
				"tag":        vals[2].(string),
				"importance": vals[3].(float64),
				"seen":       vals[4].(bool),
			}),
		}
		if role == RoleAssistant && vals[4].(bool) {
			opts = append(opts, WithToolCalls(ToolCall{
				ID:        "c-" + vals[2].(string),
				Name:      "get_value",
				Arguments: map[string]any{"key": vals[2].(string)},
			}))
		}
		return New(role, vals[1].(string), opts...)
	})
}

// genThread produces a message whose history is a causal chain of up to three
// ancestors built through Reply.
func genThread() gopter.Gen {
	return gopter.CombineGens(
		genMessage(),
		gen.IntRange(0, 3),
		gen.AlphaString(),
	).Map(func(vals []any) *Message {
		m := vals[0].(*Message)
		for i := 0; i < vals[1].(int); i++ {
			role := RoleAssistant
			if m.Role == RoleAssistant {
				role = RoleUser
			}
			m = m.Reply(role, vals[2].(string))
		}
		return m
	})
}

func snapshot(t *testing.T, m *Message) []byte {
	t.Helper()
	data, err := m.Encode(true)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return data
}

func TestDerivationNeverMutatesOriginal(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("reply leaves the receiver field-equal to its prior state", prop.ForAll(
		func(m *Message, content string) bool {
			before := snapshot(t, m)
			_ = m.Reply(RoleAssistant, content)
			return string(before) == string(snapshot(t, m))
		},
		genThread(),
		gen.AlphaString(),
	))

	properties.Property("content and metadata derivation leave the receiver untouched", prop.ForAll(
		func(m *Message, content, key string) bool {
			before := snapshot(t, m)
			_ = m.WithContent(content)
			_ = m.WithAppendedMetadata(map[string]any{key: content})
			return string(before) == string(snapshot(t, m))
		},
		genThread(),
		gen.AlphaString(),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}

func TestHistoryMonotonicity(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("derived history is a strict prefix extension", prop.ForAll(
		func(m *Message, content string) bool {
			derived := m.Reply(RoleAssistant, content)
			if len(derived.History) != len(m.History)+1 {
				return false
			}
			for i := range m.History {
				if derived.History[i] != m.History[i] {
					return false
				}
			}
			return derived.History[len(derived.History)-1] == m
		},
		genThread(),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}

func TestSerializationRoundTrip(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("decode(encode(m, include_history)) equals m with full history", prop.ForAll(
		func(m *Message) bool {
			data, err := m.Encode(true)
			if err != nil {
				return false
			}
			decoded, err := Decode(data)
			if err != nil {
				return false
			}
			return reflect.DeepEqual(m, decoded)
		},
		genThread(),
	))

	properties.TestingRun(t)
}
