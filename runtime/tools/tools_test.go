package tools

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/loom/runtime/fault"
)

func echoHandler(_ context.Context, args map[string]any) (any, error) {
	return args, nil
}

func weatherSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"city": map[string]any{"type": "string"},
			"days": map[string]any{"type": "integer", "minimum": 1},
		},
		"required":             []any{"city"},
		"additionalProperties": false,
	}
}

func TestRegisterAndLookup(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(Descriptor{
		Name:        "get_weather",
		Description: "Current weather for a city.",
		Schema:      weatherSchema(),
		Handler:     echoHandler,
	}))

	tool, ok := reg.Lookup("get_weather")
	require.True(t, ok)
	assert.Equal(t, "get_weather", tool.Name())
	assert.Equal(t, "Current weather for a city.", tool.Description())
	assert.True(t, tool.ReadOnly(), "get_ prefix derives read-only")

	_, ok = reg.Lookup("missing")
	assert.False(t, ok)
	assert.Equal(t, 1, reg.Len())
}

func TestRegisterRejectsInvalidDescriptors(t *testing.T) {
	reg := NewRegistry()
	assert.Error(t, reg.Register(Descriptor{Handler: echoHandler}), "name required")
	assert.Error(t, reg.Register(Descriptor{Name: "run"}), "handler required")

	require.NoError(t, reg.Register(Descriptor{Name: "run", Handler: echoHandler}))
	assert.Error(t, reg.Register(Descriptor{Name: "run", Handler: echoHandler}), "duplicate name")
}

func TestRegisterRejectsMalformedSchema(t *testing.T) {
	reg := NewRegistry()
	err := reg.Register(Descriptor{
		Name:    "broken",
		Schema:  map[string]any{"type": 42},
		Handler: echoHandler,
	})
	require.Error(t, err)
}

func TestReadOnlyClassification(t *testing.T) {
	assert.True(t, DeriveReadOnly("get_user"))
	assert.True(t, DeriveReadOnly("list_files"))
	assert.True(t, DeriveReadOnly("read_config"))
	assert.False(t, DeriveReadOnly("write_file"))
	assert.False(t, DeriveReadOnly("getuser"), "prefix requires the underscore")

	reg := NewRegistry()
	declared := false
	require.NoError(t, reg.Register(Descriptor{
		Name:     "get_lock",
		ReadOnly: &declared,
		Handler:  echoHandler,
	}))
	tool, _ := reg.Lookup("get_lock")
	assert.False(t, tool.ReadOnly(), "explicit declaration beats the heuristic")

	writeRO := true
	require.NoError(t, reg.Register(Descriptor{
		Name:     "check_status",
		ReadOnly: &writeRO,
		Handler:  echoHandler,
	}))
	tool, _ = reg.Lookup("check_status")
	assert.True(t, tool.ReadOnly())
}

func TestFreezeClosesRegistration(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(Descriptor{Name: "get_a", Handler: echoHandler}))
	require.NoError(t, reg.Register(Descriptor{Name: "send_b", Handler: echoHandler}))

	assert.False(t, reg.Frozen())
	reg.Freeze()
	reg.Freeze() // idempotent
	assert.True(t, reg.Frozen())

	assert.Error(t, reg.Register(Descriptor{Name: "late", Handler: echoHandler}))

	tool, ok := reg.Lookup("get_a")
	require.True(t, ok)
	assert.Equal(t, "get_a", tool.Name())

	all := reg.Tools()
	require.Len(t, all, 2)
	assert.Equal(t, "get_a", all[0].Name(), "registration order preserved")
	assert.Equal(t, "send_b", all[1].Name())
}

func TestValidateAgainstSchema(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(Descriptor{
		Name:    "get_weather",
		Schema:  weatherSchema(),
		Handler: echoHandler,
	}))
	tool, _ := reg.Lookup("get_weather")

	assert.NoError(t, tool.Validate(map[string]any{"city": "Paris"}))
	assert.NoError(t, tool.Validate(map[string]any{"city": "Paris", "days": 3}),
		"Go ints normalize to JSON numbers before validation")

	err := tool.Validate(map[string]any{"days": 3})
	require.Error(t, err, "missing required field")
	assert.Equal(t, fault.BadArguments, fault.KindOf(err))

	err = tool.Validate(map[string]any{"city": 7})
	require.Error(t, err, "wrong type")
	assert.Equal(t, fault.BadArguments, fault.KindOf(err))

	err = tool.Validate(map[string]any{"city": "Paris", "extra": true})
	require.Error(t, err, "additional properties rejected")
}

func TestValidateWithoutSchemaAcceptsAnything(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(Descriptor{Name: "free_form", Handler: echoHandler}))
	tool, _ := reg.Lookup("free_form")
	assert.NoError(t, tool.Validate(nil))
	assert.NoError(t, tool.Validate(map[string]any{"anything": []int{1, 2}}))
}

func TestSchemaReturnsCopy(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(Descriptor{
		Name:    "get_weather",
		Schema:  weatherSchema(),
		Handler: echoHandler,
	}))
	tool, _ := reg.Lookup("get_weather")

	first := tool.Schema()
	require.NotNil(t, first)
	first["type"] = "tampered"

	second := tool.Schema()
	assert.Equal(t, "object", second["type"])
}

func TestToolTimeoutOverride(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(Descriptor{
		Name:    "slow_sync",
		Timeout: 5 * time.Minute,
		Handler: echoHandler,
	}))
	tool, _ := reg.Lookup("slow_sync")
	assert.Equal(t, 5*time.Minute, tool.Timeout())
}

func TestFailedResultHelper(t *testing.T) {
	res := Failed("call_9", "send_email", fault.Timeout, "deadline elapsed")
	assert.False(t, res.OK)
	assert.Equal(t, "call_9", res.CallID)
	require.NotNil(t, res.Error)
	assert.Equal(t, fault.Timeout, res.Error.Kind)
	assert.Equal(t, "timeout: deadline elapsed", res.Error.Error())
}
