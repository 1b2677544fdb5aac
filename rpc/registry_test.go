package rpc

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func upperCodec() TypeCodec {
	return TypeCodec{
		Marshal: func(v any) (json.RawMessage, error) {
			return json.Marshal(strings.ToUpper(v.(string)))
		},
		Unmarshal: func(raw json.RawMessage) (any, error) {
			var s string
			if err := json.Unmarshal(raw, &s); err != nil {
				return nil, err
			}
			return strings.ToLower(s), nil
		},
	}
}

func TestRegistryDuplicate(t *testing.T) {
	r := NewTypeRegistry(testSchema(t))
	require.NoError(t, r.Register("shout", upperCodec()))
	err := r.Register("shout", upperCodec())
	require.ErrorIs(t, err, ErrDuplicateTypeRegistration)
}

func TestRegistryAliasForwarding(t *testing.T) {
	s := testSchema(t)
	r := NewTypeRegistry(s)
	require.NoError(t, r.Register("string", upperCodec()))

	// the path alias forwards to the string codec
	raw, err := r.marshalValue("path", "src/main.go")
	require.NoError(t, err)
	assert.JSONEq(t, `"SRC/MAIN.GO"`, string(raw))
}

func TestRegistryRoundTrip(t *testing.T) {
	r := NewTypeRegistry(testSchema(t))
	require.NoError(t, r.Register("shout", upperCodec()))

	raw, err := r.marshalValue("shout", "hello")
	require.NoError(t, err)
	v, err := r.unmarshalValue("shout", raw)
	require.NoError(t, err)
	assert.Equal(t, "hello", v)
}

func TestRegistryPassThrough(t *testing.T) {
	r := NewTypeRegistry(testSchema(t))
	raw, err := r.marshalValue("number", 5)
	require.NoError(t, err)
	assert.JSONEq(t, `5`, string(raw))

	v, err := r.unmarshalValue("number", raw)
	require.NoError(t, err)
	assert.Equal(t, float64(5), v)
}

func TestRegistryArgs(t *testing.T) {
	r := NewTypeRegistry(testSchema(t))

	raw, err := r.marshalArgs([]string{"number", "string"}, []any{1, "x"})
	require.NoError(t, err)
	require.Len(t, raw, 2)

	_, err = r.marshalArgs([]string{"number"}, []any{1, 2})
	require.Error(t, err)

	args, err := r.unmarshalArgs([]string{"number", "string"}, raw)
	require.NoError(t, err)
	assert.Equal(t, []any{float64(1), "x"}, args)

	_, err = r.unmarshalArgs([]string{"number"}, raw)
	require.Error(t, err)
}
