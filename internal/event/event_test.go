package event

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidateEventDataType(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		r := require.New(t)

		r.NoError(ValidateEventDataType(nil))
		r.NoError(ValidateEventDataType(map[string]any{}))
		r.NoError(ValidateEventDataType(struct{}{}))

		val := struct{}{}
		r.NoError(ValidateEventDataType(&val))
	})

	t.Run("invalid", func(t *testing.T) {
		r := require.New(t)

		r.Error(ValidateEventDataType(1))

		val := 1
		r.Error(ValidateEventDataType(&val))

		r.Error(ValidateEventDataType(func() {}))
		r.Error(ValidateEventDataType("hi"))
		r.Error(ValidateEventDataType(true))
		r.Error(ValidateEventDataType([]map[string]any{}))
		r.Error(ValidateEventDataType([]struct{}{}))
	})
}

func TestValidate(t *testing.T) {
	r := require.New(t)

	e := &Event{}
	r.Error(e.Validate())

	e = &Event{Name: "test/event"}
	r.NoError(e.Validate())
	r.NotEmpty(e.ID)
	r.NotZero(e.Timestamp)
	r.NotNil(e.Data)

	ts := e.Timestamp
	id := e.ID
	r.NoError(e.Validate())
	r.Equal(ts, e.Timestamp)
	r.Equal(id, e.ID)
}

func TestMap(t *testing.T) {
	r := require.New(t)

	e := Event{Name: "test/event", Timestamp: 123, Data: map[string]any{"a": 1}}
	m := e.Map()
	r.Equal("test/event", m["name"])
	r.Equal(float64(123), m["ts"])
	r.Equal(map[string]any{"a": 1}, m["data"])
	r.NotContains(m, "user")
}
