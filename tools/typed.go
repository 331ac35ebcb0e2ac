package tools

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/invopop/jsonschema"
	"github.com/m4xw311/agentloop/errors"
)

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func inputValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// GenerateSchema derives the JSON schema of T, inlined and closed to
// additional properties.
func GenerateSchema[T any]() map[string]any {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}
	var v T
	schema := reflector.Reflect(v)

	data, err := json.Marshal(schema)
	if err != nil {
		panic(errors.Wrapf(err, "cannot marshal schema for %T", v))
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		panic(errors.Wrapf(err, "cannot decode schema for %T", v))
	}
	delete(out, "$schema")
	delete(out, "$id")
	return out
}

// Typed is a tool whose input is decoded into T and checked against the
// `validate` struct tags of T before the handler runs.
type Typed[T any] struct {
	name    string
	desc    string
	schema  map[string]any
	handler func(ctx context.Context, in T) (Result, error)
}

func NewTyped[T any](name, description string, handler func(ctx context.Context, in T) (Result, error)) *Typed[T] {
	return &Typed[T]{
		name:    name,
		desc:    description,
		schema:  GenerateSchema[T](),
		handler: handler,
	}
}

func (t *Typed[T]) Name() string                { return t.name }
func (t *Typed[T]) Description() string         { return t.desc }
func (t *Typed[T]) InputSchema() map[string]any { return t.schema }

func (t *Typed[T]) decode(input json.RawMessage) (T, error) {
	var in T
	if len(input) == 0 {
		input = json.RawMessage("{}")
	}
	if err := json.Unmarshal(input, &in); err != nil {
		return in, errors.Wrapf(err, "cannot decode input")
	}
	return in, nil
}

func (t *Typed[T]) Validate(input json.RawMessage) error {
	in, err := t.decode(input)
	if err != nil {
		return err
	}
	if err := inputValidator().Struct(in); err != nil {
		var invalid *validator.InvalidValidationError
		if errors.As(err, &invalid) {
			// T is not a struct; there is nothing to validate.
			return nil
		}
		return err
	}
	return nil
}

func (t *Typed[T]) Execute(ctx context.Context, input json.RawMessage) (Result, error) {
	in, err := t.decode(input)
	if err != nil {
		return Result{}, err
	}
	return t.handler(ctx, in)
}
