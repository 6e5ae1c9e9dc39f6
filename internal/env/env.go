// Package env loads configuration structs from environment variables.
//
// Fields opt in with an `env:"VAR_NAME"` tag and may carry a
// `default:"value"` tag applied when the variable is unset. Nested structs
// are walked recursively; any struct implementing Validator is validated
// after its fields are populated.
package env

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"time"
)

// Validator is implemented by config structs that need validation.
type Validator interface {
	Validate() error
}

// InvalidValueError reports an environment value that could not be parsed
// into its target field.
type InvalidValueError struct {
	Field  string
	EnvVar string
	Value  string
	Err    error
}

func (e InvalidValueError) Error() string {
	return fmt.Sprintf("invalid value for %s=%q (field: %s): %v", e.EnvVar, e.Value, e.Field, e.Err)
}

func (e InvalidValueError) Unwrap() error { return e.Err }

// Load populates v (a pointer to struct) from the environment.
//
// Supported field types: string, bool, int kinds, time.Duration.
// Unset variables fall back to the `default` tag, else the zero value.
func Load(v any) error {
	ptr := reflect.ValueOf(v)
	if ptr.Kind() != reflect.Pointer || ptr.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("env.Load: argument must be a pointer to struct, got %T", v)
	}

	if err := loadStruct(ptr.Elem()); err != nil {
		return err
	}

	if validator, ok := v.(Validator); ok {
		return validator.Validate()
	}
	return nil
}

func loadStruct(val reflect.Value) error {
	typ := val.Type()

	for i := range val.NumField() {
		field := val.Field(i)
		sf := typ.Field(i)

		if !field.CanSet() {
			continue
		}

		// Recurse into nested structs; time.Time has no env representation.
		if field.Kind() == reflect.Struct && field.Type() != reflect.TypeOf(time.Time{}) {
			if err := loadStruct(field); err != nil {
				return err
			}
			if field.CanAddr() {
				if validator, ok := field.Addr().Interface().(Validator); ok {
					if err := validator.Validate(); err != nil {
						return err
					}
				}
			}
			continue
		}

		key := sf.Tag.Get("env")
		if key == "" {
			continue
		}

		raw, ok := os.LookupEnv(key)
		if !ok {
			raw, ok = sf.Tag.Lookup("default")
			if !ok {
				continue
			}
		}

		if err := setField(field, raw); err != nil {
			return InvalidValueError{Field: sf.Name, EnvVar: key, Value: raw, Err: err}
		}
	}

	return nil
}

func setField(field reflect.Value, value string) error {
	// time.Duration before the generic int kinds: it parses "30s", not "30".
	if field.Type() == reflect.TypeOf(time.Duration(0)) {
		d, err := time.ParseDuration(value)
		if err != nil {
			return err
		}
		field.SetInt(int64(d))
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(value, 10, field.Type().Bits())
		if err != nil {
			return err
		}
		field.SetInt(n)
	default:
		return fmt.Errorf("unsupported type: %s", field.Kind())
	}
	return nil
}
