package proxylite

import (
	"bytes"
	"fmt"
	"reflect"

	"github.com/stephenfire/go-rtl"
)

// Arguments and results cross the wire as one payload blob: each value is
// rtl-encoded on its own, and the resulting [][]byte is rtl-encoded again
// so the receiver can split it without knowing the types up front.

func encodeValues(values []interface{}) ([]byte, error) {
	encoded := make([][]byte, 0, len(values))
	for _, value := range values {
		if value != nil && reflect.TypeOf(value).Kind() == reflect.Ptr {
			value = reflect.ValueOf(value).Elem().Interface()
		}
		buf := new(bytes.Buffer)
		if err := rtl.Encode(value, buf); err != nil {
			return nil, fmt.Errorf("proxylite: encoding value: %w", err)
		}
		encoded = append(encoded, buf.Bytes())
	}

	payload := new(bytes.Buffer)
	if err := rtl.Encode(encoded, payload); err != nil {
		return nil, fmt.Errorf("proxylite: encoding payload: %w", err)
	}
	return payload.Bytes(), nil
}

func decodePayload(payload []byte) ([][]byte, error) {
	if len(payload) == 0 {
		return nil, nil
	}
	var encoded [][]byte
	if err := rtl.Decode(bytes.NewBuffer(payload), &encoded); err != nil {
		return nil, fmt.Errorf("proxylite: decoding payload: %w", err)
	}
	return encoded, nil
}

// decodeValues rebuilds typed values from a payload using the reflected
// parameter types of the registered handler.
func decodeValues(payload []byte, paramTypes []reflect.Type) ([]reflect.Value, error) {
	encoded, err := decodePayload(payload)
	if err != nil {
		return nil, err
	}
	if len(encoded) != len(paramTypes) {
		return nil, fmt.Errorf("proxylite: payload carries %d values, handler expects %d", len(encoded), len(paramTypes))
	}

	values := make([]reflect.Value, 0, len(paramTypes))
	for i, paramType := range paramTypes {
		target := reflect.New(paramType)
		if err := rtl.Decode(bytes.NewBuffer(encoded[i]), target.Interface()); err != nil {
			return nil, fmt.Errorf("proxylite: decoding value %d: %w", i, err)
		}
		values = append(values, target.Elem())
	}
	return values, nil
}

// decodeInto fills caller-provided output pointers from a payload, in
// order. Extra outputs stay zero when the payload is shorter.
func decodeInto(payload []byte, outs ...interface{}) error {
	if len(outs) == 0 {
		return nil
	}
	encoded, err := decodePayload(payload)
	if err != nil {
		return err
	}
	for i, out := range outs {
		if i >= len(encoded) {
			break
		}
		if out == nil {
			continue
		}
		if reflect.TypeOf(out).Kind() != reflect.Ptr {
			return fmt.Errorf("proxylite: output %d must be a pointer", i)
		}
		if err := rtl.Decode(bytes.NewBuffer(encoded[i]), out); err != nil {
			return fmt.Errorf("proxylite: decoding output %d: %w", i, err)
		}
	}
	return nil
}

// callHandler invokes a registered handler with its typed arguments and
// re-encodes whatever it returns.
func callHandler(info HandlerInfo, handlerContext reflect.Value, payload []byte) ([]byte, error) {
	args, err := decodeValues(payload, info.ParamTypes)
	if err != nil {
		return nil, err
	}

	values := append([]reflect.Value{handlerContext}, args...)
	returned := reflect.ValueOf(info.Handler).Call(values)

	if errValue := returned[len(returned)-1]; !errValue.IsNil() {
		return nil, errValue.Interface().(error)
	}

	results := make([]interface{}, 0, len(returned)-1)
	for i := 0; i < len(returned)-1; i++ {
		results = append(results, returned[i].Interface())
	}
	if len(results) == 0 {
		return nil, nil
	}
	return encodeValues(results)
}
