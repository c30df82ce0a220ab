package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"testing"
)

func TestDispatcher_UnknownMethod(t *testing.T) {
	d := NewDispatcher()

	_, err := d.Dispatch(context.Background(), "no_such_method", nil)
	if err == nil {
		t.Fatal("expected an error for an unregistered method")
	}
	var gwErr *Error
	if !errors.As(err, &gwErr) {
		t.Fatalf("expected *Error, got %T", err)
	}
	if gwErr.Code != CodeMethodNotFound {
		t.Fatalf("code = %d, want %d", gwErr.Code, CodeMethodNotFound)
	}
}

func TestDispatcher_ValidatedParams(t *testing.T) {
	d := NewDispatcher()
	called := false
	schema := `{
		"type": "object",
		"properties": {"name": {"type": "string"}},
		"required": ["name"]
	}`
	err := d.RegisterValidated("greet", schema, func(_ context.Context, params json.RawMessage) (any, error) {
		called = true
		var p struct {
			Name string `json:"name"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
		return "hello " + p.Name, nil
	})
	if err != nil {
		t.Fatalf("RegisterValidated: %v", err)
	}

	_, err = d.Dispatch(context.Background(), "greet", json.RawMessage(`{}`))
	var gwErr *Error
	if !errors.As(err, &gwErr) || gwErr.Code != CodeInvalidParams {
		t.Fatalf("missing required param: got %v, want code %d", err, CodeInvalidParams)
	}
	if called {
		t.Fatal("handler ran despite failing validation")
	}

	result, err := d.Dispatch(context.Background(), "greet", json.RawMessage(`{"name":"ada"}`))
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if result != "hello ada" {
		t.Fatalf("result = %v, want hello ada", result)
	}
}

func TestDispatcher_NilParams(t *testing.T) {
	d := NewDispatcher()
	var got string
	d.Register("echo", func(_ context.Context, params json.RawMessage) (any, error) {
		got = string(params)
		return nil, nil
	})

	if _, err := d.Dispatch(context.Background(), "echo", nil); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if got != "{}" {
		t.Fatalf("handler saw params %q, want {}", got)
	}
}

func TestDispatcher_InternalErrorWrapped(t *testing.T) {
	d := NewDispatcher()
	d.Register("explode", func(context.Context, json.RawMessage) (any, error) {
		return nil, errors.New("store unavailable")
	})

	_, err := d.Dispatch(context.Background(), "explode", nil)
	var gwErr *Error
	if !errors.As(err, &gwErr) {
		t.Fatalf("expected *Error, got %T", err)
	}
	if gwErr.Code != CodeInternal {
		t.Fatalf("code = %d, want %d", gwErr.Code, CodeInternal)
	}
	if gwErr.Message != "store unavailable" {
		t.Fatalf("message = %q", gwErr.Message)
	}
}

func TestDispatcher_ErrorPassthrough(t *testing.T) {
	d := NewDispatcher()
	d.Register("strict", func(context.Context, json.RawMessage) (any, error) {
		return nil, NewError(CodeInvalidParams, "invalid at: not a timestamp")
	})

	_, err := d.Dispatch(context.Background(), "strict", nil)
	var gwErr *Error
	if !errors.As(err, &gwErr) {
		t.Fatalf("expected *Error, got %T", err)
	}
	if gwErr.Code != CodeInvalidParams || gwErr.Message != "invalid at: not a timestamp" {
		t.Fatalf("error altered in transit: %+v", gwErr)
	}
}

func TestDispatcher_MethodsSorted(t *testing.T) {
	d := NewDispatcher()
	noop := func(context.Context, json.RawMessage) (any, error) { return nil, nil }
	d.Register("charlie", noop)
	d.Register("alpha", noop)
	d.Register("bravo", noop)

	want := []string{"alpha", "bravo", "charlie"}
	if got := d.Methods(); !reflect.DeepEqual(got, want) {
		t.Fatalf("Methods() = %v, want %v", got, want)
	}
}

func TestDispatcher_BadSchemaRejected(t *testing.T) {
	d := NewDispatcher()
	err := d.RegisterValidated("broken", `{"type": 42}`, func(context.Context, json.RawMessage) (any, error) {
		return nil, nil
	})
	if err == nil {
		t.Fatal("expected a compile error for a malformed schema")
	}
}
