package jsonrpc

import (
	"encoding/json"
	"errors"
	"reflect"
	"testing"
)

func TestUnmarshalKinds(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   string
		kind Kind
	}{
		{"request", `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`, KindRequest},
		{"notification", `{"jsonrpc":"2.0","method":"notifications/initialized"}`, KindNotification},
		{"result", `{"jsonrpc":"2.0","id":"a","result":{}}`, KindResponse},
		{"error null id", `{"jsonrpc":"2.0","id":null,"error":{"code":-32700,"message":"parse"}}`, KindResponse},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var m AnyMessage
			if err := json.Unmarshal([]byte(tc.in), &m); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if m.Kind() != tc.kind {
				t.Fatalf("kind = %s, want %s", m.Kind(), tc.kind)
			}
		})
	}
}

func TestUnmarshalRejects(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   string
		want error
	}{
		{"version", `{"jsonrpc":"1.0","id":1,"method":"x"}`, ErrInvalidVersion},
		{"request with result", `{"jsonrpc":"2.0","id":1,"method":"x","result":1}`, ErrMixedFields},
		{"both", `{"jsonrpc":"2.0","id":1,"result":1,"error":{"code":1,"message":"m"}}`, ErrResultAndError},
		{"neither", `{"jsonrpc":"2.0","id":1}`, ErrNoResultOrError},
		{"empty", `{"jsonrpc":"2.0"}`, ErrMissingMethod},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var m AnyMessage
			err := json.Unmarshal([]byte(tc.in), &m)
			if !errors.Is(err, tc.want) {
				t.Fatalf("err = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestRequestRoundTrip(t *testing.T) {
	t.Parallel()

	in := `{"jsonrpc":"2.0","id":42,"method":"tools/call","params":{"name":"echo","arguments":{"text":"hi","n":[1,2.5,null]}}}`
	var m AnyMessage
	if err := json.Unmarshal([]byte(in), &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	out, err := json.Marshal(&m)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var a, b any
	if err := json.Unmarshal([]byte(in), &a); err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal(out, &b); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(a, b) {
		t.Fatalf("round trip mismatch:\n in=%s\nout=%s", in, out)
	}
	if _, ok := m.ID.Value().(int64); !ok {
		t.Fatalf("integer id should decode as int64, got %T", m.ID.Value())
	}
}

func TestErrorResponseKeepsNullID(t *testing.T) {
	t.Parallel()

	m := NewErrorResponse(nil, ErrorCodeParseError, "parse error", nil).Message()
	b, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var obj map[string]any
	if err := json.Unmarshal(b, &obj); err != nil {
		t.Fatal(err)
	}
	if v, ok := obj["id"]; !ok || v != nil {
		t.Fatalf("expected id:null, got %s", b)
	}
}

func TestValidateErrorCodes(t *testing.T) {
	t.Parallel()

	id := NewRequestID(1)
	cases := []struct {
		code ErrorCode
		ok   bool
	}{
		{ErrorCodeInvalidParams, true},
		{ErrorCodeUpstreamTimeout, true},
		{-32050, true},
		{-32100, false},
		{-32768, false},
		{-1, true},
		{1000, true},
	}
	for _, tc := range cases {
		m := NewErrorResponse(id, tc.code, "x", nil).Message()
		err := m.Validate()
		if (err == nil) != tc.ok {
			t.Fatalf("code %d: err=%v want ok=%v", tc.code, err, tc.ok)
		}
		if err != nil && !errors.Is(err, ErrReservedCode) {
			t.Fatalf("code %d: unexpected error %v", tc.code, err)
		}
	}
}

func TestParseBatch(t *testing.T) {
	t.Parallel()

	msgs, err := ParseBatch([]byte(` [{"jsonrpc":"2.0","id":1,"method":"a"},{"jsonrpc":"2.0","method":"b"}]`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Kind() != KindRequest || msgs[1].Kind() != KindNotification {
		t.Fatalf("unexpected batch: %+v", msgs)
	}
	if _, err := ParseBatch([]byte(`[]`)); !errors.Is(err, ErrEmptyBatch) {
		t.Fatalf("expected ErrEmptyBatch, got %v", err)
	}
	if _, err := ParseBatch([]byte(`[{"jsonrpc":"2.0","id":1}]`)); err == nil {
		t.Fatalf("expected invalid element to fail")
	}
	if !IsBatch([]byte("\n [1]")) || IsBatch([]byte(`{"a":1}`)) {
		t.Fatalf("IsBatch misdetects")
	}
}

func TestRequestIDEqual(t *testing.T) {
	t.Parallel()

	var a, b RequestID
	if err := json.Unmarshal([]byte(`7`), &a); err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal([]byte(`"7"`), &b); err != nil {
		t.Fatal(err)
	}
	if a.Equal(&b) {
		t.Fatalf("numeric and string ids must differ")
	}
	if !a.Equal(NewRequestID(7)) {
		t.Fatalf("expected numeric ids to match")
	}
	if a.String() != b.String() {
		t.Fatalf("string forms should coincide: %q vs %q", a.String(), b.String())
	}
}
