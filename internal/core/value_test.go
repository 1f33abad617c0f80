package core

import (
	"encoding/json"
	"testing"
)

func TestValueJSON(t *testing.T) {
	in := Fields{
		"result": StringValue("console cleared"),
		"load":   NumberValue(0.5),
		"none":   Absent,
	}
	raw, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out Fields
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for k, v := range in {
		got, ok := out[k]
		if !ok {
			t.Fatalf("key %s lost", k)
		}
		if !got.Equal(v) {
			t.Fatalf("key %s = %#v, want %#v", k, got, v)
		}
	}
}

func TestValueRejectsUnsupportedJSON(t *testing.T) {
	for _, raw := range []string{`{"a":1}`, `[1]`, `true`} {
		var v Value
		if err := json.Unmarshal([]byte(raw), &v); err == nil {
			t.Fatalf("expected error for %s", raw)
		}
	}
}

func TestValueString(t *testing.T) {
	if got := NumberValue(42).String(); got != "42" {
		t.Fatalf("number string = %q", got)
	}
	if got := Absent.String(); got != "" {
		t.Fatalf("absent string = %q", got)
	}
	if _, ok := StringValue("x").Num(); ok {
		t.Fatalf("string value must not report a number")
	}
}

func TestParamsKeepOrder(t *testing.T) {
	p, err := NewParams(Param{Name: "b", Value: StringValue("2")}, Param{Name: "a", Value: StringValue("1")})
	if err != nil {
		t.Fatalf("new params: %v", err)
	}
	names := p.Names()
	if len(names) != 2 || names[0] != "b" || names[1] != "a" {
		t.Fatalf("order lost: %v", names)
	}
	if v, ok := p.Get("a"); !ok || !v.Equal(StringValue("1")) {
		t.Fatalf("get a = %#v, %v", v, ok)
	}
}

func TestDatastoreSnapshotIsCopy(t *testing.T) {
	ds := NewDatastore(map[string]Value{"result": StringValue("x")})
	snap := ds.Snapshot()
	snap["result"] = StringValue("changed")
	if v, _ := ds.Get("result"); !v.Equal(StringValue("x")) {
		t.Fatalf("snapshot must not alias datastore")
	}
	ds.Delete("result")
	if _, ok := ds.Get("result"); ok {
		t.Fatalf("expected key to be deleted")
	}
}
