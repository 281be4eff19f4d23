package envelope

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func f64(v float64) *float64 { return &v }

func TestCanonicalize_KeyOrderIndependent(t *testing.T) {
	a := map[string]any{"b": 2, "a": 1, "c": map[string]any{"y": true, "x": "v"}}
	b := map[string]any{"c": map[string]any{"x": "v", "y": true}, "a": 1, "b": 2}

	ca, err := Canonicalize(a)
	if err != nil {
		t.Fatalf("canonicalize a: %v", err)
	}
	cb, err := Canonicalize(b)
	if err != nil {
		t.Fatalf("canonicalize b: %v", err)
	}

	if string(ca) != string(cb) {
		t.Errorf("canonical forms differ:\n%s\n%s", ca, cb)
	}

	want := `{"a":1,"b":2,"c":{"x":"v","y":true}}`
	if string(ca) != want {
		t.Errorf("canonical = %s, want %s", ca, want)
	}
}

func TestCanonicalize_ArraysKeepOrder(t *testing.T) {
	v := map[string]any{"items": []any{3, 1, 2}}

	c, err := Canonicalize(v)
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}

	if string(c) != `{"items":[3,1,2]}` {
		t.Errorf("canonical = %s", c)
	}
}

func TestHashPayload_Deterministic(t *testing.T) {
	p := Payload{Kind: KindHelp, Note: "trapped", People: 2, Priority: PriorityHigh, Lat: f64(39.92), Lon: f64(32.85)}

	h1, err := HashPayload(p)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}

	// A payload that round-tripped through JSON (different internal key
	// order is impossible for structs, so scramble via a map).
	raw, _ := json.Marshal(p)
	var m map[string]any
	_ = json.Unmarshal(raw, &m)

	var p2 Payload
	raw2, _ := json.Marshal(m)
	_ = json.Unmarshal(raw2, &p2)

	h2, err := HashPayload(p2)
	if err != nil {
		t.Fatalf("hash round-tripped: %v", err)
	}

	if h1 != h2 {
		t.Errorf("hash changed across round-trip: %s != %s", h1, h2)
	}

	if len(h1) != 64 {
		t.Errorf("hash length = %d, want 64 hex chars", len(h1))
	}
}

func TestHashPayload_IgnoresEmbeddedHash(t *testing.T) {
	p := Payload{Note: "ok", People: 1}

	h1, err := HashPayload(p)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}

	p.Hash = h1
	h2, err := HashPayload(p)
	if err != nil {
		t.Fatalf("hash with embedded: %v", err)
	}

	if h1 != h2 {
		t.Errorf("embedded hash leaked into digest: %s != %s", h1, h2)
	}
}

func TestMakeEnvelope_IdentityStability(t *testing.T) {
	p := Payload{Kind: KindHelp, Note: "trapped", People: 2, Priority: PriorityHigh, Lat: f64(39.92), Lon: f64(32.85)}

	env, err := MakeEnvelope(p)
	if err != nil {
		t.Fatalf("make envelope: %v", err)
	}

	if env.Hash != env.Payload.Hash {
		t.Errorf("envelope hash %s != payload hash %s", env.Hash, env.Payload.Hash)
	}

	if len(env.Hash) != 64 {
		t.Errorf("hash length = %d, want 64", len(env.Hash))
	}

	if !strings.EqualFold(env.Kind, KindHelp) {
		t.Errorf("kind = %q, want %q", env.Kind, KindHelp)
	}

	if !Verify(env) {
		t.Error("freshly made envelope should verify")
	}
}

func TestMakeEnvelope_NormalizesDefaults(t *testing.T) {
	env, err := MakeEnvelope(Payload{})
	if err != nil {
		t.Fatalf("make envelope: %v", err)
	}

	p := env.Payload
	if p.Kind != KindHelp || p.People != 1 || p.Priority != PriorityMed {
		t.Errorf("defaults not applied: %+v", p)
	}
	if p.Lat != nil || p.Lon != nil {
		t.Errorf("coordinates should default to null, got %v %v", p.Lat, p.Lon)
	}

	// Same semantics, different zero-value spellings, same identity.
	env2, err := MakeEnvelope(Payload{People: 1, Priority: PriorityMed, Kind: KindHelp})
	if err != nil {
		t.Fatalf("make envelope: %v", err)
	}
	if env.Hash != env2.Hash {
		t.Errorf("normalized payloads should hash equal: %s != %s", env.Hash, env2.Hash)
	}
}

func TestVerify_DetectsTamper(t *testing.T) {
	env, err := MakeEnvelope(Payload{Note: "help"})
	if err != nil {
		t.Fatalf("make envelope: %v", err)
	}

	env.Payload.Note = "altered"
	if Verify(env) {
		t.Error("tampered envelope should not verify")
	}
}

func TestBatch_RoundTrip(t *testing.T) {
	e1, _ := MakeEnvelope(Payload{Note: "one"})
	e2, _ := MakeEnvelope(Payload{Note: "two"})

	data, err := EncodeBatch([]Envelope{e1, e2})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	items, err := DecodeBatch(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if len(items) != 2 {
		t.Fatalf("got %d items, want 2", len(items))
	}
	if items[0].Hash != e1.Hash || items[1].Hash != e2.Hash {
		t.Error("hashes did not survive round-trip")
	}
}

func TestDecodeBatch_Malformed(t *testing.T) {
	cases := []struct {
		name string
		data string
	}{
		{"not json", `{{{`},
		{"wrong version", `{"v":2,"c":0,"items":[]}`},
		{"missing items", `{"v":1,"c":0}`},
		{"item without hash", `{"v":1,"c":1,"items":[{"t":"help","createdAt":1}]}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := DecodeBatch([]byte(tc.data))
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Errorf("err = %v, want ValidationError", err)
			}
		})
	}
}
