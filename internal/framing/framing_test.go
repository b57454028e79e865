package framing

import (
	"testing"
)

func TestParserRoundTripAcrossChunking(t *testing.T) {
	var got []map[string]interface{}
	p := NewParser(func(obj map[string]interface{}) {
		got = append(got, obj)
	})

	objs := []interface{}{
		map[string]interface{}{"type": "auth", "account": "alice"},
		map[string]interface{}{"type": "send_message", "to": "bob", "content": "hi"},
		map[string]interface{}{"n": float64(3)},
	}

	var all []byte
	for _, o := range objs {
		line, err := Encode(o)
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		all = append(all, line...)
	}
	all = append(all, []byte(`{"partial":`)...) // trailing partial bytes, no newline

	// Feed in arbitrary chunk sizes to prove re-assembly is chunk-independent.
	for i := 0; i < len(all); i += 7 {
		end := i + 7
		if end > len(all) {
			end = len(all)
		}
		p.Feed(all[i:end])
	}

	if len(got) != len(objs) {
		t.Fatalf("expected %d callbacks, got %d", len(objs), len(got))
	}
	if got[0]["type"] != "auth" || got[0]["account"] != "alice" {
		t.Errorf("unexpected first record: %+v", got[0])
	}
	if got[2]["n"] != float64(3) {
		t.Errorf("unexpected third record: %+v", got[2])
	}
}

func TestParserDropsInvalidJSONWithoutCorruption(t *testing.T) {
	var got []map[string]interface{}
	p := NewParser(func(obj map[string]interface{}) {
		got = append(got, obj)
	})

	p.Feed([]byte("not json\n"))
	p.Feed([]byte("\n"))
	p.Feed([]byte("   \n"))
	good, _ := Encode(map[string]interface{}{"ok": true})
	p.Feed(good)

	if len(got) != 1 {
		t.Fatalf("expected exactly 1 callback, got %d: %+v", len(got), got)
	}
	if got[0]["ok"] != true {
		t.Errorf("unexpected record: %+v", got[0])
	}
}

func TestBufferedTracksUnterminatedBytes(t *testing.T) {
	p := NewParser(func(map[string]interface{}) {})

	p.Feed([]byte(`{"partial":`))
	if got := p.Buffered(); got != len(`{"partial":`) {
		t.Fatalf("expected %d buffered bytes, got %d", len(`{"partial":`), got)
	}

	p.Feed([]byte(`"x"}` + "\n"))
	if got := p.Buffered(); got != 0 {
		t.Fatalf("expected 0 buffered bytes after a completed line, got %d", got)
	}
}

func TestEncodeIsOneLine(t *testing.T) {
	line, err := Encode(map[string]interface{}{"a": "b\nc"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if line[len(line)-1] != '\n' {
		t.Fatalf("expected trailing newline")
	}
	body := line[:len(line)-1]
	for _, b := range body {
		if b == '\n' {
			t.Fatalf("embedded newline in encoded body: %q", body)
		}
	}
}
