package msghub

import (
	"bytes"
	"errors"
	"testing"
)

func TestFrame_Layout(t *testing.T) {
	data, err := frame{id: 1025, typ: "ping", payload: "data"}.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary() error = %v", err)
	}

	want := []byte{
		0, 0, 0, 0, 0, 0, 0x04, 0x01, // id
		0,       // is_ack
		0, 4, 'p', 'i', 'n', 'g', // type
		0, 0, 0, 4, 'd', 'a', 't', 'a', // payload
	}
	if !bytes.Equal(data, want) {
		t.Fatalf("MarshalBinary() = %v, want %v", data, want)
	}

	var got frame
	if err := got.UnmarshalBinary(data); err != nil {
		t.Fatalf("UnmarshalBinary() error = %v", err)
	}
	if got != (frame{id: 1025, typ: "ping", payload: "data"}) {
		t.Errorf("UnmarshalBinary() = %+v", got)
	}
}

func TestFrame_Ack(t *testing.T) {
	data, err := frame{id: 7, ack: true, typ: "ignored", payload: "ignored"}.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary() error = %v", err)
	}

	var got frame
	if err := got.UnmarshalBinary(data); err != nil {
		t.Fatalf("UnmarshalBinary() error = %v", err)
	}
	if !got.ack || got.id != 7 || got.typ != "" || got.payload != "" {
		t.Errorf("Expected a bare ack for id 7, got: %+v", got)
	}
}

func TestFrame_Malformed(t *testing.T) {
	valid, _ := frame{id: 1, typ: "t", payload: "p"}.MarshalBinary()

	tests := []struct {
		name string
		data []byte
	}{
		{name: "empty", data: nil},
		{name: "short header", data: valid[:10]},
		{name: "bad ack flag", data: append(append([]byte(nil), valid[:8]...), append([]byte{2}, valid[9:]...)...)},
		{name: "truncated type", data: []byte{0, 0, 0, 0, 0, 0, 0, 1, 0, 0, 9, 'a', 0, 0, 0}},
		{name: "truncated payload", data: valid[:len(valid)-1]},
		{name: "trailing bytes", data: append(append([]byte(nil), valid...), 'x')},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var f frame
			if err := f.UnmarshalBinary(tt.data); !errors.Is(err, ErrMalformedFrame) {
				t.Errorf("Expected ErrMalformedFrame, got: %v", err)
			}
		})
	}
}
