package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/wilsonzlin/aero/proxy/webrtc-call-signaling/internal/callsession"
)

func TestParseLine(t *testing.T) {
	cases := []struct {
		line     string
		ok       bool
		payload  string
		critical bool
	}{
		{line: "hello", ok: true, payload: "hello"},
		{line: "hello\r", ok: true, payload: "hello"},
		{line: "!urgent", ok: true, payload: "urgent", critical: true},
		{line: "", ok: false},
		{line: "!", ok: false},
		{line: "!!twice", ok: true, payload: "!twice", critical: true},
	}
	for _, tc := range cases {
		got, ok := parseLine(tc.line)
		if ok != tc.ok {
			t.Fatalf("parseLine(%q) ok=%v, want %v", tc.line, ok, tc.ok)
		}
		if !ok {
			continue
		}
		if string(got.payload) != tc.payload || got.critical != tc.critical {
			t.Fatalf("parseLine(%q)=%q critical=%v, want %q critical=%v", tc.line, got.payload, got.critical, tc.payload, tc.critical)
		}
	}
}

func TestPumpLinesDropsWithoutCall(t *testing.T) {
	logger, records := newRecordingLogger()
	in := strings.NewReader("one\n\ntwo\n")

	if err := pumpLines(context.Background(), in, func() *callsession.Coordinator { return nil }, logger); err != nil {
		t.Fatalf("pumpLines: %v", err)
	}

	var dropped int
	for _, r := range records() {
		if r.msg == "no active call; dropping line" {
			dropped++
		}
	}
	if dropped != 2 {
		t.Fatalf("dropped=%d, want 2", dropped)
	}
}

func TestEventPrinterWritesMessages(t *testing.T) {
	var out bytes.Buffer
	p := newEventPrinter(slog.New(slog.NewTextHandler(io.Discard, nil)), &out)

	d := p.delegate()
	d.DataChannelMessageReceived([]byte("hi there"))
	d.ICEConnected()

	if got := out.String(); got != "< hi there\n" {
		t.Fatalf("out=%q", got)
	}
}
