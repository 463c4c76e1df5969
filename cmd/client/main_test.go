package main

import (
	"errors"
	"io"
	"strings"
	"testing"
)

func TestReadLine_LeavesRestUnread(t *testing.T) {
	r := strings.NewReader("10.0.0.5:3001\nsecret-key\n")
	line, err := readLine(r)
	if err != nil {
		t.Fatalf("readLine failed: %v", err)
	}
	if line != "10.0.0.5:3001" {
		t.Errorf("unexpected line %q", line)
	}
	rest, _ := io.ReadAll(r)
	if string(rest) != "secret-key\n" {
		t.Errorf("bytes after the line were consumed, left %q", rest)
	}
}

func TestReadLine_LastLineWithoutNewline(t *testing.T) {
	line, err := readLine(strings.NewReader("host"))
	if err != nil || line != "host" {
		t.Fatalf("expected %q, got %q (%v)", "host", line, err)
	}
}

func TestReadLine_EmptyInputIsEOF(t *testing.T) {
	if _, err := readLine(strings.NewReader("")); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF, got %v", err)
	}
}

func TestPrompt_TrimsAddress(t *testing.T) {
	addr, err := prompt(strings.NewReader("  example.org:3001 \r\n"), "")
	if err != nil || addr != "example.org:3001" {
		t.Fatalf("expected trimmed address, got %q (%v)", addr, err)
	}
}
