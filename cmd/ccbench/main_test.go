package main

import (
	"bufio"
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/NodePath81/ccbench/internal/errdefs"
	"github.com/NodePath81/ccbench/internal/model"
)

func TestResolveControllerPrefersFlag(t *testing.T) {
	var out bytes.Buffer
	got, err := resolveController(bufio.NewReader(strings.NewReader("")), &out, "ryu", "pox")
	if err != nil {
		t.Fatalf("resolveController error: %v", err)
	}
	if got != model.ControllerRyu {
		t.Fatalf("controller = %v, want ryu", got)
	}
	if out.Len() != 0 {
		t.Fatalf("prompted although flag was set: %q", out.String())
	}
}

func TestResolveControllerPrompts(t *testing.T) {
	var out bytes.Buffer
	got, err := resolveController(bufio.NewReader(strings.NewReader("2\n")), &out, "", "")
	if err != nil {
		t.Fatalf("resolveController error: %v", err)
	}
	if got != model.ControllerRyu {
		t.Fatalf("controller = %v, want ryu", got)
	}
	if !strings.Contains(out.String(), "1) POX") {
		t.Fatalf("prompt = %q, want numbered choices", out.String())
	}
}

func TestResolveModeFromConfig(t *testing.T) {
	got, err := resolveMode(bufio.NewReader(strings.NewReader("")), &bytes.Buffer{}, "", "debug")
	if err != nil {
		t.Fatalf("resolveMode error: %v", err)
	}
	if got != model.ModeDebug {
		t.Fatalf("mode = %v, want debug", got)
	}
}

func TestResolveModeRejectsUnknownChoice(t *testing.T) {
	_, err := resolveMode(bufio.NewReader(strings.NewReader("3\n")), &bytes.Buffer{}, "", "")
	if !errors.Is(err, errdefs.ErrConfiguration) {
		t.Fatalf("resolveMode error = %v, want ErrConfiguration", err)
	}
}

func TestPromptAcceptsAnswerWithoutNewline(t *testing.T) {
	got, err := prompt(bufio.NewReader(strings.NewReader("bottleneck")), &bytes.Buffer{}, "? ")
	if err != nil {
		t.Fatalf("prompt error: %v", err)
	}
	if got != "bottleneck" {
		t.Fatalf("prompt = %q, want bottleneck", got)
	}
}

func TestPromptEmptyInput(t *testing.T) {
	if _, err := prompt(bufio.NewReader(strings.NewReader("")), &bytes.Buffer{}, "? "); err == nil {
		t.Fatalf("prompt on empty input succeeded, want error")
	}
}

func TestMatchControllerProcess(t *testing.T) {
	tests := []struct {
		out  string
		want model.Controller
		ok   bool
	}{
		{out: "4242 /usr/bin/python3 /usr/local/bin/ryu-manager ryu.app.simple_switch_13\n", want: model.ControllerRyu, ok: true},
		{out: "77 python2 ./pox.py forwarding.l2_learning\n", want: model.ControllerPOX, ok: true},
		{out: "", want: model.ControllerPOX, ok: false},
		{out: "12 vim pox.txt\n", want: model.ControllerPOX, ok: false},
	}
	for _, tt := range tests {
		detail, got, ok := matchControllerProcess(tt.out)
		if ok != tt.ok || got != tt.want {
			t.Fatalf("matchControllerProcess(%q) = %v, %v (%s), want %v, %v", tt.out, got, ok, detail, tt.want, tt.ok)
		}
	}
}
