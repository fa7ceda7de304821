package commands

import (
	"encoding/json"
	"testing"
)

func TestParseCallsSingle(t *testing.T) {
	calls, batch, err := parseCalls([]byte(`{"name":"bash","arguments":{"command":"ls"}}`))
	if err != nil {
		t.Fatal(err)
	}
	if batch {
		t.Fatal("single object parsed as batch")
	}
	if len(calls) != 1 || calls[0].Name != "bash" {
		t.Fatalf("calls = %+v", calls)
	}
	if calls[0].ID == "" {
		t.Fatal("missing call ID was not filled in")
	}
}

func TestParseCallsBatch(t *testing.T) {
	input := `[
		{"id":"a","name":"read_file","arguments":{"file_path":"x"}},
		{"name":"list_dir","arguments":{"path":"."}}
	]`
	calls, batch, err := parseCalls([]byte(input))
	if err != nil {
		t.Fatal(err)
	}
	if !batch {
		t.Fatal("array input not recognized as batch")
	}
	if len(calls) != 2 {
		t.Fatalf("got %d calls", len(calls))
	}
	if calls[0].ID != "a" {
		t.Fatalf("explicit ID overwritten: %q", calls[0].ID)
	}
	if calls[1].ID == "" {
		t.Fatal("missing ID in batch was not filled in")
	}
}

func TestParseCallsRejectsBadInput(t *testing.T) {
	for _, input := range []string{"", "   ", "[]", `{"arguments":{}}`, "not json"} {
		if _, _, err := parseCalls([]byte(input)); err == nil {
			t.Errorf("input %q: want error", input)
		}
	}
}

func TestParseShellLineBangShorthand(t *testing.T) {
	call, err := parseShellLine("!git status")
	if err != nil {
		t.Fatal(err)
	}
	if call.Name != "bash" {
		t.Fatalf("name = %q", call.Name)
	}
	var args map[string]any
	if err := json.Unmarshal(call.Arguments, &args); err != nil {
		t.Fatal(err)
	}
	if args["command"] != "git status" {
		t.Fatalf("command = %v", args["command"])
	}
}

func TestParseShellLineToolWithArgs(t *testing.T) {
	call, err := parseShellLine(`read_file {"file_path": "main.go"}`)
	if err != nil {
		t.Fatal(err)
	}
	if call.Name != "read_file" {
		t.Fatalf("name = %q", call.Name)
	}
	var args map[string]any
	if err := json.Unmarshal(call.Arguments, &args); err != nil {
		t.Fatal(err)
	}
	if args["file_path"] != "main.go" {
		t.Fatalf("file_path = %v", args["file_path"])
	}
}

func TestParseShellLineRejectsBadJSON(t *testing.T) {
	if _, err := parseShellLine("read_file {broken"); err == nil {
		t.Fatal("want error for invalid JSON arguments")
	}
}
