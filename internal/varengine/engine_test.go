package varengine

import (
	"strings"
	"testing"

	"github.com/tasker-run/tasker/internal/model"
)

type fakeHandle struct {
	data      []byte
	truncated bool
	path      string
}

func (f *fakeHandle) ReadAll() ([]byte, bool) { return f.data, f.truncated }
func (f *fakeHandle) Path() (string, error)   { return f.path, nil }
func (f *fakeHandle) SizeBytes() int64        { return int64(len(f.data)) }
func (f *fakeHandle) IsOnDisk() bool          { return f.path != "" }

func TestExpandGlobal(t *testing.T) {
	e := New(model.GlobalVariables{"NAME": "world"}, nil, nil)
	got, truncated, err := e.Expand("hello @NAME@")
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}
	if got != "hello world" {
		t.Errorf("got %q, want %q", got, "hello world")
	}
	if truncated {
		t.Errorf("truncated = true, want false")
	}
}

func TestExpandTaskFields(t *testing.T) {
	results := map[int]*model.TaskResult{
		0: {ID: 0, ExitCode: 0, Success: true, Stdout: &fakeHandle{data: []byte("yes\n")}},
	}
	e := New(nil, results, nil)

	got, _, err := e.Expand("@0_exit@:@0_success@:@0_stdout@")
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}
	if got != "0:true:yes\n" {
		t.Errorf("got %q", got)
	}
}

func TestExpandUnresolvedFails(t *testing.T) {
	e := New(model.GlobalVariables{}, nil, nil)
	if _, _, err := e.Expand("@NOPE@"); err == nil {
		t.Fatalf("Expand: want error for unresolved token")
	}
}

func TestExpandEnvFallback(t *testing.T) {
	e := New(model.GlobalVariables{}, nil, map[string]string{"HOME": "/root"})
	got, _, err := e.Expand("@HOME@")
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}
	if got != "/root" {
		t.Errorf("got %q, want /root", got)
	}
}

func TestExpandDepthExactlyTenSucceeds(t *testing.T) {
	globals := model.GlobalVariables{}
	for i := 0; i < 10; i++ {
		globals[keyAt(i)] = "@" + keyAt(i+1) + "@"
	}
	globals[keyAt(10)] = "leaf"

	e := New(globals, nil, nil)
	got, _, err := e.Expand("@" + keyAt(0) + "@")
	if err != nil {
		t.Fatalf("Expand depth 10: %v", err)
	}
	if got != "leaf" {
		t.Errorf("got %q, want leaf", got)
	}
}

func TestExpandDepthElevenFails(t *testing.T) {
	globals := model.GlobalVariables{}
	for i := 0; i < 11; i++ {
		globals[keyAt(i)] = "@" + keyAt(i+1) + "@"
	}
	globals[keyAt(11)] = "leaf"

	e := New(globals, nil, nil)
	if _, _, err := e.Expand("@" + keyAt(0) + "@"); err == nil {
		t.Fatalf("Expand depth 11: want error")
	}
}

func TestExpandTruncatesAtInlineCap(t *testing.T) {
	big := strings.Repeat("x", InlineCapBytes+1)
	results := map[int]*model.TaskResult{
		0: {ID: 0, Stdout: &fakeHandle{data: []byte(big)}},
	}
	e := New(nil, results, nil)

	got, truncated, err := e.Expand("@0_stdout@")
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}
	if !truncated {
		t.Errorf("truncated = false, want true")
	}
	if len(got) <= InlineCapBytes {
		t.Errorf("len(got) = %d, want > cap before marker", len(got))
	}
}

func TestExpandMasksSecrets(t *testing.T) {
	e := New(model.GlobalVariables{"SECRET_TOKEN": "s3cr3t", "PLAIN": "visible"}, nil, nil)

	masked, err := e.ExpandMasked("@SECRET_TOKEN@ @PLAIN@")
	if err != nil {
		t.Fatalf("ExpandMasked: %v", err)
	}
	if masked != "*** visible" {
		t.Errorf("ExpandMasked = %q, want %q", masked, "*** visible")
	}

	real, _, err := e.Expand("@SECRET_TOKEN@ @PLAIN@")
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}
	if real != "s3cr3t visible" {
		t.Errorf("Expand (unmasked) = %q, want real value delivered to child", real)
	}
}

func keyAt(i int) string {
	return "G" + string(rune('A'+i))
}
