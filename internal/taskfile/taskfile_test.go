package taskfile

import (
	"strings"
	"testing"

	"github.com/tasker-run/tasker/internal/model"
)

func mustParse(t *testing.T, src string) (*model.TaskList, model.GlobalVariables, []FileArg, *Diagnostics) {
	t.Helper()
	list, globals, args, diags, err := ParseBytes([]byte(src))
	if err != nil {
		t.Fatalf("ParseBytes: %v", err)
	}
	return list, globals, args, diags
}

func TestParseMinimalSequentialTask(t *testing.T) {
	list, _, _, diags := mustParse(t, "task=0\ncommand=echo hi\n")
	if diags.HasErrors() {
		t.Fatalf("unexpected errors: %v", diags.Errors())
	}
	if list.Len() != 1 {
		t.Fatalf("got %d tasks, want 1", list.Len())
	}
	task, ok := list.Get(0)
	if !ok {
		t.Fatal("task 0 not found")
	}
	if task.Kind != model.KindSequential {
		t.Errorf("got kind %q, want sequential default", task.Kind)
	}
	if task.ExecMode != model.ExecLocal {
		t.Errorf("got exec %q, want local default", task.ExecMode)
	}
	if task.Command != "echo hi" {
		t.Errorf("got command %q", task.Command)
	}
}

func TestParseGlobalsAndFileArgs(t *testing.T) {
	src := "--dry-run\n--level=debug\nREGION=us-east-1\ntask=0\ncommand=echo @REGION@\n"
	_, globals, args, diags := mustParse(t, src)
	if diags.HasErrors() {
		t.Fatalf("unexpected errors: %v", diags.Errors())
	}
	if globals["REGION"] != "us-east-1" {
		t.Errorf("got globals %v", globals)
	}
	if len(args) != 2 || args[0].Name != "dry-run" || args[0].HasValue {
		t.Errorf("got args %+v", args)
	}
	if !args[1].HasValue || args[1].Value != "debug" {
		t.Errorf("got args[1] %+v", args[1])
	}
}

func TestParseArgAfterGlobalIsRejected(t *testing.T) {
	src := "REGION=us-east-1\n--dry-run\ntask=0\ncommand=echo hi\n"
	_, _, _, diags := mustParse(t, src)
	found := false
	for _, f := range diags.Findings {
		if f.Code == "arg_after_global" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected arg_after_global finding, got %v", diags.Findings)
	}
}

func TestParseReservedGlobalNameRejected(t *testing.T) {
	_, globals, _, diags := mustParse(t, "COMMAND=foo\ntask=0\ncommand=echo hi\n")
	if _, ok := globals["COMMAND"]; ok {
		t.Error("reserved global name should not have been recorded")
	}
	if !hasCode(diags, "reserved_global_name") {
		t.Errorf("expected reserved_global_name finding, got %v", diags.Findings)
	}
}

func TestParseTrailingCommentRejected(t *testing.T) {
	_, _, _, diags := mustParse(t, "task=0\ncommand=echo hi # not allowed\n")
	if !hasCode(diags, "trailing_comment") {
		t.Errorf("expected trailing_comment finding, got %v", diags.Findings)
	}
}

func TestParseDuplicateTaskID(t *testing.T) {
	list, _, _, diags := mustParse(t, "task=0\ncommand=echo hi\n\ntask=0\ncommand=echo bye\n")
	if !hasCode(diags, "duplicate_task_id") {
		t.Errorf("expected duplicate_task_id finding, got %v", diags.Findings)
	}
	if list.Len() != 1 {
		t.Errorf("got %d tasks after dedup, want 1", list.Len())
	}
}

func TestParseDeprecatedKeyAliases(t *testing.T) {
	list, _, _, diags := mustParse(t, "task=0\ncommand=echo hi\ntimeout_sec=30\nretry=2\n")
	task, _ := list.Get(0)
	if task.TimeoutSeconds != 30 {
		t.Errorf("got timeout %d, want 30 via alias", task.TimeoutSeconds)
	}
	if task.RetryCount != 2 {
		t.Errorf("got retry_count %d, want 2 via alias", task.RetryCount)
	}
	count := 0
	for _, f := range diags.Findings {
		if f.Code == "deprecated_key" {
			count++
		}
	}
	if count != 2 {
		t.Errorf("got %d deprecated_key findings, want 2", count)
	}
}

func TestParseUnknownKeyIsWarningOnly(t *testing.T) {
	list, _, _, diags := mustParse(t, "task=0\ncommand=echo hi\nbogus_key=1\n")
	if diags.HasErrors() {
		t.Fatalf("unknown key should not be fatal: %v", diags.Errors())
	}
	if !hasCode(diags, "unknown_task_key") {
		t.Errorf("expected unknown_task_key finding, got %v", diags.Findings)
	}
	if list.Len() != 1 {
		t.Fatalf("got %d tasks, want 1", list.Len())
	}
}

func TestParseEnvKeys(t *testing.T) {
	list, _, _, diags := mustParse(t, "task=0\ncommand=echo hi\nenv_PATH=/usr/bin\nenv_FOO=bar\n")
	if diags.HasErrors() {
		t.Fatalf("unexpected errors: %v", diags.Errors())
	}
	task, _ := list.Get(0)
	if task.Env["PATH"] != "/usr/bin" || task.Env["FOO"] != "bar" {
		t.Errorf("got env %v", task.Env)
	}
}

func TestParseSplitSpec(t *testing.T) {
	list, _, _, diags := mustParse(t, "task=0\ncommand=echo a,b,c\nstdout_split=comma:1\n")
	if diags.HasErrors() {
		t.Fatalf("unexpected errors: %v", diags.Errors())
	}
	task, _ := list.Get(0)
	if task.StdoutSplit == nil || task.StdoutSplit.Delimiter != "comma" || task.StdoutSplit.Index != 1 {
		t.Errorf("got stdout_split %+v", task.StdoutSplit)
	}
}

func TestParseNextSpecWithThreshold(t *testing.T) {
	list, _, _, diags := mustParse(t, "task=0\ntype=parallel\ntasks=1,2\nnext=min_success=1\n\ntask=1\ncommand=echo a\n\ntask=2\ncommand=echo b\n")
	if diags.HasErrors() {
		t.Fatalf("unexpected errors: %v", diags.Errors())
	}
	task, _ := list.Get(0)
	if task.Next.Keyword != "min_success" || task.Next.Threshold != 1 {
		t.Errorf("got next %+v", task.Next)
	}
}

func TestParseNextSpecMissingThresholdIsRejected(t *testing.T) {
	_, _, _, diags := mustParse(t, "task=0\ntype=parallel\ntasks=1\nnext=min_success\n\ntask=1\ncommand=echo a\n")
	if !hasCode(diags, "invalid_next") {
		t.Errorf("expected invalid_next finding, got %v", diags.Findings)
	}
}

func hasCode(diags *Diagnostics, code string) bool {
	for _, f := range diags.Findings {
		if f.Code == code {
			return true
		}
	}
	return false
}

func validateOK(t *testing.T, src string, opts ValidateOptions) *Diagnostics {
	t.Helper()
	list, globals, _, parseDiags, err := ParseBytes([]byte(src))
	if err != nil {
		t.Fatalf("ParseBytes: %v", err)
	}
	if parseDiags.HasErrors() {
		t.Fatalf("parse errors: %v", parseDiags.Errors())
	}
	diags := Validate(list, globals, opts, nil, nil)
	diags.Merge(parseDiags)
	return diags
}

func noProbeOpts() ValidateOptions {
	return ValidateOptions{SkipHostValidation: true, SkipCommandProbe: true}
}

func TestValidateUndeclaredTarget(t *testing.T) {
	diags := validateOK(t, "task=0\ncommand=echo hi\non_success=99\n", noProbeOpts())
	if !hasCode(diags, "undeclared_target") {
		t.Errorf("expected undeclared_target finding, got %v", diags.Findings)
	}
}

func TestValidateMissingCommandOnSequential(t *testing.T) {
	diags := validateOK(t, "task=0\ntimeout=5\n", noProbeOpts())
	if !hasCode(diags, "missing_command") {
		t.Errorf("expected missing_command finding, got %v", diags.Findings)
	}
}

func TestValidateParallelDefaultsMaxParallel(t *testing.T) {
	list, globals, _, parseDiags, err := ParseBytes([]byte("task=0\ntype=parallel\ntasks=1,2\n\ntask=1\ncommand=echo a\n\ntask=2\ncommand=echo b\n"))
	if err != nil || parseDiags.HasErrors() {
		t.Fatalf("parse failed: %v %v", err, parseDiags.Errors())
	}
	Validate(list, globals, noProbeOpts(), nil, nil)
	task, _ := list.Get(0)
	if task.MaxParallel != 2 {
		t.Errorf("got max_parallel %d, want default 2", task.MaxParallel)
	}
}

func TestValidateConditionalRequiresBranch(t *testing.T) {
	diags := validateOK(t, "task=0\ntype=conditional\ncondition=exit_0\n", noProbeOpts())
	if !hasCode(diags, "missing_branches") {
		t.Errorf("expected missing_branches finding, got %v", diags.Findings)
	}
}

func TestValidateBadSuccessExpression(t *testing.T) {
	diags := validateOK(t, "task=0\ncommand=echo hi\nsuccess=exit_0 &\n", noProbeOpts())
	if !hasCode(diags, "bad_success") {
		t.Errorf("expected bad_success finding, got %v", diags.Findings)
	}
}

func TestValidateForwardDependencyRejected(t *testing.T) {
	diags := validateOK(t, "task=0\ncommand=echo hi\ncondition=@1_exit@=0\n\ntask=1\ncommand=echo bye\n", noProbeOpts())
	if !hasCode(diags, "forward_dependency") {
		t.Errorf("expected forward_dependency finding, got %v", diags.Findings)
	}
}

func TestValidateBackwardReferenceAllowed(t *testing.T) {
	diags := validateOK(t, "task=0\ncommand=echo hi\n\ntask=1\ncommand=echo bye\ncondition=@0_exit@=0\n", noProbeOpts())
	if hasCode(diags, "forward_dependency") {
		t.Errorf("backward reference should not be flagged: %v", diags.Findings)
	}
}

func TestValidateSecurityInjectionShapeRejected(t *testing.T) {
	diags := validateOK(t, "task=0\ncommand=echo hi; rm -rf /\n", ValidateOptions{SkipHostValidation: true, SkipCommandProbe: true})
	if !hasCode(diags, "injection_shape") {
		t.Errorf("expected injection_shape finding, got %v", diags.Findings)
	}
}

func TestValidateSecurityShellModeAllowsMetacharacters(t *testing.T) {
	diags := validateOK(t, "task=0\nexec=shell\ncommand=echo hi; echo bye\n", noProbeOpts())
	if hasCode(diags, "injection_shape") {
		t.Errorf("shell mode should permit metacharacters: %v", diags.Findings)
	}
}

func TestValidateSecurityCanBeSkipped(t *testing.T) {
	diags := validateOK(t, "task=0\ncommand=echo hi; rm -rf /\n", ValidateOptions{SkipHostValidation: true, SkipCommandProbe: true, SkipSecurityValidation: true})
	if hasCode(diags, "injection_shape") {
		t.Errorf("--skip-security-validation should suppress L3 findings entirely: %v", diags.Findings)
	}
}

func TestValidateSecurityGlobalSubstitutionCatchesHiddenInjection(t *testing.T) {
	src := "PAYLOAD=hi; rm -rf /\ntask=0\ncommand=echo @PAYLOAD@\n"
	list, globals, _, parseDiags, err := ParseBytes([]byte(src))
	if err != nil || parseDiags.HasErrors() {
		t.Fatalf("parse failed: %v %v", err, parseDiags.Errors())
	}
	diags := Validate(list, globals, noProbeOpts(), nil, nil)
	if !hasCode(diags, "injection_shape") {
		t.Errorf("expected injection hidden behind a global to be caught, got %v", diags.Findings)
	}
}

func TestValidateSafetyTimeoutOutOfRange(t *testing.T) {
	diags := validateOK(t, "task=0\ncommand=echo hi\ntimeout=999999\n", noProbeOpts())
	if !hasCode(diags, "timeout_out_of_range") {
		t.Errorf("expected timeout_out_of_range finding, got %v", diags.Findings)
	}
}

func TestValidateSafetyNegativeRetryCount(t *testing.T) {
	diags := validateOK(t, "task=0\ncommand=echo hi\nretry_count=-1\n", noProbeOpts())
	if !hasCode(diags, "invalid_retry_count") {
		t.Errorf("expected invalid_retry_count finding, got %v", diags.Findings)
	}
}

type fakeHostProber struct{ fail map[string]bool }

func (f fakeHostProber) Probe(hostname string, mode model.ExecMode) error {
	if f.fail[hostname] {
		return errUnreachable
	}
	return nil
}

type fakeCmdProber struct{ missing map[string]bool }

func (f fakeCmdProber) ProbeCommand(command string) error {
	if f.missing[command] {
		return errUnreachable
	}
	return nil
}

var errUnreachable = &probeErr{}

type probeErr struct{}

func (*probeErr) Error() string { return "unreachable" }

func TestValidateHostProbeFatalByDefault(t *testing.T) {
	list, globals, _, parseDiags, err := ParseBytes([]byte("task=0\nhostname=bad-host\ncommand=echo hi\n"))
	if err != nil || parseDiags.HasErrors() {
		t.Fatalf("parse failed: %v %v", err, parseDiags.Errors())
	}
	opts := DefaultValidateOptions()
	opts.SkipCommandProbe = true
	diags := Validate(list, globals, opts, fakeHostProber{fail: map[string]bool{"bad-host": true}}, nil)
	if !diags.HasErrors() {
		t.Fatalf("expected a fatal host_unreachable finding, got %v", diags.Findings)
	}
	if !hasCode(diags, "host_unreachable") {
		t.Errorf("expected host_unreachable finding, got %v", diags.Findings)
	}
}

func TestValidateHostProbeDowngradedWhenNotFatal(t *testing.T) {
	list, globals, _, parseDiags, err := ParseBytes([]byte("task=0\nhostname=bad-host\ncommand=echo hi\n"))
	if err != nil || parseDiags.HasErrors() {
		t.Fatalf("parse failed: %v %v", err, parseDiags.Errors())
	}
	opts := ValidateOptions{SkipCommandProbe: true, HostProbeFatal: false}
	diags := Validate(list, globals, opts, fakeHostProber{fail: map[string]bool{"bad-host": true}}, nil)
	if diags.HasErrors() {
		t.Errorf("non-fatal host probe should not raise an error: %v", diags.Errors())
	}
	if !hasCode(diags, "host_unreachable") {
		t.Errorf("expected a downgraded host_unreachable warning, got %v", diags.Findings)
	}
}

func TestValidateCommandProbeSkippedForNonLocalExec(t *testing.T) {
	list, globals, _, parseDiags, err := ParseBytes([]byte("task=0\nexec=pbrun\ncommand=missing-tool\n"))
	if err != nil || parseDiags.HasErrors() {
		t.Fatalf("parse failed: %v %v", err, parseDiags.Errors())
	}
	opts := ValidateOptions{SkipHostValidation: true}
	diags := Validate(list, globals, opts, nil, fakeCmdProber{missing: map[string]bool{"missing-tool": true}})
	if hasCode(diags, "command_not_found") {
		t.Errorf("non-local exec mode should skip command probing: %v", diags.Findings)
	}
}

func TestCanonicalizeRoundTrip(t *testing.T) {
	src := "REGION=us-east-1\n\ntask=0\ntype=parallel\ntasks=1,2\nmax_parallel=2\nnext=all_success\n\ntask=1\ncommand=echo a\ntimeout=30\nretry_count=2\n\ntask=2\ncommand=echo b\nstdout_split=comma:0\n"
	list, globals, _, diags, err := ParseBytes([]byte(src))
	if err != nil || diags.HasErrors() {
		t.Fatalf("parse failed: %v %v", err, diags.Errors())
	}

	first := Canonicalize(list, globals)

	list2, globals2, _, diags2, err := ParseBytes([]byte(first))
	if err != nil || diags2.HasErrors() {
		t.Fatalf("re-parse of canonicalized output failed: %v %v", err, diags2.Errors())
	}
	second := Canonicalize(list2, globals2)

	if first != second {
		t.Errorf("canonicalize is not a fixed point:\nfirst:\n%s\nsecond:\n%s", first, second)
	}
	if !strings.Contains(first, "task=0") || !strings.Contains(first, "task=1") || !strings.Contains(first, "task=2") {
		t.Errorf("canonicalized output missing task headers:\n%s", first)
	}
}

func TestCanonicalizeOmitsDefaults(t *testing.T) {
	list, globals, _, diags, err := ParseBytes([]byte("task=0\ncommand=echo hi\n"))
	if err != nil || diags.HasErrors() {
		t.Fatalf("parse failed: %v %v", err, diags.Errors())
	}
	out := Canonicalize(list, globals)
	if strings.Contains(out, "type=") {
		t.Errorf("default sequential type should be omitted: %q", out)
	}
	if strings.Contains(out, "exec=") {
		t.Errorf("default local exec should be omitted: %q", out)
	}
}
