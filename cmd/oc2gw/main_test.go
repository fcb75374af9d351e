package main

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
)

func captureOutputWithExitCode(t *testing.T, run func() int) (int, string, string) {
	t.Helper()

	oldStdout := os.Stdout
	oldStderr := os.Stderr

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe stdout failed: %v", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe stderr failed: %v", err)
	}

	os.Stdout = stdoutW
	os.Stderr = stderrW

	// Drain concurrently so large outputs cannot fill the pipe.
	outCh := make(chan []byte)
	errCh := make(chan []byte)
	go func() { b, _ := io.ReadAll(stdoutR); outCh <- b }()
	go func() { b, _ := io.ReadAll(stderrR); errCh <- b }()

	code := run()

	_ = stdoutW.Close()
	_ = stderrW.Close()
	os.Stdout = oldStdout
	os.Stderr = oldStderr

	stdoutBytes := <-outCh
	stderrBytes := <-errCh
	_ = stdoutR.Close()
	_ = stderrR.Close()

	return code, string(stdoutBytes), string(stderrBytes)
}

const baseConfig = `
service:
  log_level: error
state:
  path: ./oc2gw.db
profiles:
  - name: query
    kind: builtin
  - name: slpf
    kind: builtin
`

func writeTestConfig(t *testing.T, body string) (string, string) {
	t.Helper()
	for _, name := range []string{"OC2GW_LOG_LEVEL", "OC2GW_LOG_FORMAT", "OC2GW_STATE_PATH", "OC2GW_API_LISTEN"} {
		t.Setenv(name, "")
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return dir, path
}

func runWithStdin(t *testing.T, input string, run func() int) (int, string, string) {
	t.Helper()
	old := stdin
	stdin = strings.NewReader(input)
	t.Cleanup(func() { stdin = old })
	return captureOutputWithExitCode(t, run)
}

func TestCommandRunDenyRecordsHistoryAndRule(t *testing.T) {
	_, path := writeTestConfig(t, baseConfig)

	cmd := `{"action":"deny","target":{"type":"ipv4_net","ipv4_net":"10.0.0.0/8"},"actuator":{"type":"slpf"}}`
	code, stdout, stderr := runWithStdin(t, cmd, func() int {
		return runCommandRun([]string{"--config", path})
	})
	if code != 0 {
		t.Fatalf("runCommandRun() code = %d, stderr: %s", code, stderr)
	}
	var out struct {
		Result map[string]int `json:"result"`
	}
	if err := json.Unmarshal([]byte(stdout), &out); err != nil {
		t.Fatalf("stdout is not JSON: %v\n%s", err, stdout)
	}
	if out.Result["rule_number"] != 1 {
		t.Fatalf("rule_number = %d, want 1", out.Result["rule_number"])
	}

	code, stdout, stderr = captureOutputWithExitCode(t, func() int {
		return runProfileRules([]string{"slpf", "--config", path})
	})
	if code != 0 {
		t.Fatalf("runProfileRules() code = %d, stderr: %s", code, stderr)
	}
	if !strings.Contains(stdout, "10.0.0.0/8") || !strings.Contains(stdout, "deny") {
		t.Fatalf("rules output missing rule:\n%s", stdout)
	}

	code, stdout, stderr = captureOutputWithExitCode(t, func() int {
		return runHistoryList([]string{"--config", path, "--json"})
	})
	if code != 0 {
		t.Fatalf("runHistoryList() code = %d, stderr: %s", code, stderr)
	}
	var entries []struct {
		ID      string `json:"id"`
		Action  string `json:"action"`
		Profile string `json:"profile"`
		Status  string `json:"status"`
	}
	if err := json.Unmarshal([]byte(stdout), &entries); err != nil {
		t.Fatalf("history output is not JSON: %v\n%s", err, stdout)
	}
	if len(entries) != 1 || entries[0].Action != "deny" || entries[0].Profile != "slpf" || entries[0].Status != "ok" {
		t.Fatalf("unexpected history: %+v", entries)
	}

	code, stdout, stderr = captureOutputWithExitCode(t, func() int {
		return runCommandInspect([]string{entries[0].ID, "--config", path})
	})
	if code != 0 {
		t.Fatalf("runCommandInspect() code = %d, stderr: %s", code, stderr)
	}
	if !strings.Contains(stdout, "Command Report") || !strings.Contains(stdout, "next_rule") {
		t.Fatalf("inspect output missing fields:\n%s", stdout)
	}
}

func TestCommandRunUnknownActionFails(t *testing.T) {
	_, path := writeTestConfig(t, baseConfig)

	code, _, stderr := runWithStdin(t, `{"action":"contain","target":{"type":"device"}}`, func() int {
		return runCommandRun([]string{"--config", path})
	})
	if code != 1 {
		t.Fatalf("runCommandRun() code = %d, want 1", code)
	}
	if !strings.Contains(stderr, "unknown_action") {
		t.Fatalf("stderr missing status: %s", stderr)
	}
}

func TestCommandRunMalformedInput(t *testing.T) {
	_, path := writeTestConfig(t, baseConfig)

	code, _, stderr := runWithStdin(t, `{"action":"deny"}`, func() int {
		return runCommandRun([]string{"--config", path})
	})
	if code != 1 || !strings.Contains(stderr, "Invalid command") {
		t.Fatalf("code = %d, stderr = %s", code, stderr)
	}
}

func TestCommandRunQueryFeaturesFromFile(t *testing.T) {
	dir, path := writeTestConfig(t, baseConfig)
	cmdPath := filepath.Join(dir, "query.json")
	if err := os.WriteFile(cmdPath, []byte(`{"action":"query","target":{"type":"features","features":["versions","profiles"]}}`), 0o600); err != nil {
		t.Fatal(err)
	}

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runCommandRun([]string{"--config", path, "--file", cmdPath})
	})
	if code != 0 {
		t.Fatalf("runCommandRun() code = %d, stderr: %s", code, stderr)
	}
	for _, want := range []string{`"1.0"`, `"slpf"`, `"query"`} {
		if !strings.Contains(stdout, want) {
			t.Fatalf("stdout missing %s:\n%s", want, stdout)
		}
	}
}

func TestProfileListShowsPriorityOrder(t *testing.T) {
	_, path := writeTestConfig(t, baseConfig)

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runProfileList([]string{"--config", path})
	})
	if code != 0 {
		t.Fatalf("runProfileList() code = %d, stderr: %s", code, stderr)
	}
	slpfAt := strings.Index(stdout, "slpf")
	queryAt := strings.Index(stdout, "query")
	if slpfAt < 0 || queryAt < 0 || slpfAt > queryAt {
		t.Fatalf("slpf (loaded last) should be listed first:\n%s", stdout)
	}
	if !strings.Contains(stdout, "ipv4_net/slpf") {
		t.Fatalf("signatures missing:\n%s", stdout)
	}
}

func TestConfigCheckReportsUnknownBuiltin(t *testing.T) {
	_, path := writeTestConfig(t, baseConfig+"  - name: nope\n    kind: builtin\n")

	code, stdout, _ := captureOutputWithExitCode(t, func() int {
		return runConfigCheck([]string{"--config", path})
	})
	if code != 1 {
		t.Fatalf("runConfigCheck() code = %d, want 1", code)
	}
	if !strings.Contains(stdout, `builtin profile "nope" does not exist`) {
		t.Fatalf("stdout missing profile error:\n%s", stdout)
	}
}

func TestConfigCheckStrictWarnings(t *testing.T) {
	_, path := writeTestConfig(t, baseConfig)

	// No .checksums yet: an integrity warning.
	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runConfigCheck([]string{"--config", path, "--strict"})
	})
	if code != 2 {
		t.Fatalf("runConfigCheck(--strict) code = %d, stdout: %s stderr: %s", code, stdout, stderr)
	}
	if !strings.Contains(stdout, "[integrity]") {
		t.Fatalf("stdout missing integrity warning:\n%s", stdout)
	}
}

func TestConfigLockThenCheck(t *testing.T) {
	dir, path := writeTestConfig(t, baseConfig)

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runConfigLock([]string{"--config", path, "-v", "--dry-run"})
	})
	if code != 0 {
		t.Fatalf("runConfigLock(--dry-run) code = %d, stderr: %s", code, stderr)
	}
	if !regexp.MustCompile(`HASH config\.yaml: [a-f0-9]{64}`).MatchString(stdout) {
		t.Fatalf("stdout missing hash line:\n%s", stdout)
	}
	if _, err := os.Stat(filepath.Join(dir, ".checksums")); !os.IsNotExist(err) {
		t.Fatal(".checksums should not be written in dry-run mode")
	}

	code, stdout, stderr = captureOutputWithExitCode(t, func() int {
		return runConfigLock([]string{"--config", path})
	})
	if code != 0 {
		t.Fatalf("runConfigLock() code = %d, stderr: %s", code, stderr)
	}
	if !strings.Contains(stdout, "Successfully locked configuration") {
		t.Fatalf("stdout missing summary:\n%s", stdout)
	}

	code, stdout, _ = captureOutputWithExitCode(t, func() int {
		return runConfigCheck([]string{"--config", path, "--json"})
	})
	if code != 0 {
		t.Fatalf("runConfigCheck() after lock code = %d:\n%s", code, stdout)
	}
	if !strings.Contains(stdout, `"valid": true`) {
		t.Fatalf("unexpected check output:\n%s", stdout)
	}

	// An edited file fails Load, and lock re-authorizes it.
	if err := os.WriteFile(path, []byte(baseConfig+"dispatch:\n  shadowing: warn\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if code, _, _ := captureOutputWithExitCode(t, func() int {
		return runConfigCheck([]string{"--config", path})
	}); code != 1 {
		t.Fatalf("check of edited config code = %d, want 1", code)
	}
	if code, _, stderr := captureOutputWithExitCode(t, func() int {
		return runConfigLock([]string{"--config", path})
	}); code != 0 {
		t.Fatalf("relock code = %d, stderr: %s", code, stderr)
	}
}

func TestNounHelp(t *testing.T) {
	code, stdout, _ := captureOutputWithExitCode(t, func() int {
		return runConfigNoun([]string{"help"})
	})
	if code != 0 || !strings.Contains(stdout, "Actions: check, lock") {
		t.Fatalf("code = %d, stdout = %s", code, stdout)
	}

	code, stdout, _ = captureOutputWithExitCode(t, func() int {
		return runCommandNoun([]string{"run", "--help"})
	})
	if code != 0 || !strings.Contains(stdout, "Usage: oc2gw command run") {
		t.Fatalf("code = %d, stdout = %s", code, stdout)
	}

	code, _, stderr := captureOutputWithExitCode(t, func() int {
		return runHistoryNoun([]string{"purge"})
	})
	if code != 1 || !strings.Contains(stderr, "Unknown history action: purge") {
		t.Fatalf("code = %d, stderr = %s", code, stderr)
	}
}

func TestSystemWatchRequiresAPIKey(t *testing.T) {
	t.Setenv("OC2GW_API_KEY", "")

	code, _, stderr := captureOutputWithExitCode(t, func() int {
		return runSystemNoun([]string{"watch", "--api-url", "http://127.0.0.1:1"})
	})
	if code != 1 || !strings.Contains(stderr, "OC2GW_API_KEY") {
		t.Fatalf("code = %d, stderr = %s", code, stderr)
	}

	code, stdout, _ := captureOutputWithExitCode(t, func() int {
		return runSystemNoun([]string{"help"})
	})
	if code != 0 || !strings.Contains(stdout, "watch") {
		t.Fatalf("code = %d, stdout = %s", code, stdout)
	}
}
