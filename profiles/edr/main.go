// Command edr is an exec profile entrypoint that keeps a containment ledger
// for endpoint hosts. It reads one protocol request from stdin and writes one
// response to stdout.
//
// Config keys:
//
//	ledger     path of the JSON ledger file (required)
//	max_hosts  ceiling on simultaneously contained hosts (default 100)
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/oc2gw/internal/protocol"
)

const defaultMaxHosts = 100

type profileConfig struct {
	Ledger   string
	MaxHosts int
}

// containment is one isolated host.
type containment struct {
	Ticket    string `json:"ticket"`
	Hostname  string `json:"hostname"`
	Since     string `json:"since"`
	RequestID string `json:"request_id"`
}

type ledger struct {
	Hosts map[string]*containment `json:"hosts"`
}

func main() {
	resp := handle(os.Stdin, time.Now)
	_ = json.NewEncoder(os.Stdout).Encode(resp)
}

func handle(in io.Reader, now func() time.Time) protocol.Response {
	var req protocol.Request
	if err := json.NewDecoder(in).Decode(&req); err != nil {
		return errResp(fmt.Sprintf("invalid request JSON: %v", err))
	}
	if req.Protocol != protocol.Version {
		return errResp(fmt.Sprintf("unsupported protocol %d", req.Protocol))
	}

	cfg, err := parseConfig(req.Config)
	if err != nil {
		return errResp(err.Error())
	}
	hostname, err := deviceHostname(req.Target)
	if err != nil {
		return errResp(err.Error())
	}

	switch strings.TrimSpace(req.Action) {
	case "contain":
		return handleContain(req, cfg, hostname, now)
	case "remove":
		return handleRemove(cfg, hostname)
	default:
		return errResp(fmt.Sprintf("unsupported action %q", req.Action))
	}
}

func handleContain(req protocol.Request, cfg profileConfig, hostname string, now func() time.Time) protocol.Response {
	var resp protocol.Response
	err := withLedgerLock(cfg.Ledger, func() error {
		resp = containLocked(req, cfg, hostname, now)
		return nil
	})
	if err != nil {
		return errResp(err.Error())
	}
	return resp
}

func containLocked(req protocol.Request, cfg profileConfig, hostname string, now func() time.Time) protocol.Response {
	l, err := readLedger(cfg.Ledger)
	if err != nil {
		return errResp(err.Error())
	}

	if existing, ok := l.Hosts[hostname]; ok {
		return okResp(resultFor(existing, true), []protocol.LogEntry{info("host already contained: " + hostname)})
	}
	if len(l.Hosts) >= cfg.MaxHosts {
		return errResp(fmt.Sprintf("containment limit reached (%d hosts)", cfg.MaxHosts))
	}

	c := &containment{
		Ticket:    uuid.NewString(),
		Hostname:  hostname,
		Since:     now().UTC().Format(time.RFC3339),
		RequestID: req.RequestID,
	}
	l.Hosts[hostname] = c
	if err := writeLedger(cfg.Ledger, l); err != nil {
		return errResp(err.Error())
	}
	return okResp(resultFor(c, false), []protocol.LogEntry{info("host contained: " + hostname)})
}

func handleRemove(cfg profileConfig, hostname string) protocol.Response {
	var resp protocol.Response
	err := withLedgerLock(cfg.Ledger, func() error {
		resp = removeLocked(cfg, hostname)
		return nil
	})
	if err != nil {
		return errResp(err.Error())
	}
	return resp
}

func removeLocked(cfg profileConfig, hostname string) protocol.Response {
	l, err := readLedger(cfg.Ledger)
	if err != nil {
		return errResp(err.Error())
	}

	c, ok := l.Hosts[hostname]
	if !ok {
		return errResp(fmt.Sprintf("host %q is not contained", hostname))
	}
	delete(l.Hosts, hostname)
	if err := writeLedger(cfg.Ledger, l); err != nil {
		return errResp(err.Error())
	}
	return okResp(map[string]any{
		"hostname":  hostname,
		"ticket":    c.Ticket,
		"contained": false,
		"remaining": sortedHosts(l),
	}, []protocol.LogEntry{info("containment lifted: " + hostname)})
}

func resultFor(c *containment, already bool) map[string]any {
	out := map[string]any{
		"hostname":  c.Hostname,
		"ticket":    c.Ticket,
		"contained": true,
		"since":     c.Since,
	}
	if already {
		out["already_contained"] = true
	}
	return out
}

// deviceHostname accepts {"type":"device","device":{"hostname":"..."}}.
func deviceHostname(target map[string]any) (string, error) {
	if asString(target["type"]) != "device" {
		return "", fmt.Errorf("target must be a device")
	}
	device := asMap(target["device"])
	if device == nil {
		return "", errors.New("device target has no device object")
	}
	hostname := strings.ToLower(asString(device["hostname"]))
	if hostname == "" {
		return "", errors.New("device hostname is required")
	}
	return hostname, nil
}

func parseConfig(cfg map[string]any) (profileConfig, error) {
	out := profileConfig{MaxHosts: defaultMaxHosts}
	out.Ledger = asString(cfg["ledger"])
	if out.Ledger == "" {
		return out, errors.New("config.ledger is required")
	}
	if v := asInt(cfg["max_hosts"], 0); v > 0 {
		out.MaxHosts = v
	}
	return out, nil
}

// withLedgerLock holds an exclusive flock on a sidecar file for the whole
// read-modify-write, so concurrent invocations see each other's changes.
func withLedgerLock(path string, fn func() error) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create ledger dir: %w", err)
	}
	f, err := os.OpenFile(path+".lock", os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("open ledger lock: %w", err)
	}
	defer func() { _ = f.Close() }()

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX); err != nil {
		return fmt.Errorf("lock ledger: %w", err)
	}
	defer func() { _ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN) }()

	return fn()
}

func readLedger(path string) (*ledger, error) {
	l := &ledger{Hosts: map[string]*containment{}}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return l, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read ledger: %w", err)
	}
	if err := json.Unmarshal(data, l); err != nil {
		return nil, fmt.Errorf("parse ledger: %w", err)
	}
	if l.Hosts == nil {
		l.Hosts = map[string]*containment{}
	}
	return l, nil
}

// writeLedger replaces the ledger through a rename so readers never see a
// partial file.
func writeLedger(path string, l *ledger) error {
	data, err := json.MarshalIndent(l, "", "  ")
	if err != nil {
		return fmt.Errorf("encode ledger: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create ledger dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".ledger-*.tmp")
	if err != nil {
		return fmt.Errorf("create ledger temp: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write ledger: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close ledger temp: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("chmod ledger: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("replace ledger: %w", err)
	}
	return nil
}

func sortedHosts(l *ledger) []string {
	out := make([]string, 0, len(l.Hosts))
	for h := range l.Hosts {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}

func info(msg string) protocol.LogEntry {
	return protocol.LogEntry{Level: "info", Message: msg}
}

func okResp(result any, logs []protocol.LogEntry) protocol.Response {
	resp := protocol.Response{Status: "ok", Result: result}
	if len(logs) > 0 {
		resp.Logs = logs
	}
	return resp
}

func errResp(message string) protocol.Response {
	return protocol.Response{
		Status: "error",
		Error:  message,
		Logs:   []protocol.LogEntry{{Level: "error", Message: message}},
	}
}

func asString(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	default:
		return ""
	}
}

func asInt(v any, fallback int) int {
	switch t := v.(type) {
	case int:
		return t
	case int64:
		return int(t)
	case float64:
		return int(t)
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return int(n)
		}
	}
	return fallback
}

func asMap(v any) map[string]any {
	m, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	return m
}
