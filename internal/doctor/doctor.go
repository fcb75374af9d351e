// Package doctor validates oc2gw configuration against the profiles it names.
package doctor

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mattjoyce/oc2gw/internal/auth"
	"github.com/mattjoyce/oc2gw/internal/catalog"
	"github.com/mattjoyce/oc2gw/internal/config"
	"github.com/mattjoyce/oc2gw/internal/profile"
	"github.com/mattjoyce/oc2gw/internal/storage"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor validates configuration against discovered exec profiles and the
// compiled-in builtins.
type Doctor struct {
	cfg   *config.Config
	index *profile.Index

	// checkFS vets the state database location; tests replace it.
	checkFS func(path string) error
}

// New creates a Doctor. index may be nil when no exec profiles were discovered.
func New(cfg *config.Config, index *profile.Index) *Doctor {
	if index == nil {
		index = profile.NewIndex()
	}
	return &Doctor{cfg: cfg, index: index, checkFS: storage.CheckFilesystem}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.validateServiceConfig(r)
	d.validateProfileRefs(r)
	d.validateShadowing(r)
	d.validateAPIConfig(r)
	d.validateTokenScopes(r)
	d.warnUnusedProfiles(r)
	d.warnBroadAPIKey(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) validateServiceConfig(r *Result) {
	if d.cfg.State.Path == "" {
		d.addError(r, "service", "state.path", "state.path is required")
	} else if err := d.checkFS(d.cfg.ResolvePath(d.cfg.State.Path)); err != nil {
		var remote *storage.NetworkFilesystemError
		if errors.As(err, &remote) {
			d.addError(r, "service", "state.path", err.Error())
		} else {
			d.addWarning(r, "service", "state.path", "could not check state database filesystem: "+err.Error())
		}
	}
	if d.cfg.Service.HistoryRetention == 0 {
		d.addWarning(r, "service", "service.history_retention",
			"history_retention is 0; the command log is never pruned")
	}
	if len(d.cfg.EnabledProfiles()) == 0 {
		d.addWarning(r, "profiles", "profiles", "no enabled profiles; every command will be rejected as unknown")
	}
}

// validateProfileRefs checks that every enabled profile can be built.
func (d *Doctor) validateProfileRefs(r *Result) {
	for i, pc := range d.cfg.Profiles {
		if !pc.IsEnabled() {
			continue
		}
		field := fmt.Sprintf("profiles[%d]", i)
		switch pc.Kind {
		case config.KindBuiltin:
			if _, ok := catalog.Lookup(pc.Name); !ok {
				d.addError(r, "profile_refs", field+".name",
					fmt.Sprintf("builtin profile %q does not exist (available: %s)", pc.Name, strings.Join(catalog.Names(), ", ")))
			}
		case config.KindExec:
			desc, ok := d.index.Get(pc.Name)
			if !ok {
				d.addError(r, "profile_refs", field+".name",
					fmt.Sprintf("exec profile %q in config but not found in profiles_dir", pc.Name))
				continue
			}
			if pc.Timeout == 0 && desc.Timeout == 0 {
				d.addWarning(r, "profile_refs", field+".timeout",
					fmt.Sprintf("exec profile %q has no timeout; the default of %s applies", pc.Name, profile.DefaultExecTimeout))
			}
		}
	}
}

// validateShadowing reports actions hidden by a later profile, the same way
// the resolver will see them.
func (d *Doctor) validateShadowing(r *Result) {
	enabled := d.cfg.EnabledProfiles()
	owner := make(map[string]string)
	strict := strings.EqualFold(strings.TrimSpace(d.cfg.Dispatch.Shadowing), "strict")

	for i := len(enabled) - 1; i >= 0; i-- {
		pc := enabled[i]
		for _, name := range d.actionsOf(pc) {
			winner, taken := owner[name]
			if !taken {
				owner[name] = pc.Name
				continue
			}
			msg := fmt.Sprintf("action %q of profile %q is shadowed by profile %q", name, pc.Name, winner)
			if strict {
				d.addError(r, "shadowing", "dispatch.shadowing", msg)
			} else {
				d.addWarning(r, "shadowing", "", msg)
			}
		}
	}
}

func (d *Doctor) actionsOf(pc config.ProfileConf) []string {
	switch pc.Kind {
	case config.KindBuiltin:
		a, _ := catalog.Actions(pc.Name)
		return a
	case config.KindExec:
		if desc, ok := d.index.Get(pc.Name); ok {
			return desc.ActionNames()
		}
	}
	return nil
}

func (d *Doctor) validateAPIConfig(r *Result) {
	if !d.cfg.API.Enabled {
		return
	}
	if d.cfg.API.Listen == "" {
		d.addError(r, "api", "api.listen", "api.listen is required when API is enabled")
	}
	if d.cfg.API.Auth.APIKey == "" && len(d.cfg.API.Auth.Tokens) == 0 {
		d.addError(r, "api", "api.auth", "API enabled but no authentication configured")
	}
}

var knownScopes = map[string]struct{}{
	auth.ScopeAll:        {},
	auth.ScopeCommandRW:  {},
	"command:ro":         {},
	auth.ScopeProfilesRO: {},
	"profiles:rw":        {},
	auth.ScopeHistoryRO:  {},
	"history:rw":         {},
	auth.ScopeEventsRO:   {},
	"events:rw":          {},
}

func (d *Doctor) validateTokenScopes(r *Result) {
	for i, token := range d.cfg.API.Auth.Tokens {
		for j, scope := range token.Scopes {
			field := fmt.Sprintf("api.auth.tokens[%d].scopes[%d]", i, j)
			if _, ok := knownScopes[strings.TrimSpace(scope)]; !ok {
				d.addError(r, "token_scopes", field,
					fmt.Sprintf("unknown scope %q (expected *, command:rw, profiles:ro, history:ro or events:ro)", scope))
			}
		}
	}
}

// warnUnusedProfiles warns about discovered exec profiles not referenced in config.
func (d *Doctor) warnUnusedProfiles(r *Result) {
	referenced := make(map[string]struct{}, len(d.cfg.Profiles))
	for _, pc := range d.cfg.Profiles {
		if pc.Kind == config.KindExec {
			referenced[pc.Name] = struct{}{}
		}
	}
	for _, name := range d.index.Names() {
		if _, ok := referenced[name]; !ok {
			d.addWarning(r, "unused", "",
				fmt.Sprintf("profile %q discovered but not referenced in config", name))
		}
	}
}

func (d *Doctor) warnBroadAPIKey(r *Result) {
	if d.cfg.API.Auth.APIKey != "" {
		d.addWarning(r, "api", "api.auth.api_key",
			"api_key grants full access; prefer tokens with scopes")
	}
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	switch {
	case r.Valid && len(r.Warnings) == 0:
		b.WriteString("Configuration valid.\n")
		return b.String()
	case r.Valid:
		fmt.Fprintf(&b, "Configuration valid (%d warning(s))\n", len(r.Warnings))
	default:
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		writeIssue(&b, "ERROR", e)
	}
	for _, w := range r.Warnings {
		writeIssue(&b, "WARN ", w)
	}
	return b.String()
}

func writeIssue(b *strings.Builder, level string, is Issue) {
	if is.Field != "" {
		fmt.Fprintf(b, "  %s [%s] %s: %s\n", level, is.Category, is.Field, is.Message)
		return
	}
	fmt.Fprintf(b, "  %s [%s] %s\n", level, is.Category, is.Message)
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
