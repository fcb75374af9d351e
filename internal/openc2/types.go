// Package openc2 defines the parsed command model handed to the dispatch core.
//
// Objects are tagged by their "type" field. Only that tag takes part in
// dispatch; every other field is opaque payload for the handler.
package openc2

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Tag is the value of an object's "type" field.
type Tag string

// Absent is the tag of a missing object, or of an object without a string
// "type" field.
const Absent Tag = ""

// String renders Absent visibly in logs and error messages.
func (t Tag) String() string {
	if t == Absent {
		return "<absent>"
	}
	return string(t)
}

// Tags builds a tag set from names. Duplicates are dropped, order is kept.
func Tags(names ...string) []Tag {
	out := make([]Tag, 0, len(names))
	seen := make(map[Tag]struct{}, len(names))
	for _, n := range names {
		t := Tag(strings.TrimSpace(n))
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

// TypedObject is a target or actuator: a "type" tag plus arbitrary fields.
// A nil TypedObject is an absent object.
type TypedObject map[string]any

// Type returns the object's tag, or Absent.
func (o TypedObject) Type() Tag {
	if o == nil {
		return Absent
	}
	s, ok := o["type"].(string)
	if !ok {
		return Absent
	}
	return Tag(s)
}

// Object builds a TypedObject with the given tag and extra fields.
func Object(tag Tag, fields map[string]any) TypedObject {
	o := make(TypedObject, len(fields)+1)
	for k, v := range fields {
		o[k] = v
	}
	if tag != Absent {
		o["type"] = string(tag)
	}
	return o
}

// ErrMalformedCommand reports a command missing a required field.
var ErrMalformedCommand = errors.New("malformed command")

// Command is a parsed command. It is owned by the caller and never mutated
// by the dispatch core.
type Command struct {
	Action   string      `json:"action" yaml:"action"`
	Target   TypedObject `json:"target" yaml:"target"`
	Actuator TypedObject `json:"actuator,omitempty" yaml:"actuator,omitempty"`
	Modifier any         `json:"modifier,omitempty" yaml:"modifier,omitempty"`
}

// Validate checks the required fields.
func (c Command) Validate() error {
	if strings.TrimSpace(c.Action) == "" {
		return fmt.Errorf("%w: action is required", ErrMalformedCommand)
	}
	if c.Target == nil {
		return fmt.Errorf("%w: target is required", ErrMalformedCommand)
	}
	return nil
}

// Summary returns a short "action target[/actuator]" rendering for logs.
func (c Command) Summary() string {
	s := c.Action + " " + c.Target.Type().String()
	if c.Actuator != nil {
		s += "/" + c.Actuator.Type().String()
	}
	return s
}

// SortTags returns a sorted copy of tags.
func SortTags(tags []Tag) []Tag {
	out := append([]Tag(nil), tags...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
