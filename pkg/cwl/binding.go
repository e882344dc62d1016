package cwl

import (
	"encoding/json"

	"gopkg.in/yaml.v3"
)

// InputBinding controls how an input parameter is converted to command-line argument(s).
// See https://www.commonwl.org/v1.2/CommandLineTool.html#CommandLineBinding
type InputBinding struct {
	// Position determines the relative ordering of arguments on the command line.
	// Ties keep declaration order.
	Position int `json:"position,omitempty" yaml:"position,omitempty"`

	// Prefix is prepended to the value (e.g., "--input" or "-i").
	Prefix string `json:"prefix,omitempty" yaml:"prefix,omitempty"`

	// Separate controls whether prefix and value are separate argv entries.
	// Default is true; if false they are concatenated ("-ivalue").
	Separate *bool `json:"separate,omitempty" yaml:"separate,omitempty"`

	// ItemSeparator joins array items into a single argument.
	ItemSeparator string `json:"itemSeparator,omitempty" yaml:"itemSeparator,omitempty"`

	// ValueFrom replaces the bound value with the result of an expression.
	// self is the bound value.
	ValueFrom string `json:"valueFrom,omitempty" yaml:"valueFrom,omitempty"`

	// ShellQuote controls quoting under ShellCommandRequirement. Default is true.
	ShellQuote *bool `json:"shellQuote,omitempty" yaml:"shellQuote,omitempty"`
}

// SeparateArgs reports whether prefix and value become separate argv entries.
func (b *InputBinding) SeparateArgs() bool {
	return b == nil || b.Separate == nil || *b.Separate
}

// Quote reports whether the binding's tokens are shell-quoted.
func (b *InputBinding) Quote() bool {
	return b == nil || b.ShellQuote == nil || *b.ShellQuote
}

// OutputBinding specifies how to find and collect an output after execution.
// See https://www.commonwl.org/v1.2/CommandLineTool.html#CommandOutputBinding
type OutputBinding struct {
	// Glob patterns are matched relative to the sandbox output directory.
	// Each entry may be an expression.
	Glob []string `json:"glob,omitempty" yaml:"glob,omitempty"`

	// LoadContents reads the first 64 KiB of each matched file into contents.
	LoadContents bool `json:"loadContents,omitempty" yaml:"loadContents,omitempty"`

	// OutputEval transforms the collected value; self is the matched list.
	OutputEval string `json:"outputEval,omitempty" yaml:"outputEval,omitempty"`
}

// Argument is a command-line argument not tied to an input parameter.
// A plain string argument is an Argument with only ValueFrom set.
type Argument struct {
	Position   int    `json:"position,omitempty" yaml:"position,omitempty"`
	Prefix     string `json:"prefix,omitempty" yaml:"prefix,omitempty"`
	Separate   *bool  `json:"separate,omitempty" yaml:"separate,omitempty"`
	ValueFrom  string `json:"valueFrom" yaml:"valueFrom"`
	ShellQuote *bool  `json:"shellQuote,omitempty" yaml:"shellQuote,omitempty"`
}

// UnmarshalYAML accepts either a bare string or a binding mapping.
func (a *Argument) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		*a = Argument{ValueFrom: node.Value}
		return nil
	}
	type plain Argument
	var p plain
	if err := node.Decode(&p); err != nil {
		return err
	}
	*a = Argument(p)
	return nil
}

// UnmarshalJSON accepts either a bare string or a binding object.
func (a *Argument) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*a = Argument{ValueFrom: s}
		return nil
	}
	type plain Argument
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*a = Argument(p)
	return nil
}

// Binding returns the argument as an InputBinding for shared argv construction.
func (a Argument) Binding() *InputBinding {
	return &InputBinding{
		Position:   a.Position,
		Prefix:     a.Prefix,
		Separate:   a.Separate,
		ValueFrom:  a.ValueFrom,
		ShellQuote: a.ShellQuote,
	}
}

// Dirent is an InitialWorkDirRequirement listing entry.
// See https://www.commonwl.org/v1.2/CommandLineTool.html#Dirent
type Dirent struct {
	// Entryname is the file or directory name inside the output directory.
	// May be an expression.
	Entryname string `json:"entryname,omitempty" yaml:"entryname,omitempty"`

	// Entry is literal file content, an expression, or a File/Directory value.
	Entry any `json:"entry" yaml:"entry"`

	// Writable requests a copy instead of a link.
	Writable bool `json:"writable,omitempty" yaml:"writable,omitempty"`
}

// EnvironmentDef is an EnvVarRequirement entry.
type EnvironmentDef struct {
	EnvName  string `json:"envName" yaml:"envName"`
	EnvValue string `json:"envValue" yaml:"envValue"`
}
