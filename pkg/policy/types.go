// ABOUTME: Policy catalog data model
// ABOUTME: Allowlist entries, forbidden constructs and the on-disk document shape

package policy

// AccessMode is how an invocation touches tenant data
type AccessMode string

const (
	Read  AccessMode = "read"
	Write AccessMode = "write"
)

// Construct names a syntactic pattern the denylist can forbid
type Construct string

const (
	CompoundAssignment Construct = "compound-assignment"
	CallOperator       Construct = "call-operator"
	DotSource          Construct = "dot-source"
	FileRedirection    Construct = "file-redirection"
	WhileLoop          Construct = "while-loop"
	DoLoop             Construct = "do-loop"
	ForLoop            Construct = "for-loop"
	FunctionDefinition Construct = "function-definition"
	ExitStatement      Construct = "exit-statement"
	ProviderVariable   Construct = "provider-variable"
	ScopedWrite        Construct = "scoped-write"
	DynamicMember      Construct = "dynamic-member"
	SwitchFile         Construct = "switch-file"
	OversizedScript    Construct = "oversized-script"
)

// KnownConstructs lists every construct a catalog may enable
var KnownConstructs = []Construct{
	CallOperator, DotSource, FileRedirection, WhileLoop, DoLoop, ForLoop,
	FunctionDefinition, ExitStatement, ProviderVariable, ScopedWrite,
	DynamicMember, SwitchFile,
}

// AllowEntry permits an identifier in the listed access modes
type AllowEntry struct {
	Name       string       `yaml:"name" json:"name"`
	Modes      []AccessMode `yaml:"modes,omitempty" json:"modes,omitempty"`
	DataAccess bool         `yaml:"dataAccess,omitempty" json:"dataAccess,omitempty"`
}

// Permits reports whether mode is granted. No modes means read only.
func (e AllowEntry) Permits(mode AccessMode) bool {
	if len(e.Modes) == 0 {
		return mode == Read
	}
	for _, m := range e.Modes {
		if m == mode {
			return true
		}
	}
	return false
}

// Classification drives access-mode inference for invocations
type Classification struct {
	MutatingVerbs          []string `yaml:"mutatingVerbs" json:"mutatingVerbs"`
	ModeParameters         []string `yaml:"modeParameters" json:"modeParameters"`
	WriteModeValues        []string `yaml:"writeModeValues" json:"writeModeValues"`
	MutatingSwitches       []string `yaml:"mutatingSwitches" json:"mutatingSwitches"`
	MutatingMethodPatterns []string `yaml:"mutatingMethodPatterns" json:"mutatingMethodPatterns"`
}

// Document is the YAML form of a catalog
type Document struct {
	Version        int               `yaml:"version" json:"version"`
	MaxScriptBytes int               `yaml:"maxScriptBytes" json:"maxScriptBytes"`
	Commands       []AllowEntry      `yaml:"commands" json:"commands"`
	Aliases        map[string]string `yaml:"aliases" json:"aliases"`
	Methods        []AllowEntry      `yaml:"methods" json:"methods"`
	Types          []AllowEntry      `yaml:"types" json:"types"`
	Forbidden      []Construct       `yaml:"forbidden" json:"forbidden"`
	Classification Classification    `yaml:"classification" json:"classification"`
}
