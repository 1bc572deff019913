// ABOUTME: Compiled, read-only policy catalog
// ABOUTME: Case-insensitive lookups plus a content fingerprint used as the revision

package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"path"
	"sort"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/hashicorp/go-multierror"
)

// DefaultMaxScriptBytes applies when a document leaves the limit unset
const DefaultMaxScriptBytes = 64 * 1024

// Catalog is immutable after New and safe for concurrent use
type Catalog struct {
	commands map[string]AllowEntry
	aliases  map[string]string
	methods  map[string]AllowEntry
	types    map[string]AllowEntry

	forbidden map[Construct]bool

	mutatingVerbs    map[string]bool
	modeParameters   map[string]bool
	writeModeValues  map[string]bool
	mutatingSwitches map[string]bool
	methodPatterns   []string

	maxScriptBytes int
	revision       string
}

func key(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// TypeKey normalises a .NET type name: case-folded, "System." prefix dropped
func TypeKey(name string) string {
	k := key(name)
	return strings.TrimPrefix(k, "system.")
}

func toSet(values []string) map[string]bool {
	set := make(map[string]bool, len(values))
	for _, v := range values {
		set[key(v)] = true
	}
	return set
}

// New compiles a document, reporting every problem at once
func New(doc Document) (*Catalog, error) {
	var result *multierror.Error

	c := &Catalog{
		commands:         make(map[string]AllowEntry),
		aliases:          make(map[string]string),
		methods:          make(map[string]AllowEntry),
		types:            make(map[string]AllowEntry),
		forbidden:        make(map[Construct]bool),
		mutatingVerbs:    toSet(doc.Classification.MutatingVerbs),
		modeParameters:   toSet(doc.Classification.ModeParameters),
		writeModeValues:  toSet(doc.Classification.WriteModeValues),
		mutatingSwitches: toSet(doc.Classification.MutatingSwitches),
		maxScriptBytes:   doc.MaxScriptBytes,
	}
	if c.maxScriptBytes == 0 {
		c.maxScriptBytes = DefaultMaxScriptBytes
	}
	if c.maxScriptBytes < 0 {
		result = multierror.Append(result, errors.Newf("maxScriptBytes must be positive, got %d", doc.MaxScriptBytes))
	}

	addEntries := func(kind string, entries []AllowEntry, into map[string]AllowEntry, keyFn func(string) string) {
		for _, e := range entries {
			k := keyFn(e.Name)
			if k == "" {
				result = multierror.Append(result, errors.Newf("%s entry with empty name", kind))
				continue
			}
			if _, dup := into[k]; dup {
				result = multierror.Append(result, errors.Newf("duplicate %s entry %q", kind, e.Name))
				continue
			}
			for _, m := range e.Modes {
				if m != Read && m != Write {
					result = multierror.Append(result, errors.Newf("%s %q: unknown access mode %q", kind, e.Name, m))
				}
			}
			into[k] = e
		}
	}
	addEntries("command", doc.Commands, c.commands, key)
	addEntries("method", doc.Methods, c.methods, key)
	addEntries("type", doc.Types, c.types, TypeKey)

	for alias, target := range doc.Aliases {
		if key(alias) == "" || key(target) == "" {
			result = multierror.Append(result, errors.Newf("alias %q -> %q is incomplete", alias, target))
			continue
		}
		c.aliases[key(alias)] = target
	}

	known := make(map[Construct]bool, len(KnownConstructs))
	for _, k := range KnownConstructs {
		known[k] = true
	}
	for _, f := range doc.Forbidden {
		if !known[f] {
			result = multierror.Append(result, errors.Newf("unknown forbidden construct %q", f))
			continue
		}
		c.forbidden[f] = true
	}

	for _, p := range doc.Classification.MutatingMethodPatterns {
		lp := key(p)
		if _, err := path.Match(lp, ""); err != nil {
			result = multierror.Append(result, errors.Wrapf(err, "method pattern %q", p))
			continue
		}
		c.methodPatterns = append(c.methodPatterns, lp)
	}

	if err := result.ErrorOrNil(); err != nil {
		return nil, errors.Wrap(err, "invalid policy catalog")
	}

	rev, err := fingerprint(doc, c.maxScriptBytes)
	if err != nil {
		return nil, err
	}
	c.revision = rev
	return c, nil
}

// fingerprint hashes an order-independent rendering of the document
func fingerprint(doc Document, maxBytes int) (string, error) {
	canon := doc
	canon.MaxScriptBytes = maxBytes
	canon.Commands = canonicalEntries(doc.Commands, key)
	canon.Methods = canonicalEntries(doc.Methods, key)
	canon.Types = canonicalEntries(doc.Types, TypeKey)

	aliases := make(map[string]string, len(doc.Aliases))
	for a, t := range doc.Aliases {
		aliases[key(a)] = key(t)
	}
	canon.Aliases = aliases

	forbidden := append([]Construct(nil), doc.Forbidden...)
	sort.Slice(forbidden, func(i, j int) bool { return forbidden[i] < forbidden[j] })
	canon.Forbidden = forbidden

	canon.Classification = Classification{
		MutatingVerbs:          canonicalStrings(doc.Classification.MutatingVerbs),
		ModeParameters:         canonicalStrings(doc.Classification.ModeParameters),
		WriteModeValues:        canonicalStrings(doc.Classification.WriteModeValues),
		MutatingSwitches:       canonicalStrings(doc.Classification.MutatingSwitches),
		MutatingMethodPatterns: canonicalStrings(doc.Classification.MutatingMethodPatterns),
	}

	// encoding/json sorts map keys, so the rendering is stable
	data, err := json.Marshal(canon)
	if err != nil {
		return "", errors.Wrap(err, "fingerprint catalog")
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

func canonicalEntries(entries []AllowEntry, keyFn func(string) string) []AllowEntry {
	out := make([]AllowEntry, 0, len(entries))
	for _, e := range entries {
		modes := append([]AccessMode(nil), e.Modes...)
		if len(modes) == 0 {
			modes = []AccessMode{Read}
		}
		sort.Slice(modes, func(i, j int) bool { return modes[i] < modes[j] })
		out = append(out, AllowEntry{Name: keyFn(e.Name), Modes: modes, DataAccess: e.DataAccess})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func canonicalStrings(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		out = append(out, key(v))
	}
	sort.Strings(out)
	return out
}

// Revision identifies the catalog content
func (c *Catalog) Revision() string { return c.revision }

// MaxScriptBytes is the largest source the validator will parse
func (c *Catalog) MaxScriptBytes() int { return c.maxScriptBytes }

// ResolveAlias maps an alias to its command name; other names are returned unchanged
func (c *Catalog) ResolveAlias(name string) string {
	if target, ok := c.aliases[key(name)]; ok {
		return target
	}
	return name
}

// Command looks up a command after alias resolution
func (c *Catalog) Command(name string) (AllowEntry, bool) {
	e, ok := c.commands[key(c.ResolveAlias(name))]
	return e, ok
}

func (c *Catalog) Method(name string) (AllowEntry, bool) {
	e, ok := c.methods[key(name)]
	return e, ok
}

func (c *Catalog) Type(name string) (AllowEntry, bool) {
	e, ok := c.types[TypeKey(name)]
	return e, ok
}

// Forbids reports whether a construct is on the denylist. Compound
// assignment is always forbidden.
func (c *Catalog) Forbids(construct Construct) bool {
	if construct == CompoundAssignment || construct == OversizedScript {
		return true
	}
	return c.forbidden[construct]
}

// IsMutatingVerb checks the verb half of a Verb-Noun command name
func (c *Catalog) IsMutatingVerb(command string) bool {
	verb, _, found := strings.Cut(command, "-")
	if !found {
		return false
	}
	return c.mutatingVerbs[key(verb)]
}

// IsModeParameter reports whether a command parameter selects the access mode.
// Abbreviations count, since the shell binds any unambiguous prefix.
func (c *Catalog) IsModeParameter(name string) bool { return matchesPrefix(c.modeParameters, name) }

func (c *Catalog) IsWriteModeValue(value string) bool { return c.writeModeValues[key(value)] }

func (c *Catalog) IsMutatingSwitch(name string) bool { return matchesPrefix(c.mutatingSwitches, name) }

func matchesPrefix(set map[string]bool, name string) bool {
	n := key(name)
	if n == "" {
		return false
	}
	if set[n] {
		return true
	}
	for full := range set {
		if strings.HasPrefix(full, n) {
			return true
		}
	}
	return false
}

// IsMutatingMethod matches a method name against the mutating patterns
func (c *Catalog) IsMutatingMethod(name string) bool {
	n := key(name)
	for _, p := range c.methodPatterns {
		if ok, _ := path.Match(p, n); ok {
			return true
		}
	}
	return false
}
