package config

import "strings"

// Credential refers to an API key either by literal value or by the name of
// an environment variable. Value wins when both are set.
type Credential struct {
	Value string
	Env   string
	// Lookup resolves Env. A nil Lookup resolves nothing.
	Lookup func(string) (string, bool)
}

// Literal returns a Credential holding key itself.
func Literal(key string) Credential {
	return Credential{Value: key}
}

// FromEnv returns a Credential read from name through lookup.
func FromEnv(name string, lookup func(string) (string, bool)) Credential {
	return Credential{Env: name, Lookup: lookup}
}

// Resolve returns the key, or false when it is missing or blank.
func (c Credential) Resolve() (string, bool) {
	if v := strings.TrimSpace(c.Value); v != "" {
		return v, true
	}
	name := c.envName()
	if c.Lookup == nil {
		return "", false
	}
	v, ok := c.Lookup(name)
	v = strings.TrimSpace(v)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// String names the reference without revealing the key.
func (c Credential) String() string {
	if strings.TrimSpace(c.Value) != "" {
		return "literal key"
	}
	return "env " + c.envName()
}

func (c Credential) envName() string {
	if name := strings.TrimSpace(c.Env); name != "" {
		return name
	}
	return DefaultCredentialEnv
}
