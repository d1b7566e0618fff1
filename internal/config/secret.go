package config

// Secret is a string type that redacts itself when printed
type Secret string

func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return "[REDACTED]"
}

// MarshalJSON ensures secrets are redacted when marshaled to JSON.
func (s Secret) MarshalJSON() ([]byte, error) {
	return []byte(`"[REDACTED]"`), nil
}

// MarshalYAML ensures secrets are redacted when the config is dumped back
// to YAML (Config.String relies on this to mask credentials).
func (s Secret) MarshalYAML() (interface{}, error) {
	return s.String(), nil
}

// GoString ensures %#v (e.g. in a panic or debug dump) never leaks the
// cleartext value either.
func (s Secret) GoString() string {
	return "[REDACTED]"
}
