package config

import (
	"fmt"
	"sort"
)

// KeyInfo describes a config key for display purposes.
type KeyInfo struct {
	Key    string
	EnvVar string
	Value  string
	Secret bool
}

// ShowAll returns every config key with its current value. Secret values
// are reported as set or unset only.
func ShowAll(cfg Config) []KeyInfo {
	var result []KeyInfo
	for _, s := range specs {
		value := fmt.Sprintf("%v", s.extract(cfg))
		if s.secret {
			if value == "" {
				value = "(unset)"
			} else {
				value = "(set)"
			}
		}
		result = append(result, KeyInfo{
			Key:    s.key,
			EnvVar: s.env,
			Value:  value,
			Secret: s.secret,
		})
	}
	return result
}

// SetKey validates value against the key's type and persists it. Secrets
// go to the owner-only secrets file, everything else to the config file.
func SetKey(key, value string) error {
	return setKeyWith(newFileBackend(configFilePath()), newSecretsFile(secretsFilePath()), key, value)
}

type secretWriter interface {
	Set(key, value string) error
}

func setKeyWith(b ConfigBackend, secrets secretWriter, key, value string) error {
	s, ok := lookupSpec(key)
	if !ok {
		return fmt.Errorf("unknown config key: %q", key)
	}
	v, err := parseValue(s.typ, value)
	if err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}

	if s.secret {
		return secrets.Set(key, value)
	}
	if s.typ == kInt {
		return b.SetInt(key, v.(int))
	}
	return b.SetString(key, value)
}

// UnsetKey removes a key from the config file so the default applies again.
func UnsetKey(key string) error {
	s, ok := lookupSpec(key)
	if !ok {
		return fmt.Errorf("unknown config key: %q", key)
	}
	if s.secret {
		return fmt.Errorf("cannot unset secret %q; edit %s", key, secretsFilePath())
	}
	return newFileBackend(configFilePath()).Delete(key)
}

// ValidKeys returns the sorted list of config key names.
func ValidKeys() []string {
	keys := make([]string, 0, len(specs))
	for _, s := range specs {
		keys = append(keys, s.key)
	}
	sort.Strings(keys)
	return keys
}
