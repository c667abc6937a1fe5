package rolesync

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/TheLab-ms/rolesync/modules/accounts"
	"gopkg.in/yaml.v3"
)

// Mapping holds the allow-listed email domain and the group name to role table.
// It can't be changed once loaded.
type Mapping struct {
	allowedDomain string
	roles         map[string]accounts.RoleID
}

type mappingFile struct {
	AllowedDomain string            `yaml:"allowedDomain"`
	Roles         map[string]string `yaml:"roles"`
}

func LoadMapping(path string) (*Mapping, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading role mapping: %w", err)
	}
	m, err := ParseMapping(buf)
	if err != nil {
		return nil, fmt.Errorf("parsing role mapping %s: %w", path, err)
	}
	return m, nil
}

func ParseMapping(buf []byte) (*Mapping, error) {
	var f mappingFile
	dec := yaml.NewDecoder(bytes.NewReader(buf))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, err
	}
	return NewMapping(f.AllowedDomain, f.Roles)
}

// NewMapping copies the given table so later changes to it have no effect.
func NewMapping(allowedDomain string, roles map[string]string) (*Mapping, error) {
	m := &Mapping{
		allowedDomain: strings.ToLower(strings.TrimSpace(allowedDomain)),
		roles:         make(map[string]accounts.RoleID, len(roles)),
	}
	if m.allowedDomain == "" {
		return nil, errors.New("allowedDomain is required")
	}
	if strings.Contains(m.allowedDomain, "@") {
		return nil, fmt.Errorf("allowedDomain %q must not contain @", allowedDomain)
	}

	for group, role := range roles {
		if group == "" {
			return nil, errors.New("group names can't be empty")
		}
		id := accounts.RoleID(strings.TrimSpace(role))
		if id == "" || id == accounts.NoRole {
			return nil, fmt.Errorf("group %q maps to an invalid role %q", group, role)
		}
		m.roles[group] = id
	}
	return m, nil
}

func (m *Mapping) AllowedDomain() string { return m.allowedDomain }

// RoleFor returns the role granted to members of the named group.
func (m *Mapping) RoleFor(group string) (accounts.RoleID, bool) {
	role, ok := m.roles[group]
	return role, ok
}

func (m *Mapping) Len() int { return len(m.roles) }

// DomainOf returns the segment between the first and second "@" of an email.
// Anything after a second "@" is ignored.
func DomainOf(email string) string {
	parts := strings.Split(email, "@")
	if len(parts) < 2 {
		return ""
	}
	return parts[1]
}
