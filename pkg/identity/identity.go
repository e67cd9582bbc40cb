// Package identity describes who an agent is on the bus and how its
// application topics map onto the tenant namespace.
package identity

import (
	"errors"
	"fmt"
	"strings"
)

// NamespacePrefix is the first segment of every tenant-scoped subject.
const NamespacePrefix = "tenants"

var (
	// ErrEmptyAgentID is returned when an identity has no agent id.
	ErrEmptyAgentID = errors.New("identity: agent id is required")
	// ErrEmptyTenantID is returned when an identity has no tenant id.
	ErrEmptyTenantID = errors.New("identity: tenant id is required")
	// ErrForeignTopic is returned by Strip for subjects outside the tenant namespace.
	ErrForeignTopic = errors.New("identity: topic outside tenant namespace")
)

// Identity is the agent/tenant pair a session runs as. Both values are
// opaque and fixed for the lifetime of a session.
type Identity struct {
	AgentID  string `json:"agentId" yaml:"agent_id" toml:"agent_id"`
	TenantID string `json:"tenantId" yaml:"tenant_id" toml:"tenant_id"`
}

// Validate checks that both ids are present and usable as a subject segment.
func (id Identity) Validate() error {
	if id.AgentID == "" {
		return ErrEmptyAgentID
	}
	if id.TenantID == "" {
		return ErrEmptyTenantID
	}
	if strings.ContainsAny(id.TenantID, ".*> ") {
		return fmt.Errorf("identity: tenant id %q contains reserved characters", id.TenantID)
	}
	return nil
}

// Prefix returns "tenants.{tenantId}." including the trailing dot.
func (id Identity) Prefix() string {
	return NamespacePrefix + "." + id.TenantID + "."
}

// Qualify maps an application topic or pattern into the tenant namespace.
func (id Identity) Qualify(topic string) string {
	return id.Prefix() + topic
}

// Strip returns the application topic for a namespaced subject.
func (id Identity) Strip(subject string) (string, error) {
	prefix := id.Prefix()
	if !strings.HasPrefix(subject, prefix) || len(subject) == len(prefix) {
		return "", fmt.Errorf("%w: %q", ErrForeignTopic, subject)
	}
	return subject[len(prefix):], nil
}

// Owns reports whether subject lives in this identity's tenant namespace.
func (id Identity) Owns(subject string) bool {
	_, err := id.Strip(subject)
	return err == nil
}

func (id Identity) String() string {
	return id.TenantID + "/" + id.AgentID
}
