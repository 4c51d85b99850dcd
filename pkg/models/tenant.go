package models

import (
	"errors"
	"strings"
	"time"
)

// Tenant is a space: the unit that owns workflow templates and proposals.
// Users are placed in the tenant matching the domain of their email address.
type Tenant struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Domain    string    `json:"domain"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewTenant returns an unsaved tenant for domain, named after it unless
// name is given.
func NewTenant(domain, name string) *Tenant {
	domain = strings.ToLower(domain)
	if name == "" {
		name = domain
	}
	return &Tenant{Name: name, Domain: domain}
}

// TenantDomain extracts the lower-cased domain of an email address.
func TenantDomain(email string) (string, error) {
	parts := strings.Split(email, "@")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", errors.New("invalid email format")
	}
	return strings.ToLower(parts[1]), nil
}
