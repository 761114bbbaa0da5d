// Package permission answers "may login id X do Y" over storage-backed
// grant sets. Permissions support a trailing ":*" wildcard; roles are
// exact-match only.
package permission

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/pkg/errors"

	"github.com/authlayer/authlayer/storage"
)

var (
	ErrPermissionDenied = errors.New("permission denied")
	ErrRoleDenied       = errors.New("role denied")
)

// Checker reads and tests the permission and role sets of a login type.
type Checker struct {
	store     storage.Store
	loginType string
}

type CheckerOption func(*Checker)

// WithLoginType namespaces the stored grants (default "login"), matching
// the token manager the checker sits beside.
func WithLoginType(loginType string) CheckerOption {
	return func(c *Checker) {
		c.loginType = loginType
	}
}

func New(store storage.Store, options ...CheckerOption) *Checker {
	c := &Checker{
		store:     store,
		loginType: "login",
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// Match reports whether a granted permission satisfies a requested one:
// an exact match, or a granted "prefix:*" covering any request sharing the
// prefix ("admin:*" matches "admin:read"). Exported so other components
// (service credentials) can share the rule.
func Match(granted, requested string) bool {
	if granted == requested {
		return true
	}
	if strings.HasSuffix(granted, ":*") {
		return strings.HasPrefix(requested, granted[:len(granted)-1])
	}
	return false
}

// SetPermissions replaces loginID's permission set.
func (c *Checker) SetPermissions(ctx context.Context, loginID string, permissions []string) error {
	return c.saveSet(ctx, c.permKey(loginID), permissions)
}

// SetRoles replaces loginID's role set.
func (c *Checker) SetRoles(ctx context.Context, loginID string, roles []string) error {
	return c.saveSet(ctx, c.roleKey(loginID), roles)
}

// Permissions returns loginID's stored permission set (possibly empty).
func (c *Checker) Permissions(ctx context.Context, loginID string) ([]string, error) {
	return c.loadSet(ctx, c.permKey(loginID))
}

// Roles returns loginID's stored role set (possibly empty).
func (c *Checker) Roles(ctx context.Context, loginID string) ([]string, error) {
	return c.loadSet(ctx, c.roleKey(loginID))
}

// HasPermission reports whether loginID holds perm, exactly or through a
// stored wildcard.
func (c *Checker) HasPermission(ctx context.Context, loginID, perm string) (bool, error) {
	granted, err := c.Permissions(ctx, loginID)
	if err != nil {
		return false, err
	}
	for _, g := range granted {
		if Match(g, perm) {
			return true, nil
		}
	}
	return false, nil
}

// HasAllPermissions reports whether loginID holds every listed permission.
func (c *Checker) HasAllPermissions(ctx context.Context, loginID string, perms []string) (bool, error) {
	for _, p := range perms {
		ok, err := c.HasPermission(ctx, loginID, p)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

// HasAnyPermission reports whether loginID holds at least one listed
// permission.
func (c *Checker) HasAnyPermission(ctx context.Context, loginID string, perms []string) (bool, error) {
	for _, p := range perms {
		ok, err := c.HasPermission(ctx, loginID, p)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// HasRole reports whether loginID holds role. Roles never wildcard.
func (c *Checker) HasRole(ctx context.Context, loginID, role string) (bool, error) {
	granted, err := c.Roles(ctx, loginID)
	if err != nil {
		return false, err
	}
	for _, g := range granted {
		if g == role {
			return true, nil
		}
	}
	return false, nil
}

// HasAllRoles reports whether loginID holds every listed role.
func (c *Checker) HasAllRoles(ctx context.Context, loginID string, roles []string) (bool, error) {
	for _, r := range roles {
		ok, err := c.HasRole(ctx, loginID, r)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

// HasAnyRole reports whether loginID holds at least one listed role.
func (c *Checker) HasAnyRole(ctx context.Context, loginID string, roles []string) (bool, error) {
	for _, r := range roles {
		ok, err := c.HasRole(ctx, loginID, r)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// CheckPermission is HasPermission shaped for gate-style call sites: it
// returns ErrPermissionDenied instead of false.
func (c *Checker) CheckPermission(ctx context.Context, loginID, perm string) error {
	ok, err := c.HasPermission(ctx, loginID, perm)
	if err != nil {
		return err
	}
	if !ok {
		return errors.Wrap(ErrPermissionDenied, perm)
	}
	return nil
}

// CheckRole returns ErrRoleDenied when loginID lacks role.
func (c *Checker) CheckRole(ctx context.Context, loginID, role string) error {
	ok, err := c.HasRole(ctx, loginID, role)
	if err != nil {
		return err
	}
	if !ok {
		return errors.Wrap(ErrRoleDenied, role)
	}
	return nil
}

func (c *Checker) saveSet(ctx context.Context, key string, values []string) error {
	raw, err := json.Marshal(values)
	if err != nil {
		return errors.Wrap(err, "Checker.saveSet Marshal")
	}
	if err := c.store.Set(ctx, key, string(raw), 0); err != nil {
		return errors.Wrap(err, "Checker.saveSet Set")
	}
	return nil
}

func (c *Checker) loadSet(ctx context.Context, key string) ([]string, error) {
	raw, err := c.store.Get(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "Checker.loadSet Get")
	}

	var values []string
	if err := json.Unmarshal([]byte(raw), &values); err != nil {
		return nil, errors.Wrap(err, "permission: corrupt grant record")
	}
	return values, nil
}

func (c *Checker) permKey(loginID string) string {
	return "perm:" + c.loginType + ":" + loginID
}

func (c *Checker) roleKey(loginID string) string {
	return "role:" + c.loginType + ":" + loginID
}
