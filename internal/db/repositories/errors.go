// Package repositories implements the SQL stores behind the registry: the API key store
// (database/sql) and the agent version store and download log (sqlx).
package repositories

import (
	"errors"

	"github.com/lib/pq"
)

var (
	// ErrDuplicateName means the owner already has a key with that name, active or not.
	ErrDuplicateName = errors.New("api key name already in use")
	// ErrKeyLimit means the owner already holds the maximum number of active keys.
	ErrKeyLimit = errors.New("active api key limit reached")
	// ErrKeyCollision means a generated secret or prefix collided with an existing key.
	ErrKeyCollision = errors.New("api key secret collision")
	// ErrKeyNotFound means no key with that id belongs to the owner.
	ErrKeyNotFound = errors.New("api key not found")
	// ErrVersionExists means the agent version has already been published.
	ErrVersionExists = errors.New("agent version already exists")
)

const pqUniqueViolation = "23505"

// uniqueViolation returns the violated constraint name when err is a unique violation.
func uniqueViolation(err error) (string, bool) {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation {
		return pqErr.Constraint, true
	}
	return "", false
}
