package credstore

import "errors"

var ErrNotFound = errors.New("credential not found")

// Store is durable key/value persistence for the client's credentials. Values
// are opaque strings; callers own serialization and must tolerate garbage on
// Read.
type Store interface {
	Write(key, value string) error
	Read(key string) (string, error)
	// Clear removes every key owned by this store's namespace.
	Clear() error
}
