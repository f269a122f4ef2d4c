// Package store is the remote, authoritative document store: a hierarchical
// namespace of documents (even number of path segments) grouped in collections
// (odd number of segments), with an isolated read-modify-write transaction
// primitive and snapshot listeners.
package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

// DefaultMaxAttempts is how many times a conflicting transaction is re-run
// before the store gives up with ErrAborted.
const DefaultMaxAttempts = 5

var (
	// ErrAborted means the transaction kept conflicting with concurrent writers.
	ErrAborted = errors.New("store: transaction aborted after repeated conflicts")

	// ErrInvalidPath is returned for malformed document or collection paths.
	ErrInvalidPath = errors.New("store: invalid path")

	// ErrReadAfterWrite is returned when a transaction reads after it has written.
	ErrReadAfterWrite = errors.New("store: transaction reads must precede writes")

	// ErrClosed is returned by a store after Close.
	ErrClosed = errors.New("store: closed")
)

// Document is a snapshot of one document. A document that does not exist is
// returned with a nil Data map and a zero Version.
type Document struct {
	Path       string                 `json:"path"`
	Data       map[string]interface{} `json:"data"`
	Version    int64                  `json:"version"`
	UpdateTime time.Time              `json:"update_time"`
}

// Exists reports whether the document was present when read.
func (d *Document) Exists() bool {
	return d != nil && d.Version > 0
}

// ID returns the last segment of the document path.
func (d *Document) ID() string {
	return lastSegment(d.Path)
}

// Int64 returns an integer field, zero when missing or not numeric.
func (d *Document) Int64(field string) int64 {
	if d == nil {
		return 0
	}
	return toInt64(d.Data[field])
}

// Float64 returns a numeric field, zero when missing or not numeric.
func (d *Document) Float64(field string) float64 {
	if d == nil {
		return 0
	}
	return toFloat64(d.Data[field])
}

// String returns a string field and whether it was present.
func (d *Document) String(field string) (string, bool) {
	if d == nil {
		return "", false
	}
	s, ok := d.Data[field].(string)
	return s, ok
}

// Snapshot is delivered to listeners. Document listeners receive Document
// (which may not exist); collection listeners receive Documents.
type Snapshot struct {
	Path      string
	Document  *Document
	Documents []*Document
}

// Listener receives snapshots, or a non-nil error when reading failed.
type Listener func(snap Snapshot, err error)

// Registration stops a listener. Remove is idempotent and must not be called
// from inside the listener it stops.
type Registration interface {
	Remove() error
}

// Tx is the view a transaction function has of the store.
type Tx interface {
	// Get reads a document inside the transaction.
	Get(ctx context.Context, path string) (*Document, error)

	// Set replaces a document.
	Set(path string, data map[string]interface{}) error

	// Merge sets the given fields, creating the document if needed.
	Merge(path string, fields map[string]interface{}) error

	// Delete removes a document. Deleting a missing document is not an error.
	Delete(path string) error
}

// TxFunc is the body of a transaction. It may be run more than once.
type TxFunc func(ctx context.Context, tx Tx) error

// DocumentStore defines the remote document store operations.
type DocumentStore interface {
	// Get reads a document. A missing document is not an error.
	Get(ctx context.Context, path string) (*Document, error)

	// List reads the direct children of a collection, sorted by path.
	List(ctx context.Context, collection string) ([]*Document, error)

	// Set replaces a document.
	Set(ctx context.Context, path string, data map[string]interface{}) error

	// Merge sets the given fields, creating the document if needed.
	Merge(ctx context.Context, path string, fields map[string]interface{}) error

	// Delete removes a document.
	Delete(ctx context.Context, path string) error

	// RunTransaction runs fn in an isolated read-modify-write unit.
	RunTransaction(ctx context.Context, fn TxFunc) error

	// ListenDocument delivers the document now and after every change.
	ListenDocument(ctx context.Context, path string, fn Listener) (Registration, error)

	// ListenCollection delivers the collection now and after every change.
	ListenCollection(ctx context.Context, collection string, fn Listener) (Registration, error)

	// Close releases the store's connections and stops its listeners.
	Close() error
}

// ValidateDocumentPath checks a document path ("users/u1", "users/u1/wallet/balance").
func ValidateDocumentPath(path string) error {
	n, err := segments(path)
	if err != nil {
		return err
	}
	if n%2 != 0 {
		return fmt.Errorf("%w: %q is a collection path", ErrInvalidPath, path)
	}
	return nil
}

// ValidateCollectionPath checks a collection path ("users", "users/u1/locked").
func ValidateCollectionPath(path string) error {
	n, err := segments(path)
	if err != nil {
		return err
	}
	if n%2 != 1 {
		return fmt.Errorf("%w: %q is a document path", ErrInvalidPath, path)
	}
	return nil
}

// Parent returns the collection a document belongs to.
func Parent(path string) string {
	i := strings.LastIndexByte(path, '/')
	if i < 0 {
		return ""
	}
	return path[:i]
}

func segments(path string) (int, error) {
	if path == "" || strings.HasPrefix(path, "/") || strings.HasSuffix(path, "/") {
		return 0, fmt.Errorf("%w: %q", ErrInvalidPath, path)
	}
	parts := strings.Split(path, "/")
	for _, p := range parts {
		if p == "" {
			return 0, fmt.Errorf("%w: empty segment in %q", ErrInvalidPath, path)
		}
	}
	return len(parts), nil
}

func lastSegment(path string) string {
	return path[strings.LastIndexByte(path, '/')+1:]
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int32:
		return int64(n)
	case int64:
		return n
	case uint32:
		return int64(n)
	case float32:
		return int64(n)
	case float64:
		return int64(math.Round(n))
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i
		}
		if f, err := n.Float64(); err == nil {
			return int64(math.Round(f))
		}
	}
	return 0
}

func toFloat64(v interface{}) float64 {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int32:
		return float64(n)
	case int64:
		return float64(n)
	case uint32:
		return float64(n)
	case float32:
		return float64(n)
	case float64:
		return n
	case json.Number:
		f, _ := n.Float64()
		return f
	}
	return 0
}

func cloneData(data map[string]interface{}) map[string]interface{} {
	if data == nil {
		return map[string]interface{}{}
	}
	out := make(map[string]interface{}, len(data))
	for k, v := range data {
		out[k] = v
	}
	return out
}

func cloneDocument(d *Document) *Document {
	if d == nil {
		return nil
	}
	c := *d
	if d.Data != nil {
		c.Data = cloneData(d.Data)
	}
	return &c
}

func missing(path string) *Document {
	return &Document{Path: path}
}

func sortDocuments(docs []*Document) {
	sort.Slice(docs, func(i, j int) bool { return docs[i].Path < docs[j].Path })
}

// encodeData serializes document data for backends storing JSON text.
func encodeData(data map[string]interface{}) ([]byte, error) {
	return json.Marshal(data)
}

// decodeData keeps integers exact by decoding numbers as json.Number.
func decodeData(raw []byte) (map[string]interface{}, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var data map[string]interface{}
	if err := dec.Decode(&data); err != nil {
		return nil, err
	}
	if data == nil {
		data = map[string]interface{}{}
	}
	return data, nil
}

// StatsProvider is implemented by stores that can report usage counters.
type StatsProvider interface {
	Stats(ctx context.Context) (map[string]interface{}, error)
}
