// Package naming derives tmux session names from logical names.
//
// Two disjoint schemes are used:
//
//	<prefix>-<logical>-<n>            sequential, 1 <= n < SequenceUpperBound
//	<prefix>-<logical>-t<epochMillis> timestamp, for one-off sessions
//
// Only sequential names take part in sequence numbering, so a timestamp
// suffix can never inflate the next sequence of a logical name.
package naming

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/vanpelt/catterm/internal/tmux"
)

// SequenceUpperBound is the first value that is not a valid sequence
const SequenceUpperBound = 1_000_000

// MaxLogicalNameLength bounds the logical part of a session name
const MaxLogicalNameLength = 64

var (
	ErrInvalidName     = errors.New("invalid session name")
	ErrReservedSession = errors.New("session name is reserved")
)

var logicalNamePattern = regexp.MustCompile(`^[A-Za-z0-9_]+(-[A-Za-z0-9_]+)*$`)

// Scheme identifies how the suffix of a session name was produced
type Scheme int

const (
	Sequential Scheme = iota
	Timestamp
)

func (s Scheme) String() string {
	if s == Timestamp {
		return "timestamp"
	}
	return "sequential"
}

// Identifier is a parsed session name. For the timestamp scheme Sequence
// holds the epoch milliseconds.
type Identifier struct {
	LogicalName string
	Sequence    uint64
	Scheme      Scheme
	Name        string
}

// CreatedAt returns the creation time encoded in a timestamp name
func (id Identifier) CreatedAt() (time.Time, bool) {
	if id.Scheme != Timestamp {
		return time.Time{}, false
	}
	return time.UnixMilli(int64(id.Sequence)), true
}

// SessionLister is the part of the multiplexer the registry scans
type SessionLister interface {
	ListSessions(ctx context.Context) ([]tmux.SessionInfo, error)
}

// Registry composes, parses and allocates session names
type Registry struct {
	prefix string
	base   string
	lister SessionLister

	mu        sync.Mutex
	highWater map[string]uint64
}

// NewRegistry creates a registry for names under prefix. base is the
// reserved infrastructure session that clients may never address.
func NewRegistry(prefix, base string, lister SessionLister) *Registry {
	return &Registry{
		prefix:    prefix,
		base:      base,
		lister:    lister,
		highWater: make(map[string]uint64),
	}
}

// Prefix returns the name prefix
func (r *Registry) Prefix() string { return r.prefix }

// ValidateLogicalName checks that name can be embedded in a session name
func ValidateLogicalName(name string) error {
	if name == "" || len(name) > MaxLogicalNameLength || !logicalNamePattern.MatchString(name) {
		return fmt.Errorf("%w: logical name %q", ErrInvalidName, name)
	}
	return nil
}

// Compose builds a sequential identifier
func (r *Registry) Compose(logicalName string, seq uint64) (Identifier, error) {
	if err := ValidateLogicalName(logicalName); err != nil {
		return Identifier{}, err
	}
	if seq == 0 || seq >= SequenceUpperBound {
		return Identifier{}, fmt.Errorf("%w: sequence %d out of range", ErrInvalidName, seq)
	}
	return Identifier{
		LogicalName: logicalName,
		Sequence:    seq,
		Scheme:      Sequential,
		Name:        fmt.Sprintf("%s-%s-%d", r.prefix, logicalName, seq),
	}, nil
}

// ComposeTimestamp builds a timestamp identifier
func (r *Registry) ComposeTimestamp(logicalName string, t time.Time) (Identifier, error) {
	if err := ValidateLogicalName(logicalName); err != nil {
		return Identifier{}, err
	}
	ms := t.UnixMilli()
	if ms <= 0 {
		return Identifier{}, fmt.Errorf("%w: timestamp before epoch", ErrInvalidName)
	}
	return Identifier{
		LogicalName: logicalName,
		Sequence:    uint64(ms),
		Scheme:      Timestamp,
		Name:        fmt.Sprintf("%s-%s-t%d", r.prefix, logicalName, ms),
	}, nil
}

// Parse splits a session name back into its parts. It reports false for
// anything that was not produced by Compose or ComposeTimestamp.
func (r *Registry) Parse(name string) (Identifier, bool) {
	rest, ok := strings.CutPrefix(name, r.prefix+"-")
	if !ok {
		return Identifier{}, false
	}
	idx := strings.LastIndexByte(rest, '-')
	if idx <= 0 || idx == len(rest)-1 {
		return Identifier{}, false
	}
	logical, suffix := rest[:idx], rest[idx+1:]
	if ValidateLogicalName(logical) != nil {
		return Identifier{}, false
	}

	scheme := Sequential
	digits := suffix
	if strings.HasPrefix(suffix, "t") {
		scheme = Timestamp
		digits = suffix[1:]
	}
	// leading zeros would give two names for one identifier
	if digits == "" || digits[0] == '0' {
		return Identifier{}, false
	}
	n, err := strconv.ParseUint(digits, 10, 64)
	if err != nil {
		return Identifier{}, false
	}
	if scheme == Sequential && n >= SequenceUpperBound {
		return Identifier{}, false
	}

	return Identifier{LogicalName: logical, Sequence: n, Scheme: scheme, Name: name}, true
}

// NextSequence returns one more than the highest sequence in use for
// logicalName, either by a tmux session or by an earlier allocation from
// this registry. The result is reserved so concurrent callers never get the
// same value.
func (r *Registry) NextSequence(ctx context.Context, logicalName string) (uint64, error) {
	if err := ValidateLogicalName(logicalName); err != nil {
		return 0, err
	}

	sessions, err := r.lister.ListSessions(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list sessions: %w", err)
	}

	var highest uint64
	for _, s := range sessions {
		id, ok := r.Parse(s.Name)
		if !ok || id.Scheme != Sequential || id.LogicalName != logicalName {
			continue
		}
		highest = max(highest, id.Sequence)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	highest = max(highest, r.highWater[logicalName])
	next := highest + 1
	if next >= SequenceUpperBound {
		return 0, fmt.Errorf("%w: sequences exhausted for %q", ErrInvalidName, logicalName)
	}
	r.highWater[logicalName] = next
	return next, nil
}

// Next allocates the next sequential identifier for logicalName
func (r *Registry) Next(ctx context.Context, logicalName string) (Identifier, error) {
	seq, err := r.NextSequence(ctx, logicalName)
	if err != nil {
		return Identifier{}, err
	}
	return r.Compose(logicalName, seq)
}

// ValidateExternal checks a session name supplied by a client
func (r *Registry) ValidateExternal(name string) error {
	if name == r.base {
		return fmt.Errorf("%w: %s", ErrReservedSession, name)
	}
	if !strings.HasPrefix(name, r.prefix+"-") || len(name) == len(r.prefix)+1 {
		return fmt.Errorf("%w: %q must start with %q", ErrInvalidName, name, r.prefix+"-")
	}
	for _, c := range name {
		if c == ':' || c == '.' || c <= ' ' || c == 0x7f {
			return fmt.Errorf("%w: %q contains %q", ErrInvalidName, name, c)
		}
	}
	return nil
}

// IsManaged reports whether name belongs to this registry and is not the
// reserved base session
func (r *Registry) IsManaged(name string) bool {
	return name != r.base && strings.HasPrefix(name, r.prefix+"-")
}
