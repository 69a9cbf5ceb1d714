package eventcore

import (
	"fmt"
	"log/slog"
)

// Version is the number of events committed to a stream. An empty stream is
// at version 0; appending N events at version V moves it to V+N.
type Version uint64

func (v Version) SlogAttr() slog.Attr { return v.SlogAttrWithKey("version") }

func (v Version) SlogAttrWithKey(key string) slog.Attr {
	return slog.Uint64(key, uint64(v))
}

// StreamState is the expectation an append places on the current version of
// the target stream.
type StreamState interface {
	// Check reports whether a stream currently at version current satisfies
	// the expectation.
	Check(current Version) bool
	fmt.Stringer
}

// Any means append without checking current revision.
type Any struct{}

func (Any) Check(Version) bool { return true }
func (Any) String() string     { return "any" }

// NoStream means the stream should not exist yet.
type NoStream struct{}

func (NoStream) Check(current Version) bool { return current == 0 }
func (NoStream) String() string             { return "no-stream" }

// StreamExists means the stream must exist.
type StreamExists struct{}

func (StreamExists) Check(current Version) bool { return current > 0 }
func (StreamExists) String() string             { return "stream-exists" }

// Revision matches exactly a numeric version.
type Revision Version

func (r Revision) Check(current Version) bool { return current == Version(r) }
func (r Revision) String() string             { return fmt.Sprintf("%d", uint64(r)) }
