// Package models holds the data-model types shared across the runner:
// packet/stream taxonomy, the closed error-code set, and the graph options
// descriptor. Types here have no behavior beyond validation helpers — the
// components that own lifecycle and concurrency live in internal/.
package models

import (
	"errors"
	"fmt"
)

// PacketType distinguishes the two kinds of packet a stream carries.
type PacketType int

const (
	PacketUnknown PacketType = iota
	PacketPixel
	PacketSemantic
)

func (t PacketType) String() string {
	switch t {
	case PacketPixel:
		return "PIXEL"
	case PacketSemantic:
		return "SEMANTIC"
	default:
		return "UNKNOWN"
	}
}

// PixelFormat is the closed set of pixel formats understood by the runner:
// {RGB, RGBA, GRAY, NIR, NIR_DEPTH} with explicit bit depths so
// bytes-per-pixel is computable for the stride-aware copy.
type PixelFormat int

const (
	FormatUnknown PixelFormat = iota
	FormatRGB888
	FormatRGBA8888
	FormatGRAY8
	FormatNIR8
	FormatNIRDepth16
)

func (f PixelFormat) String() string {
	switch f {
	case FormatRGB888:
		return "RGB888"
	case FormatRGBA8888:
		return "RGBA8888"
	case FormatGRAY8:
		return "GRAY8"
	case FormatNIR8:
		return "NIR8"
	case FormatNIRDepth16:
		return "NIR_DEPTH16"
	default:
		return "UNKNOWN"
	}
}

// BytesPerPixel returns the storage width of one pixel in this format, or 0
// for an unrecognized format. Grounded on original_source's PixelFormatUtils
// numBytesPerPixel table.
func BytesPerPixel(f PixelFormat) int {
	switch f {
	case FormatRGB888:
		return 3
	case FormatRGBA8888:
		return 4
	case FormatGRAY8, FormatNIR8:
		return 1
	case FormatNIRDepth16:
		return 2
	default:
		return 0
	}
}

// InputSourceType enumerates the supported input-stream source kinds.
type InputSourceType int

const (
	SourceUnknown InputSourceType = iota
	SourceCamera
	SourceImageFiles
	SourceVideoFile
)

func (s InputSourceType) String() string {
	switch s {
	case SourceCamera:
		return "CAMERA"
	case SourceImageFiles:
		return "IMAGE_FILES"
	case SourceVideoFile:
		return "VIDEO_FILE"
	default:
		return "UNKNOWN"
	}
}

// ErrorCode is the closed error taxonomy propagated across every component
// boundary.
type ErrorCode int

const (
	CodeSuccess ErrorCode = iota
	CodeInternalError
	CodeInvalidArgument
	CodeIllegalState
	CodeNoMemory
	CodeFatalError
)

func (c ErrorCode) String() string {
	switch c {
	case CodeSuccess:
		return "SUCCESS"
	case CodeInternalError:
		return "INTERNAL_ERROR"
	case CodeInvalidArgument:
		return "INVALID_ARGUMENT"
	case CodeIllegalState:
		return "ILLEGAL_STATE"
	case CodeNoMemory:
		return "NO_MEMORY"
	case CodeFatalError:
		return "FATAL_ERROR"
	default:
		return "UNKNOWN"
	}
}

// StatusError pairs an ErrorCode with a human-readable message; the common
// error type returned across adapter/engine/client boundaries.
type StatusError struct {
	Code    ErrorCode
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewStatusError constructs a *StatusError. A CodeSuccess status is still a
// valid (non-error-like) value for callers that want a uniform status type.
func NewStatusError(code ErrorCode, format string, args ...interface{}) *StatusError {
	return &StatusError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// AsStatusError extracts a *StatusError from err, synthesizing an
// INTERNAL_ERROR wrapper for errors that did not originate from this
// package's constructors.
func AsStatusError(err error) *StatusError {
	if err == nil {
		return nil
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se
	}
	return &StatusError{Code: CodeInternalError, Message: err.Error()}
}

// InvalidID is the sentinel meaning "not selected" for config ids.
const InvalidID = -1

// InputStreamSpec describes one input stream inside an input config.
type InputStreamSpec struct {
	Type   InputSourceType
	Format PixelFormat
	Width  int
	Height int
	Stride int

	// Type-specific fields.
	ImageDir    string // SourceImageFiles: directory walked in sorted order.
	VideoPath   string // SourceVideoFile: synthetic decode source path.
	FrameResync bool   // SourceVideoFile: whether to resynchronize frame timing to wall clock.
}

// InputConfig groups one or more input streams selectable by id.
type InputConfig struct {
	ID      int
	Streams []InputStreamSpec
}

// OutputConfig describes one output stream of the graph.
type OutputConfig struct {
	StreamID   int
	StreamName string
	Type       PacketType
}

// GraphOptionsDescriptor is the graph's self-description, normally obtained
// from the adapter's GetGraphOptions/get-configs call.
type GraphOptionsDescriptor struct {
	GraphName string
	Inputs    []InputConfig
	Outputs   []OutputConfig
}

// ProfileMode enumerates the client's requested profiling mode.
type ProfileMode int

const (
	ProfileDisabled ProfileMode = iota
	ProfileLatency
	ProfileTraceEvents
)

// PhaseState tags a ClientConfig (and each phase notification) with where in
// a single phase transition it is being consumed: ENTRY on first delivery to a component, TRANSITION_COMPLETE
// once every component has acknowledged ENTRY, ABORTED if any component
// failed ENTRY and the engine is tearing the transition back down.
type PhaseState int

const (
	PhaseEntry PhaseState = iota
	PhaseTransitionComplete
	PhaseAborted
)

func (p PhaseState) String() string {
	switch p {
	case PhaseEntry:
		return "ENTRY"
	case PhaseTransitionComplete:
		return "TRANSITION_COMPLETE"
	case PhaseAborted:
		return "ABORTED"
	default:
		return "UNKNOWN"
	}
}

// ClientConfig is the immutable client configuration snapshot the engine
// hands to the graph adapter's apply_config, phase-tagged for each of the
// two calls a single CONFIG round makes (ENTRY, then TRANSITION_COMPLETE).
// It lives here rather than in configbuilder so the graph adapter
// (component D) can accept it without importing the config builder
// (component E), which sits above it in the dependency order;
// configbuilder.Snapshot is this type under another name.
type ClientConfig struct {
	InputConfigID          int
	OffloadID              int
	TerminationID          int
	StreamLimits           map[int]int
	ProfileMode            ProfileMode
	OptionalBlob           []byte
	HasClientDisplayStream bool
	PhaseState             PhaseState
}

// WithPhaseState returns a copy of the snapshot tagged with a new phase
// state, leaving the receiver untouched.
func (c ClientConfig) WithPhaseState(p PhaseState) ClientConfig {
	c.PhaseState = p
	return c
}
