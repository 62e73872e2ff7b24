package model

import (
	"fmt"
	"strconv"
	"strings"
)

// Device type constants.
const (
	DevCPU       = "cpu"
	DevGPU       = "gpu"
	DevCPUPinned = "cpu_pinned"
)

// Context identifies the device an operation executes on. It is used only for
// routing and carries no state of its own.
type Context struct {
	DevType string `json:"dev_type"`
	DevID   int    `json:"dev_id"`
}

// CPU returns the context for host CPU device id.
func CPU(id int) Context {
	return Context{DevType: DevCPU, DevID: id}
}

// GPU returns the context for accelerator device id.
func GPU(id int) Context {
	return Context{DevType: DevGPU, DevID: id}
}

// CPUPinned returns the context for page-locked host memory attached to
// accelerator device id.
func CPUPinned(id int) Context {
	return Context{DevType: DevCPUPinned, DevID: id}
}

// String renders the context as "type(id)", e.g. "gpu(1)".
func (c Context) String() string {
	return fmt.Sprintf("%s(%d)", c.DevType, c.DevID)
}

// ValidDevType reports whether t is a known device type.
func ValidDevType(t string) bool {
	switch t {
	case DevCPU, DevGPU, DevCPUPinned:
		return true
	}
	return false
}

// ParseContext parses the form produced by String, e.g. "gpu(1)". A bare
// device type such as "cpu" means device 0.
func ParseContext(s string) (Context, error) {
	s = strings.TrimSpace(s)
	devType, rest, hasID := strings.Cut(s, "(")
	ctx := Context{DevType: devType}
	if hasID {
		idStr, ok := strings.CutSuffix(rest, ")")
		if !ok {
			return Context{}, fmt.Errorf("parse context %q: missing )", s)
		}
		id, err := strconv.Atoi(idStr)
		if err != nil || id < 0 {
			return Context{}, fmt.Errorf("parse context %q: invalid device id", s)
		}
		ctx.DevID = id
	}
	if !ValidDevType(ctx.DevType) {
		return Context{}, fmt.Errorf("parse context %q: unknown device type", s)
	}
	return ctx, nil
}
