package model

// FnProperty classifies an operation for dispatch. Policies may route copy
// operations to dedicated lanes and run async operations inline.
type FnProperty string

// Function property constants.
const (
	PropNormal         FnProperty = "normal"
	PropCopyFromGPU    FnProperty = "copy_from_gpu"
	PropCopyToGPU      FnProperty = "copy_to_gpu"
	PropCPUPrioritized FnProperty = "cpu_prioritized"
	PropAsync          FnProperty = "async"
)

// AllProperties lists every FnProperty, in declaration order.
var AllProperties = []FnProperty{
	PropNormal,
	PropCopyFromGPU,
	PropCopyToGPU,
	PropCPUPrioritized,
	PropAsync,
}

// IsCopy reports whether p moves data between host and device.
func (p FnProperty) IsCopy() bool {
	return p == PropCopyFromGPU || p == PropCopyToGPU
}
