// Package dataio provides pull-based data iterators and a registry of
// iterator factories. Sources produce instances; wrapping stages such as
// batch and prefetch are chained on top of a source by Registry.Build.
package dataio
