package dataio

// RegisterBuiltins adds the iterators this package provides to r.
func RegisterBuiltins(r *Registry) error {
	entries := []Entry{
		{
			Name:        "synthetic",
			Description: "Deterministic pseudo-random instances (num_instances, dim, seed).",
			New:         func() Iterator { return &Synthetic{} },
		},
		{
			Name:        "csv",
			Description: "One instance per CSV record (path, has_header, label_column).",
			New:         func() Iterator { return &CSV{} },
		},
		{
			Name:        "batch",
			Description: "Groups instances into fixed-size batches (batch_size, round_batch).",
			Wraps:       true,
			New:         func() Iterator { return &Batcher{} },
		},
		{
			Name:        "prefetch",
			Description: "Reads batches ahead on a background goroutine (capacity).",
			Wraps:       true,
			New:         func() Iterator { return &Prefetcher{} },
		},
	}
	for _, e := range entries {
		if err := r.Register(e); err != nil {
			return err
		}
	}
	return nil
}

// NewDefaultRegistry returns a registry holding the built-in iterators.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	if err := RegisterBuiltins(r); err != nil {
		panic(err)
	}
	return r
}
