package location

import "context"

// Locate returns the first fix or fix error a source produces and cancels the
// watch it used.
func Locate(ctx context.Context, src Source, opts Options) (Sample, error) {
	if src == nil || !src.Supported() {
		return Sample{}, &FixError{Code: Unsupported, Message: "location is not supported on this device"}
	}

	type result struct {
		sample Sample
		err    error
	}
	results := make(chan result, 1)
	offer := func(r result) {
		select {
		case results <- r:
		default:
		}
	}

	h := src.Watch(
		func(s Sample) { offer(result{sample: s}) },
		func(e *FixError) { offer(result{err: e}) },
		opts,
	)
	defer src.Cancel(h)

	select {
	case <-ctx.Done():
		return Sample{}, ctx.Err()
	case r := <-results:
		return r.sample, r.err
	}
}
