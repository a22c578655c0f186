// Package downsampler aggregates a source measurement into coarser time
// buckets and writes the result to a target measurement.
//
// It runs in two modes. The scheduled mode downsamples a sliding window
// behind each trigger invocation. The HTTP mode backfills an arbitrary
// historical range in batches, driven by a JSON request body.
package downsampler
