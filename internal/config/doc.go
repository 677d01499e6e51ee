// Package config loads and validates the tuning parameters of the matching
// engine.
//
// Score weights, distance thresholds and the tie-break margin are corpus
// dependent and are never compiled in: a params file has to provide them and
// Validate rejects a Params value where they are missing. Structural values
// such as worker count and plausible image bounds do carry defaults.
package config
