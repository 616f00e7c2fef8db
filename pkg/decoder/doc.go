// Package decoder turns NDJSON lines into validated STAC items.
//
// A Decoder reads one line at a time with a bounded buffer, so a file is
// never held in memory. Invalid lines produce a *core.DecodeError and the
// stream continues; a broken stream (for example a line longer than the
// buffer) produces a *core.StreamError and ends decoding.
package decoder
