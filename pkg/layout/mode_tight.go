//go:build layout_tight

package layout

// Tight reports whether headers are colocated with their data blocks.
const Tight = true
