// Package descriptor defines the pipeline descriptor capability used by the
// execution engine. Each supported descriptor format (Boutiques, CWL) is a
// variant of the Descriptor interface, selected at runtime through a Registry
// keyed by descriptor type. The engine never depends on a concrete variant.
package descriptor
