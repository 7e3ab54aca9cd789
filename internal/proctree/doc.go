// Package proctree forcibly terminates tracked OS processes together with all
// of their descendants. Descendants are discovered from the process table in
// /proc before any signal is sent, so children reparented to init by the
// first kill are not lost.
package proctree
