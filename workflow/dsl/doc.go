// Package dsl implements the condition expression language used by workflow
// steps and edges. Expressions are compiled once at definition build time and
// evaluated against a context snapshot each time the scheduler considers a
// step.
package dsl
