// Package topics tracks which event topics the application currently wants.
// It provides the Topic and Set value types and a reference-counted Registry
// that aggregates the interest of every live consumer into one desired set.
package topics
