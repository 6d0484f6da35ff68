// Package protocol loads and validates declarative phase-graph definitions
// and defines the terminal-signal grammar agents use to report back.
//
// A protocol is a YAML document naming an ordered list of phases. Each
// phase builds an artifact, optionally verifies it with shell checks and
// reviewer consultation, and may pause at a human gate before the run
// advances. Loading validates the whole document up front and produces an
// immutable Definition plus a resolved transition table; nothing executes
// until a Definition passes validation.
package protocol
