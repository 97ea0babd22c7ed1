// Package tags implements the boolean filter language that restricts which
// children a session sees: simple comma lists, infix AND/OR/NOT
// expressions, and a JSON form for programmatic callers.
package tags
