// Package bank implements the reasoning bank: a store of learned tool-use
// patterns distilled from completed agent reasoning episodes.
//
// Completed traces are recorded append-only. Successful traces that used
// tools are collapsed into Patterns keyed by an order-insensitive
// fingerprint of the tool sequence, so equivalent tool usage dedupes to a
// single record regardless of call order. External quality feedback is
// blended into each pattern's reward score with a fixed-weight EMA, and
// retrieval is nearest-neighbor over pattern embeddings, always scoped to
// a task domain.
package bank
