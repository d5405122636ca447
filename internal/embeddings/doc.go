// Package embeddings provides embedding generation and quality guarding.
//
// Providers turn text into fixed-dimension float vectors. Every vector
// destined for the store passes through the Guard first, so a broken
// embedding call (constant output, wild norms) never reaches persistence.
package embeddings
