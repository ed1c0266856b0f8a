// Package mongo provides durable L4 memory storage on MongoDB. Use
// clients/mongo to build the low-level client and pass it to NewStore to
// obtain a memory.VectorStore that persists embedded entries in a single
// collection with a unique index on the entry id. Similarity queries load
// the stored vectors and score them by cosine similarity client side.
package mongo
