/*
Package integrity provides the tamper-evident layer over the event log:
Merkle trees over sealed batches of events, linked into a hash chain.

Each Seal covers the events appended since the previous block. Events
are canonically serialized (id, entity_id, type, payload bytes verbatim,
timestamp, version) and hashed into a SHA-256 Merkle tree with domain
separation: leaves under prefix 0x00, internal nodes under 0x01, the
last node duplicated at odd levels. A block records the root, the
covered id range, and H(previous block's root), nil for genesis.

Verify walks the chain oldest-first, recomputing every link and every
root from the stored events, and reports the first failing block.
Mutating any sealed event's payload, type, timestamp, or version makes
verification fail at the block containing it. In strict-integrity mode
the serve command refuses to boot on a failed verification.
*/
package integrity
