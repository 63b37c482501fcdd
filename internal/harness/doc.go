// Package harness orchestrates an end-to-end test of a serial file-transfer
// protocol.
//
// The harness itself does not speak the transfer protocol. It supervises a
// set of external collaborators (an extraction tool, a sender, a receiver, a
// comparison tool, and, when no real ports are supplied, a loopback provider
// such as socat) and validates the black-box outcome: every file extracted
// from a disk image arrives byte-identical on the other side of a
// point-to-point serial link.
//
// A run proceeds through fixed stages:
//
//  1. Resolve every collaborator to an absolute executable path.
//  2. Provision a session root with extraction and reception directories,
//     and start the loopback provider unless explicit ports were given.
//  3. Poll until both pseudo-terminal endpoints resolve to character
//     devices, bounded by a fixed attempt budget.
//  4. Extract the disk image into the source directory.
//  5. Start the receiver, wait a settle delay, then run the sender to
//     completion and finally wait for the receiver.
//  6. Compare the two directories and parse the report into a structured
//     ComparisonOutcome.
//
// Every resource provisioned along the way is owned by a Session. Cleanup is
// idempotent and best-effort per step, and runs on every exit path including
// interruption: supervised processes are terminated in reverse start order
// before the session root is removed.
package harness
