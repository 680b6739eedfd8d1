// Package ghost owns entity authority on one cell.
//
// Ownership boundary:
// - ghost records: shadow copies of entities owned by a neighboring cell
//
// - real records: entities this cell simulates and writes
//
// - haunts: the neighbor cells a real entity is ghosted onto
//
// Authority order:
// - ghost -> transitioning -> real (offload received)
//
// - real -> ghost (authority released to a new owner)
//
// - a transitioning record applies no ghost updates; late updates from the
// old owner are rejected and counted.
//
// Ghost does not decide when to offload. An OffloadPolicy decides, the
// coordinator executes.
package ghost
