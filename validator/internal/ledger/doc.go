// Package ledger talks to the consensus ledger through a gRPC gateway.
//
// The gateway exposes four unary methods on the tally.ledger.v1.Gateway
// service, each taking and returning a google.protobuf.Struct:
//   - BlocksSinceLastUpdate {slot} -> {blocks} (blocks absent when unknown)
//   - MinInterval {slot} -> {blocks}
//   - SubmitWeights {slot_ids, weights, validator_slot, version_key,
//     wait_for_inclusion, wait_for_finalization} -> {success, message}
//   - ListNodes {} -> {nodes: [{slot, node_id}]}
//
// GRPCDialer opens a fresh connection per weight-setting cycle. Transport
// failures are reported as ErrUnavailable. With auth mode apikey the key
// travels as gRPC metadata under the configured header.
package ledger
