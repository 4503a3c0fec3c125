package store

import "github.com/agentmesh/hcom/internal/hcomerr"

// errStoreFatal is wrapped into internal errors that must propagate as
// hcomerr.ErrStore (spec §7: "Store corruption — fatal; abort current
// operation and surface").
var errStoreFatal = hcomerr.ErrStore

// errInput marks caller mistakes (unknown patch field, missing row)
// that should surface as hcomerr.ErrInput, not a fatal store error.
var errInput = hcomerr.ErrInput
