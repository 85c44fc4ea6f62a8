package sched

import "github.com/Benjamindaoson/agentic-delivery-os-sub002/id"

// ID is the primary identifier type for all sched entities.
type ID = id.ID

// Prefix identifies the entity type encoded in a TypeID.
type Prefix = id.Prefix
