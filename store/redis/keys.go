package redis

// Redis key naming conventions for scheduler data.
// All keys are prefixed with "sched:" to avoid collisions.

const keyPrefix = "sched:"

// snapshotKey stores the serialized queue snapshot document.
const snapshotKey = keyPrefix + "queue_snapshot"

// workerKey returns the key for a worker node entity: sched:worker:{id}
func workerKey(id string) string { return keyPrefix + "worker:" + id }

// workerIDsKey is the Set tracking all worker IDs for enumeration.
const workerIDsKey = keyPrefix + "worker_ids"

// leaseKey returns the key for a lease entity: sched:lease:{id}
func leaseKey(id string) string { return keyPrefix + "lease:" + id }

// leaseIDsKey is the Set tracking all lease IDs for enumeration.
const leaseIDsKey = keyPrefix + "lease_ids"
