/*
Package storage persists the local state of a herd unit.

BoltStore keeps everything in a single bbolt file, <dataDir>/herd.db:

	unit_state      unit id → ClusterState (JSON)
	unit_status     unit id → UnitStatus (JSON)
	relation_data   relation \0 scope \0 key → value
	relation_units  relation \0 unit id → membership marker

The relation buckets back the relation store when the agent runs outside a
host runtime that carries relation data itself. The CLI imports fixtures
into them and the coordinator reads them through the relation.Catalog
interface.

MemoryStateStore is the in-memory StateStore used by tests.
*/
package storage
