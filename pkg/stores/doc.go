// Package stores provides the SQLite persistence layer for vmforge.
// It holds images, storages, nodes, VMs, device records, single-use upload
// chunks, task records and the task event log, with schema managed by
// embedded golang-migrate migrations.
package stores
