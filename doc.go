/*
Cleave server partitions a DVID body into pieces grown from user-given seed
supervoxels.  It keeps a table of merge scores between adjacent supervoxels in
memory, extracts the subgraph induced by a body's supervoxels on each request,
and assigns every supervoxel to one of the seed labels.

When a body has changed since the table was loaded, the server refreshes the
affected rows from a DVID labelgraph instance before partitioning, except for
requests against the configured primary version.

Packages

	core      logging, request logs and small utilities
	graph     the merge table (Store), body subgraph extraction and table loading
	cleave    the partition methods: seeded-watershed, agglomerative-clustering, echo-seeds
	upstream  DVID client for body supervoxels, mutation ids and labelgraph subgraphs
	storage   badger snapshots of the table and the request activity log
	server    configuration, request coordination and the HTTP interface

The executable is in cmd/cleave-server.
*/
package cleaveserver
