/*
Package server provides the HTTP interface of the cleave server.

The main endpoint is POST /compute-cleave.  A request names a body on a DVID
server, a version (uuid), a segmentation instance, and seed supervoxels grouped
by label:

	{
	    "body-id": 673509195,
	    "seeds": {"1": [1, 2], "2": [5]},
	    "user": "bergs",
	    "server": "emdata4.int.janelia.org",
	    "port": 8900,
	    "uuid": "28841c8277e044a7b187dda03e18da13",
	    "segmentation-instance": "segmentation",
	    "method": "seeded-watershed"
	}

The response echoes the request and adds "request-timestamp", "assignments"
(label to sorted supervoxel list), "warnings", and on failure "errors".

Besides /compute-cleave, the server provides a log viewer at /log and a small
JSON API under /api for server info, graph statistics, per-body subgraphs and
snapshots of the merge table.  Configuration is read from a TOML file; see
Config.
*/
package server
