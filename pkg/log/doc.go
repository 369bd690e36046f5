/*
Package log holds the process-wide zerolog logger.

Init replaces the global Logger once configuration is loaded. Long-lived
components take a child logger at construction time so each line names the
component and, where relevant, the request, worker port or fabric:

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})

	logger := log.WithComponent("fabric")
	logger.Warn().Int64(log.FieldFabric, 3).Str(log.FieldCluster, "cl01").Msg("Fabric busy")

Until Init runs the Logger is the zero zerolog.Logger and discards
everything. Tests rely on this.

JSON output:

	{"level":"warn","component":"synclock","worker_port":"5001","owner":"disp-2","time":"2026-10-19T10:30:00Z","message":"Sync lock held by another owner"}
*/
package log
