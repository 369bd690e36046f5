/*
Package patcherror defines the patch error code catalog and records
structured error reports against requests.

Every failure that ends a run is converted into a Code. The Reporter turns
the code into a report carrying the catalog message, the operator
suggestion (capped at MaxDetailLength characters), the per-node progress
and any patch tool failures collected on the launch nodes:

	{"data": {"error_code": "0x03010003",
	          "error_message": "System is busy. ...",
	          "error_detail": "...",
	          "error_action": "FAIL_DONTSHOW_PAGE_ONCALL",
	          "node_progressing_status": {...},
	          "patch_mgr_error": {"patch_mgr_error_details": [...]},
	          "child_request_uuid": "...",
	          "master_request_uuid": "..."}}

Patch tool details already stored for the request are kept: new output is
merged with them rather than replacing them, so reporting the same failure
twice stores the same report.
*/
package patcherror
