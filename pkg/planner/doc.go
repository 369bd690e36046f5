/*
Package planner builds the ordered step list of a patch run and reports
progress against it.

A run over dom0 with two nodes, rolling, looks like:

	select_launch_node_and_copy_files
	prepare_environment_dom0
	filter_nodes
	filter_nodes_dom0
	gather_data_dom0_[1]  patch_init_dom0_[1]  clean_environment_dom0_[1]  run_postchecks_dom0_[1]
	gather_data_dom0_[2]  patch_dom0s_[2]      clean_environment_dom0_[2]  run_postchecks_dom0_[2]
	patch_done

Progress is written to the request as "<status>:<percent>:<step>[-comment]",
where percent is the 1-based position of the step scaled to 100.
*/
package planner
