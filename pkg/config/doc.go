/*
Package config loads the rackpatch YAML configuration.

A file only needs the keys it changes; everything else keeps the value
from Default:

	store:
	  driver: mysql
	  dsn: rackpatch:secret@tcp(db:3306)/rackpatch
	  mask_params: true
	  mask_key: <base64 32 byte key>
	patching:
	  launch_nodes: mgmt-1,mgmt-2
	  ha_check_enabled: true
	log:
	  level: debug

Command line flags override file values.
*/
package config
